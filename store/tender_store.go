package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"tenderbackend/domain"
)

// TenderStore is the shared state store for tender sessions.
//
// NOTE: Raw uploads and result artifacts live in object storage. This store
// only addresses status/ingestion/parse consistency across pods and restarts.
type TenderStore interface {
	Create(session *domain.TenderSession) error
	Get(id string) (*domain.TenderSession, bool, error)
	List() ([]*domain.TenderSession, error)
	// Update applies fn under the store's concurrency control. fn sees the
	// current record and mutates it in place.
	Update(id string, fn func(s *domain.TenderSession)) (*domain.TenderSession, bool, error)
	// Transition is Update with a veto: if fn returns an error the record is
	// left untouched and the error is returned verbatim. Combined with the
	// Redis WATCH implementation this is the conditional status write that
	// keeps two concurrent process triggers from both entering parsing.
	Transition(id string, fn func(s *domain.TenderSession) error) (*domain.TenderSession, bool, error)
}

type InMemoryTenderStore struct {
	mu       sync.Mutex
	sessions map[string]*domain.TenderSession
}

func NewInMemoryTenderStore() *InMemoryTenderStore {
	return &InMemoryTenderStore{sessions: make(map[string]*domain.TenderSession)}
}

func (s *InMemoryTenderStore) Create(session *domain.TenderSession) error {
	if session == nil || strings.TrimSpace(session.TenderID) == "" {
		return errors.New("session/tenderId empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.TenderID] = cloneSession(session)
	return nil
}

func (s *InMemoryTenderStore) Get(id string) (*domain.TenderSession, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok || sess == nil {
		return nil, false, nil
	}
	return cloneSession(sess), true, nil
}

func (s *InMemoryTenderStore) List() ([]*domain.TenderSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.TenderSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, cloneSession(sess))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryTenderStore) Update(id string, fn func(sess *domain.TenderSession)) (*domain.TenderSession, bool, error) {
	return s.Transition(id, func(sess *domain.TenderSession) error {
		fn(sess)
		return nil
	})
}

func (s *InMemoryTenderStore) Transition(id string, fn func(sess *domain.TenderSession) error) (*domain.TenderSession, bool, error) {
	if fn == nil {
		return nil, false, errors.New("transition fn empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, false, nil
	}
	next := cloneSession(sess)
	if err := fn(next); err != nil {
		return nil, true, err
	}
	s.sessions[id] = next
	return cloneSession(next), true, nil
}

// cloneSession deep-copies via JSON so callers never share slices with the
// stored record.
func cloneSession(s *domain.TenderSession) *domain.TenderSession {
	b, err := json.Marshal(s)
	if err != nil {
		cp := *s
		return &cp
	}
	var out domain.TenderSession
	if err := json.Unmarshal(b, &out); err != nil {
		cp := *s
		return &cp
	}
	return &out
}

type RedisTenderStore struct {
	rdb       *redis.Client
	keyPrefix string
	ttl       time.Duration
}

func readTenderTTL() time.Duration {
	raw := strings.TrimSpace(os.Getenv("TENDER_SESSION_TTL_SECONDS"))
	if raw == "" {
		return 30 * 24 * time.Hour
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return 30 * 24 * time.Hour
	}
	return time.Duration(n) * time.Second
}

func NewRedisTenderStore(rdb *redis.Client) (*RedisTenderStore, error) {
	if rdb == nil {
		return nil, errors.New("redis client empty")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	log.Printf("tender store: redis enabled ttl=%s", readTenderTTL())

	return &RedisTenderStore{
		rdb:       rdb,
		keyPrefix: "tender:session:",
		ttl:       readTenderTTL(),
	}, nil
}

func (s *RedisTenderStore) key(id string) string {
	return s.keyPrefix + strings.TrimSpace(id)
}

func (s *RedisTenderStore) indexKey() string {
	return s.keyPrefix + "index"
}

func (s *RedisTenderStore) Create(session *domain.TenderSession) error {
	if session == nil || strings.TrimSpace(session.TenderID) == "" {
		return errors.New("session/tenderId empty")
	}
	b, err := json.Marshal(session)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.rdb.SetNX(ctx, s.key(session.TenderID), b, s.ttl).Err(); err != nil {
		return err
	}
	// Index by creation time so List can page newest-first.
	return s.rdb.ZAdd(ctx, s.indexKey(), redis.Z{
		Score:  float64(session.CreatedAt.UnixMilli()),
		Member: session.TenderID,
	}).Err()
}

func (s *RedisTenderStore) Get(id string) (*domain.TenderSession, bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, false, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	val, err := s.rdb.Get(ctx, s.key(id)).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var sess domain.TenderSession
	if err := json.Unmarshal([]byte(val), &sess); err != nil {
		return nil, false, err
	}
	return &sess, true, nil
}

func (s *RedisTenderStore) List() ([]*domain.TenderSession, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 4*time.Second)
	defer cancel()
	ids, err := s.rdb.ZRevRange(ctx, s.indexKey(), 0, 199).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	out := make([]*domain.TenderSession, 0, len(ids))
	for _, id := range ids {
		sess, ok, err := s.Get(id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, sess)
		}
	}
	return out, nil
}

func (s *RedisTenderStore) Update(id string, fn func(sess *domain.TenderSession)) (*domain.TenderSession, bool, error) {
	if fn == nil {
		return nil, false, errors.New("update fn empty")
	}
	return s.Transition(id, func(sess *domain.TenderSession) error {
		fn(sess)
		return nil
	})
}

func (s *RedisTenderStore) Transition(id string, fn func(sess *domain.TenderSession) error) (*domain.TenderSession, bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, false, nil
	}
	if fn == nil {
		return nil, false, errors.New("transition fn empty")
	}

	key := s.key(id)

	var out *domain.TenderSession
	var ok bool
	var vetoed error

	ctx, cancel := context.WithTimeout(context.Background(), 4*time.Second)
	defer cancel()

	for i := 0; i < 8; i++ {
		vetoed = nil
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			val, err := tx.Get(ctx, key).Result()
			if err == redis.Nil {
				ok = false
				out = nil
				return nil
			}
			if err != nil {
				return err
			}
			var sess domain.TenderSession
			if err := json.Unmarshal([]byte(val), &sess); err != nil {
				return err
			}
			if err := fn(&sess); err != nil {
				// Veto: record stays as-is but we still report existence.
				ok = true
				out = nil
				vetoed = err
				return nil
			}
			out = &sess
			ok = true

			nb, err := json.Marshal(&sess)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, nb, s.ttl)
				return nil
			})
			return err
		}, key)

		if err == nil {
			return out, ok, vetoed
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, false, err
	}

	return nil, false, errors.New("redis transition retry exceeded")
}
