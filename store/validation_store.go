package store

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"tenderbackend/domain"
)

// ValidationStore holds facts/annexures awaiting human review. Items are
// created by extractors and mutated only by decisions.
type ValidationStore interface {
	Put(item *domain.ValidationItem) error
	Get(id string) (*domain.ValidationItem, bool, error)
	ListByTender(tenderID string, kind domain.ItemKind) ([]*domain.ValidationItem, error)
	// Decide stamps the decision. Idempotent: repeating the same decision
	// keeps the status and refreshes DecisionAt.
	Decide(id string, decision domain.DecisionStatus, notes string) (*domain.ValidationItem, bool, error)
}

type InMemoryValidationStore struct {
	mu    sync.Mutex
	items map[string]*domain.ValidationItem
}

func NewInMemoryValidationStore() *InMemoryValidationStore {
	return &InMemoryValidationStore{items: make(map[string]*domain.ValidationItem)}
}

func (s *InMemoryValidationStore) Put(item *domain.ValidationItem) error {
	if item == nil || strings.TrimSpace(item.ID) == "" {
		return errors.New("item/id empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *item
	s.items[item.ID] = &cp
	return nil
}

func (s *InMemoryValidationStore) Get(id string) (*domain.ValidationItem, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok || it == nil {
		return nil, false, nil
	}
	cp := *it
	return &cp, true, nil
}

func (s *InMemoryValidationStore) ListByTender(tenderID string, kind domain.ItemKind) ([]*domain.ValidationItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.ValidationItem, 0)
	for _, it := range s.items {
		if it.TenderID != tenderID || it.Kind != kind {
			continue
		}
		cp := *it
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryValidationStore) Decide(id string, decision domain.DecisionStatus, notes string) (*domain.ValidationItem, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok || it == nil {
		return nil, false, nil
	}
	now := time.Now().UTC()
	it.Status = decision
	it.DecisionAt = &now
	it.DecisionNotes = notes
	cp := *it
	return &cp, true, nil
}

type RedisValidationStore struct {
	rdb       *redis.Client
	keyPrefix string
	ttl       time.Duration
}

func NewRedisValidationStore(rdb *redis.Client) (*RedisValidationStore, error) {
	if rdb == nil {
		return nil, errors.New("redis client empty")
	}
	return &RedisValidationStore{
		rdb:       rdb,
		keyPrefix: "tender:item:",
		ttl:       readTenderTTL(),
	}, nil
}

func (s *RedisValidationStore) key(id string) string {
	return s.keyPrefix + strings.TrimSpace(id)
}

func (s *RedisValidationStore) tenderSetKey(tenderID string, kind domain.ItemKind) string {
	return s.keyPrefix + "by-tender:" + strings.TrimSpace(tenderID) + ":" + string(kind)
}

func (s *RedisValidationStore) Put(item *domain.ValidationItem) error {
	if item == nil || strings.TrimSpace(item.ID) == "" {
		return errors.New("item/id empty")
	}
	b, err := json.Marshal(item)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.rdb.Set(ctx, s.key(item.ID), b, s.ttl).Err(); err != nil {
		return err
	}
	setKey := s.tenderSetKey(item.TenderID, item.Kind)
	if err := s.rdb.ZAdd(ctx, setKey, redis.Z{
		Score:  float64(item.CreatedAt.UnixMilli()),
		Member: item.ID,
	}).Err(); err != nil {
		return err
	}
	return s.rdb.Expire(ctx, setKey, s.ttl).Err()
}

func (s *RedisValidationStore) Get(id string) (*domain.ValidationItem, bool, error) {
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
	var it domain.ValidationItem
	if err := json.Unmarshal([]byte(val), &it); err != nil {
		return nil, false, err
	}
	return &it, true, nil
}

func (s *RedisValidationStore) ListByTender(tenderID string, kind domain.ItemKind) ([]*domain.ValidationItem, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 4*time.Second)
	defer cancel()
	ids, err := s.rdb.ZRange(ctx, s.tenderSetKey(tenderID, kind), 0, -1).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	out := make([]*domain.ValidationItem, 0, len(ids))
	for _, id := range ids {
		it, ok, err := s.Get(id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, it)
		}
	}
	return out, nil
}

func (s *RedisValidationStore) Decide(id string, decision domain.DecisionStatus, notes string) (*domain.ValidationItem, bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, false, nil
	}
	key := s.key(id)

	var out *domain.ValidationItem
	var ok bool

	ctx, cancel := context.WithTimeout(context.Background(), 4*time.Second)
	defer cancel()

	for i := 0; i < 8; i++ {
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
			var it domain.ValidationItem
			if err := json.Unmarshal([]byte(val), &it); err != nil {
				return err
			}
			now := time.Now().UTC()
			it.Status = decision
			it.DecisionAt = &now
			it.DecisionNotes = notes
			out = &it
			ok = true

			nb, err := json.Marshal(&it)
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
			return out, ok, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, false, err
	}

	return nil, false, errors.New("redis decide retry exceeded")
}
