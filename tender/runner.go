package tender

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"tenderbackend/domain"
	"tenderbackend/obs"
	"tenderbackend/playbook"
	"tenderbackend/ragclient"
	"tenderbackend/redislock"
	"tenderbackend/store"
	"tenderbackend/streamq"
)

// ObjectStore is the slice of objstore.Store the runner needs: raw upload
// targets, immutable result artifacts, signed URLs.
type ObjectStore interface {
	Enabled() bool
	RawObjectKey(tenderID, storedName string) string
	ResultObjectKey(tenderID string, at time.Time) string
	URIFor(objectKey string) string
	KeyFromURI(uri string) (string, bool)
	SignUploadURL(objectKey, contentType string) (string, map[string]string, error)
	PutJSON(objectKey string, body []byte) error
	GetObjectBytes(objectKey string) ([]byte, error)
	SignDownloadURL(objectKey, downloadFilename string) (string, error)
}

// Runner owns the tender state machine. Handlers and the queue worker call
// into it; all status writes go through store.Transition so concurrent
// triggers race on the conditional write, not on each other.
type Runner struct {
	store    store.TenderStore
	oss      ObjectStore
	ingestor ragclient.Ingestor
	answerer ragclient.Answerer
	pb       *playbook.Playbook
	queue    streamq.TenderQueue
	lock     *redislock.Client

	limits       domain.UploadLimits
	staleAfter   time.Duration
	lockTTL      time.Duration
	lockKick     time.Duration
	quotaRetries int
	quotaBackoff time.Duration
	inflight     chan struct{}
}

// UploadTarget is what the client needs to perform one browser-direct PUT.
type UploadTarget struct {
	FileID          string            `json:"fileId"`
	UploadURL       string            `json:"uploadUrl"`
	RequiredHeaders map[string]string `json:"requiredHeaders,omitempty"`
}

var allowedUploadTypes = []string{
	"application/pdf",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"application/msword",
	"text/plain",
}

func NewRunner(st store.TenderStore, oss ObjectStore, ing ragclient.Ingestor, ans ragclient.Answerer, pb *playbook.Playbook, q streamq.TenderQueue, lock *redislock.Client) *Runner {
	maxInflight := readEnvIntDefault("TENDER_MAX_INFLIGHT", 4)
	if maxInflight <= 0 {
		maxInflight = 1
	}
	maxFileMB := readEnvIntDefault("MAX_UPLOAD_FILE_MB", 5)
	if maxFileMB <= 0 {
		maxFileMB = 5
	}
	maxFiles := readEnvIntDefault("TENDER_MAX_FILES", 10)
	if maxFiles <= 0 {
		maxFiles = 10
	}
	return &Runner{
		store:    st,
		oss:      oss,
		ingestor: ing,
		answerer: ans,
		pb:       pb,
		queue:    q,
		lock:     lock,
		limits: domain.UploadLimits{
			MaxFileSizeBytes: int64(maxFileMB) << 20,
			AllowedMimeTypes: allowedUploadTypes,
			MaxFiles:         maxFiles,
		},
		staleAfter:   readEnvDurationSecondsDefault("PARSE_STALE_SECONDS", 30*time.Minute),
		lockTTL:      readEnvDurationSecondsDefault("PROCESS_LOCK_TTL_SECONDS", 30*time.Minute),
		lockKick:     readEnvDurationSecondsDefault("PROCESS_LOCK_REFRESH_SECONDS", 30*time.Second),
		quotaRetries: readEnvIntDefault("PLAYBOOK_QUOTA_MAX_RETRIES", 3),
		quotaBackoff: readEnvDurationSecondsDefault("PLAYBOOK_QUOTA_BACKOFF_SECONDS", 5*time.Second),
		inflight:     make(chan struct{}, maxInflight),
	}
}

func (r *Runner) Limits() domain.UploadLimits { return r.limits }

func (r *Runner) CreateSession(createdBy string) (*domain.TenderSession, error) {
	sess := &domain.TenderSession{
		TenderID:  "tender_" + uuid.NewString(),
		Status:    domain.TenderStatusUploading,
		CreatedAt: time.Now().UTC(),
		CreatedBy: strings.TrimSpace(createdBy),
		Files:     []domain.FileRecord{},
		RagIngestion: domain.RagIngestion{
			Status: domain.RagIngestionPending,
		},
	}
	if err := r.store.Create(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func sanitizeFileName(name string) string {
	name = filepath.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	name = unsafeFilenameChars.ReplaceAllString(name, "_")
	name = strings.Trim(name, "._")
	if name == "" {
		return "upload"
	}
	return name
}

// InitUpload registers one file on the session and returns a presigned PUT
// target. The object key embeds the file id, so a retried PUT of the same
// file overwrites instead of duplicating.
func (r *Runner) InitUpload(tenderID, originalName, contentType string, sizeBytes int64) (*domain.FileRecord, *UploadTarget, bool, error) {
	originalName = strings.TrimSpace(originalName)
	contentType = strings.TrimSpace(contentType)
	if originalName == "" {
		return nil, nil, true, domain.Validation(errors.New("fileName required"))
	}
	if sizeBytes <= 0 {
		return nil, nil, true, domain.Validation(errors.New("sizeBytes must be positive"))
	}
	if sizeBytes > r.limits.MaxFileSizeBytes {
		return nil, nil, true, domain.Validation(fmt.Errorf("file exceeds %d bytes", r.limits.MaxFileSizeBytes))
	}
	if !mimeAllowed(contentType, r.limits.AllowedMimeTypes) {
		return nil, nil, true, domain.Validation(fmt.Errorf("content type %q not allowed", contentType))
	}
	if r.oss == nil || !r.oss.Enabled() {
		return nil, nil, true, domain.Validation(errors.New("object storage not configured"))
	}

	fileID := "file_" + uuid.NewString()
	safe := sanitizeFileName(originalName)
	storedName := fileID + strings.ToLower(filepath.Ext(safe))
	objectKey := r.oss.RawObjectKey(tenderID, storedName)

	rec := domain.FileRecord{
		FileID:       fileID,
		OriginalName: safe,
		StoredName:   storedName,
		ContentType:  contentType,
		SizeBytes:    sizeBytes,
		StorageURI:   r.oss.URIFor(objectKey),
		Status:       domain.FileStatusUploading,
	}

	_, ok, err := r.store.Transition(tenderID, func(s *domain.TenderSession) error {
		if s.Status != domain.TenderStatusUploading && s.Status != domain.TenderStatusUploaded {
			return domain.Precondition(fmt.Errorf("cannot add files while status is %s", s.Status))
		}
		if len(s.Files) >= r.limits.MaxFiles {
			return domain.Validation(fmt.Errorf("session already has %d files", r.limits.MaxFiles))
		}
		switch s.RagIngestion.Status {
		case domain.RagIngestionRunning:
			return domain.Precondition(errors.New("ingestion in progress, wait for it to finish before adding files"))
		case domain.RagIngestionDone:
			// The corpus no longer covers the session's files. Reset the
			// sub-state so the next completed upload re-ingests everything;
			// old handles stay on the record for the stale-handle cleanup.
			s.RagIngestion = domain.RagIngestion{Status: domain.RagIngestionPending}
		}
		s.Files = append(s.Files, rec)
		// A new pending file reopens the upload phase.
		s.Status = domain.TenderStatusUploading
		return nil
	})
	if err != nil || !ok {
		return nil, nil, ok, err
	}

	u, headers, err := r.oss.SignUploadURL(objectKey, contentType)
	if err != nil {
		// Roll the record back to failed so the session doesn't wait on a
		// file nobody can upload.
		_, _, _ = r.store.Update(tenderID, func(s *domain.TenderSession) {
			if f := s.File(fileID); f != nil {
				f.Status = domain.FileStatusFailed
				f.Error = "sign upload url failed"
			}
		})
		return nil, nil, true, fmt.Errorf("sign upload url: %w", err)
	}
	return &rec, &UploadTarget{FileID: fileID, UploadURL: u, RequiredHeaders: headers}, true, nil
}

func mimeAllowed(ct string, allowed []string) bool {
	ct = strings.ToLower(strings.TrimSpace(ct))
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	for _, a := range allowed {
		if ct == a {
			return true
		}
	}
	return false
}

// CompleteUpload records the outcome of one browser PUT. When the last
// pending file lands, the session moves to uploaded and ingestion starts in
// the background.
func (r *Runner) CompleteUpload(ctx context.Context, tenderID, fileID string, succeeded bool, uploadErr string) (*domain.TenderSession, bool, error) {
	now := time.Now().UTC()
	out, ok, err := r.store.Transition(tenderID, func(s *domain.TenderSession) error {
		f := s.File(fileID)
		if f == nil {
			return domain.Validation(fmt.Errorf("unknown fileId %s", fileID))
		}
		if !succeeded {
			f.Status = domain.FileStatusFailed
			f.Error = strings.TrimSpace(uploadErr)
			return nil
		}
		f.Status = domain.FileStatusUploaded
		f.UploadedAt = &now
		f.Error = ""
		if s.Status == domain.TenderStatusUploading && s.AllFilesUploaded() {
			s.Status = domain.TenderStatusUploaded
		}
		return nil
	})
	if err != nil || !ok {
		return out, ok, err
	}
	if out != nil && out.Status == domain.TenderStatusUploaded && out.RagIngestion.Status == domain.RagIngestionPending {
		go func() {
			if _, err := r.RunIngestion(context.Background(), tenderID); err != nil {
				log.Printf("ingestion tender=%s: %v", tenderID, err)
			}
		}()
	}
	return out, true, nil
}

// RunIngestion imports every uploaded document into the corpus. All or
// nothing: a failed run records lastError and keeps ragFiles empty.
func (r *Runner) RunIngestion(ctx context.Context, tenderID string) (bool, error) {
	found := true
	err := r.withLock(ctx, tenderID, func(ctx context.Context) error {
		var ierr error
		found, ierr = r.ingestLocked(ctx, tenderID, false)
		return ierr
	})
	return found, err
}

// RetryIngestion re-runs a failed import. Previous provider handles are
// deleted best-effort before the re-import.
func (r *Runner) RetryIngestion(ctx context.Context, tenderID string) (bool, error) {
	found := true
	err := r.withLock(ctx, tenderID, func(ctx context.Context) error {
		var ierr error
		found, ierr = r.ingestLocked(ctx, tenderID, true)
		return ierr
	})
	return found, err
}

func (r *Runner) ingestLocked(ctx context.Context, tenderID string, retry bool) (bool, error) {
	now := time.Now().UTC()
	var stale []domain.RagFile
	sess, ok, err := r.store.Transition(tenderID, func(s *domain.TenderSession) error {
		if !s.AllFilesUploaded() {
			return domain.Precondition(errors.New("not all files uploaded"))
		}
		switch s.RagIngestion.Status {
		case domain.RagIngestionRunning:
			// A crashed pod leaves running behind forever; past the
			// staleness ceiling the next run takes over.
			if s.RagIngestion.StartedAt == nil || now.Sub(*s.RagIngestion.StartedAt) <= r.staleAfter {
				return domain.Precondition(errors.New("ingestion already running"))
			}
		case domain.RagIngestionDone:
			return domain.Precondition(errors.New("ingestion already done"))
		case domain.RagIngestionFailed:
			if !retry {
				return domain.Precondition(errors.New("ingestion failed; use retry"))
			}
		default:
			if retry {
				return domain.Precondition(fmt.Errorf("retry only valid from failed, current %s", s.RagIngestion.Status))
			}
		}
		stale = s.RagFiles
		s.RagFiles = nil
		s.RagIngestion = domain.RagIngestion{
			Status:    domain.RagIngestionRunning,
			StartedAt: &now,
		}
		return nil
	})
	if err != nil {
		return true, err
	}
	if !ok {
		return false, nil
	}

	if r.ingestor == nil {
		// Ingestion service not configured: treated as a no-op success so
		// local setups without an API key still move through the pipeline.
		log.Printf("ingestion tender=%s: no rag client configured, skipping import", tenderID)
		return true, r.finishIngestion(tenderID, nil, nil)
	}

	if len(stale) > 0 {
		if derr := r.ingestor.DeleteDocuments(ctx, stale); derr != nil {
			log.Printf("ingestion tender=%s: delete stale handles: %v", tenderID, derr)
		}
	}

	uploaded := make([]domain.FileRecord, 0, len(sess.Files))
	for _, f := range sess.Files {
		if f.Status == domain.FileStatusUploaded {
			uploaded = append(uploaded, f)
		}
	}
	handles, err := r.ingestor.ImportDocuments(ctx, tenderID, uploaded)
	if err != nil {
		_ = r.finishIngestion(tenderID, nil, err)
		return true, err
	}
	return true, r.finishIngestion(tenderID, handles, nil)
}

func (r *Runner) finishIngestion(tenderID string, handles []domain.RagFile, runErr error) error {
	now := time.Now().UTC()
	_, _, err := r.store.Update(tenderID, func(s *domain.TenderSession) {
		s.RagIngestion.CompletedAt = &now
		if runErr != nil {
			s.RagIngestion.Status = domain.RagIngestionFailed
			s.RagIngestion.LastError = runErr.Error()
			s.RagFiles = nil
			return
		}
		s.RagIngestion.Status = domain.RagIngestionDone
		s.RagIngestion.LastError = ""
		s.RagFiles = handles
	})
	return err
}

// TriggerProcess is the HTTP entry point. With a queue configured the run is
// handed to the worker after a read-only precondition check; otherwise the
// playbook runs synchronously in the calling goroutine.
func (r *Runner) TriggerProcess(ctx context.Context, tenderID string) (bool, error) {
	if r.queue == nil {
		return r.Process(ctx, tenderID)
	}
	sess, ok, err := r.store.Get(tenderID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if err := r.checkProcessable(sess, time.Now().UTC()); err != nil {
		return true, err
	}
	enqueueCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return true, r.queue.Enqueue(enqueueCtx, tenderID)
}

func (r *Runner) checkProcessable(s *domain.TenderSession, now time.Time) error {
	if !s.AllFilesUploaded() {
		return domain.Precondition(errors.New("not all files uploaded"))
	}
	if s.RagIngestion.Status != domain.RagIngestionDone {
		return domain.Precondition(fmt.Errorf("ingestion is %s, must be done", s.RagIngestion.Status))
	}
	if s.Status == domain.TenderStatusParsing {
		if s.Parse.StartedAt != nil && now.Sub(*s.Parse.StartedAt) > r.staleAfter {
			// Stale run (pod died mid-parse): allow takeover.
			return nil
		}
		return domain.Precondition(errors.New("a parse run is already in progress"))
	}
	return nil
}

// Process runs the full playbook for one tender: conditional transition to
// parsing, one answer per question in fixed order, one immutable artifact,
// then parsed. A question that keeps hitting quota limits after backoff, or
// fails generation outright, keeps its slot with an empty answer list; only
// artifact persistence failure fails the run.
func (r *Runner) Process(ctx context.Context, tenderID string) (bool, error) {
	r.acquireInflight()
	defer r.releaseInflight()

	start := time.Now()
	found := true
	err := r.withLock(ctx, tenderID, func(ctx context.Context) error {
		var perr error
		found, perr = r.processLocked(ctx, tenderID)
		return perr
	})
	obs.RecordWorkerJob("playbook", start, err)
	return found, err
}

func (r *Runner) processLocked(ctx context.Context, tenderID string) (bool, error) {
	now := time.Now().UTC()
	sess, ok, err := r.store.Transition(tenderID, func(s *domain.TenderSession) error {
		if err := r.checkProcessable(s, now); err != nil {
			return err
		}
		s.Status = domain.TenderStatusParsing
		s.Parse = domain.ParseMetadata{StartedAt: &now}
		return nil
	})
	if err != nil {
		return true, err
	}
	if !ok {
		return false, nil
	}

	generatedAt := time.Now().UTC()
	result := domain.PlaybookResult{
		TenderID:    tenderID,
		GeneratedAt: generatedAt,
		Results:     make([]domain.PlaybookEntry, 0, len(r.pb.Questions)),
	}
	for _, q := range r.pb.Questions {
		entry := domain.PlaybookEntry{
			QuestionID: q.ID,
			Question:   q.Text,
			Answers:    []domain.RagAnswer{},
			Documents:  []domain.RagDocument{},
		}
		if r.answerer != nil {
			ans, docs, askErr := r.askWithQuotaRetry(ctx, q.Text, sess.RagFiles)
			if askErr != nil {
				log.Printf("playbook tender=%s question=%s: %v", tenderID, q.ID, askErr)
			} else {
				entry.Answers = []domain.RagAnswer{ans}
				entry.Documents = docs
			}
		}
		result.Results = append(result.Results, entry)
	}

	outputURI, perr := r.persistResult(&result)
	if perr != nil {
		_, _, _ = r.store.Update(tenderID, func(s *domain.TenderSession) {
			doneAt := time.Now().UTC()
			s.Status = domain.TenderStatusFailed
			s.Parse.CompletedAt = &doneAt
			s.Parse.Error = perr.Error()
		})
		return true, domain.Persistence(perr)
	}

	_, _, err = r.store.Update(tenderID, func(s *domain.TenderSession) {
		doneAt := time.Now().UTC()
		s.Status = domain.TenderStatusParsed
		s.Parse.OutputURI = outputURI
		s.Parse.CompletedAt = &doneAt
		s.Parse.Error = ""
	})
	return true, err
}

func (r *Runner) persistResult(result *domain.PlaybookResult) (string, error) {
	if r.oss == nil || !r.oss.Enabled() {
		return "", errors.New("object storage not configured")
	}
	body, err := json.Marshal(result)
	if err != nil {
		return "", err
	}
	key := r.oss.ResultObjectKey(result.TenderID, result.GeneratedAt)
	if err := r.oss.PutJSON(key, body); err != nil {
		return "", fmt.Errorf("write result artifact: %w", err)
	}
	return r.oss.URIFor(key), nil
}

func (r *Runner) askWithQuotaRetry(ctx context.Context, question string, handles []domain.RagFile) (domain.RagAnswer, []domain.RagDocument, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		ans, docs, err := r.answerer.Ask(ctx, question, handles)
		if err == nil {
			return ans, docs, nil
		}
		lastErr = err
		if !domain.IsQuotaExceeded(err) || attempt >= r.quotaRetries {
			return domain.RagAnswer{}, nil, lastErr
		}
		wait := r.quotaBackoff * time.Duration(attempt+1)
		select {
		case <-ctx.Done():
			return domain.RagAnswer{}, nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// ProcessFromQueue adapts Process to stream consumer semantics: outcomes
// recorded on the session are terminal (ACK), store/transport failures stay
// pending for redelivery.
func (r *Runner) ProcessFromQueue(ctx context.Context, tenderID string) error {
	found, err := r.Process(ctx, tenderID)
	if !found {
		return streamq.Terminal(fmt.Errorf("tender %s not found", tenderID))
	}
	if err == nil {
		return nil
	}
	if domain.IsPrecondition(err) || domain.IsValidation(err) || domain.IsPersistence(err) {
		return streamq.Terminal(err)
	}
	return err
}

// AdHocQuery answers one free-form question against a tender's corpus.
// Nothing is persisted.
func (r *Runner) AdHocQuery(ctx context.Context, tenderID, question string) (domain.RagAnswer, []domain.RagDocument, bool, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return domain.RagAnswer{}, nil, true, domain.Validation(errors.New("question required"))
	}
	sess, ok, err := r.store.Get(tenderID)
	if err != nil || !ok {
		return domain.RagAnswer{}, nil, ok, err
	}
	if sess.RagIngestion.Status != domain.RagIngestionDone {
		return domain.RagAnswer{}, nil, true, domain.Precondition(fmt.Errorf("ingestion is %s, must be done", sess.RagIngestion.Status))
	}
	if r.answerer == nil {
		return domain.RagAnswer{}, nil, true, domain.Generation(errors.New("rag client not configured"))
	}
	ans, docs, err := r.answerer.Ask(ctx, question, sess.RagFiles)
	if err != nil {
		return domain.RagAnswer{}, nil, true, err
	}
	return ans, docs, true, nil
}

// Snapshot returns the session as presented to clients: a parsing run older
// than the staleness ceiling reads as failed without rewriting the record,
// so a crashed pod can't wedge the tender forever.
func (r *Runner) Snapshot(tenderID string) (*domain.TenderSession, bool, error) {
	sess, ok, err := r.store.Get(tenderID)
	if err != nil || !ok {
		return nil, ok, err
	}
	return r.view(sess), true, nil
}

func (r *Runner) ListSessions() ([]*domain.TenderSession, error) {
	sessions, err := r.store.List()
	if err != nil {
		return nil, err
	}
	out := make([]*domain.TenderSession, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, r.view(s))
	}
	return out, nil
}

func (r *Runner) view(s *domain.TenderSession) *domain.TenderSession {
	if s.Status != domain.TenderStatusParsing || s.Parse.StartedAt == nil {
		return s
	}
	if time.Since(*s.Parse.StartedAt) <= r.staleAfter {
		return s
	}
	cp := *s
	cp.Status = domain.TenderStatusFailed
	cp.Parse.Error = fmt.Sprintf("parse run exceeded %s without completing; trigger process again", r.staleAfter)
	return &cp
}

// LatestResult fetches the artifact the session currently points at.
func (r *Runner) LatestResult(tenderID string) ([]byte, bool, error) {
	sess, ok, err := r.store.Get(tenderID)
	if err != nil || !ok {
		return nil, ok, err
	}
	uri := strings.TrimSpace(sess.Parse.OutputURI)
	if uri == "" {
		return nil, true, domain.Precondition(errors.New("no result artifact yet"))
	}
	if r.oss == nil || !r.oss.Enabled() {
		return nil, true, errors.New("object storage not configured")
	}
	key, kok := r.oss.KeyFromURI(uri)
	if !kok {
		return nil, true, fmt.Errorf("result uri %q is not in the configured bucket", uri)
	}
	body, err := r.oss.GetObjectBytes(key)
	if err != nil {
		return nil, true, fmt.Errorf("read result artifact: %w", err)
	}
	return body, true, nil
}

// ResultDownloadURL returns a signed GET URL for the latest artifact.
func (r *Runner) ResultDownloadURL(tenderID string) (string, bool, error) {
	sess, ok, err := r.store.Get(tenderID)
	if err != nil || !ok {
		return "", ok, err
	}
	uri := strings.TrimSpace(sess.Parse.OutputURI)
	if uri == "" {
		return "", true, domain.Precondition(errors.New("no result artifact yet"))
	}
	if r.oss == nil || !r.oss.Enabled() {
		return "", true, errors.New("object storage not configured")
	}
	key, kok := r.oss.KeyFromURI(uri)
	if !kok {
		return "", true, fmt.Errorf("result uri %q is not in the configured bucket", uri)
	}
	signed, err := r.oss.SignDownloadURL(key, "results.json")
	if err != nil {
		return "", true, err
	}
	return signed, true, nil
}

func (r *Runner) withLock(ctx context.Context, tenderID string, fn func(ctx context.Context) error) error {
	if r.lock == nil {
		return fn(ctx)
	}
	token, err := redislock.Token()
	if err != nil {
		return err
	}
	lockKey := r.lock.Key(tenderID)
	ok, err := r.lock.Acquire(ctx, lockKey, token, r.lockTTL)
	if err != nil {
		return err
	}
	if !ok {
		return domain.Precondition(fmt.Errorf("another run holds %s", lockKey))
	}
	defer func() {
		_, _ = r.lock.Release(context.Background(), lockKey, token)
	}()

	stopKick := make(chan struct{})
	defer close(stopKick)
	go func() {
		t := time.NewTicker(r.lockKick)
		defer t.Stop()
		for {
			select {
			case <-stopKick:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				if _, err := r.lock.Refresh(context.Background(), lockKey, token, r.lockTTL); err != nil {
					log.Printf("lock refresh failed tender=%s: %v", tenderID, err)
				}
			}
		}
	}()

	return fn(ctx)
}

func (r *Runner) acquireInflight() {
	if r == nil || r.inflight == nil {
		return
	}
	r.inflight <- struct{}{}
}

func (r *Runner) releaseInflight() {
	if r == nil || r.inflight == nil {
		return
	}
	select {
	case <-r.inflight:
	default:
	}
}

func readEnvIntDefault(key string, defaultVal int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return defaultVal
	}
	return n
}

func readEnvDurationSecondsDefault(key string, defaultVal time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultVal
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return defaultVal
	}
	return time.Duration(n) * time.Second
}
