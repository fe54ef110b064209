package tender

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"testing"
	"time"

	"tenderbackend/domain"
	"tenderbackend/playbook"
	"tenderbackend/store"
)

type fakeObjectStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{objects: make(map[string][]byte)}
}

func (f *fakeObjectStore) Enabled() bool { return true }

func (f *fakeObjectStore) RawObjectKey(tenderID, storedName string) string {
	return path.Join("tenders", tenderID, "raw", storedName)
}

func (f *fakeObjectStore) ResultObjectKey(tenderID string, at time.Time) string {
	return path.Join("tenders", tenderID, "rag", "results-"+at.UTC().Format("20060102T150405Z")+".json")
}

func (f *fakeObjectStore) URIFor(objectKey string) string {
	return "oss://test-bucket/" + objectKey
}

func (f *fakeObjectStore) KeyFromURI(uri string) (string, bool) {
	const prefix = "oss://test-bucket/"
	if !strings.HasPrefix(uri, prefix) {
		return "", false
	}
	return strings.TrimPrefix(uri, prefix), true
}

func (f *fakeObjectStore) SignUploadURL(objectKey, contentType string) (string, map[string]string, error) {
	return "https://oss.example/" + objectKey + "?sig=put", map[string]string{"Content-Type": contentType}, nil
}

func (f *fakeObjectStore) PutJSON(objectKey string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return f.putErr
	}
	f.objects[objectKey] = append([]byte(nil), body...)
	return nil
}

func (f *fakeObjectStore) GetObjectBytes(objectKey string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.objects[objectKey]
	if !ok {
		return nil, fmt.Errorf("no such object: %s", objectKey)
	}
	return append([]byte(nil), b...), nil
}

func (f *fakeObjectStore) SignDownloadURL(objectKey, downloadFilename string) (string, error) {
	return "https://oss.example/" + objectKey + "?sig=get", nil
}

type fakeRag struct {
	mu         sync.Mutex
	importErr  error
	failAsk    map[string]error // question text -> permanent error
	quotaLeft  map[string]int   // question text -> remaining 429s before success
	imports    int
	deleted    [][]domain.RagFile
	asked      []string
	askGate    chan struct{} // when set, Ask blocks until the channel closes
	importGate chan struct{} // same for ImportDocuments
}

func newFakeRag() *fakeRag {
	return &fakeRag{
		failAsk:   make(map[string]error),
		quotaLeft: make(map[string]int),
	}
}

func (f *fakeRag) ImportDocuments(ctx context.Context, tenderID string, files []domain.FileRecord) ([]domain.RagFile, error) {
	f.mu.Lock()
	gate := f.importGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.imports++
	if f.importErr != nil {
		return nil, domain.Ingestion(f.importErr)
	}
	out := make([]domain.RagFile, 0, len(files))
	for _, fr := range files {
		out = append(out, domain.RagFile{RagFileName: "files/" + fr.FileID, SourceURI: fr.StorageURI})
	}
	return out, nil
}

func (f *fakeRag) DeleteDocuments(ctx context.Context, handles []domain.RagFile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, handles)
	return nil
}

func (f *fakeRag) Ask(ctx context.Context, question string, handles []domain.RagFile) (domain.RagAnswer, []domain.RagDocument, error) {
	f.mu.Lock()
	gate := f.askGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.asked = append(f.asked, question)
	if n := f.quotaLeft[question]; n > 0 {
		f.quotaLeft[question] = n - 1
		return domain.RagAnswer{}, nil, domain.QuotaExceeded(errors.New("429"))
	}
	if err, ok := f.failAsk[question]; ok {
		return domain.RagAnswer{}, nil, err
	}
	docs := make([]domain.RagDocument, 0, len(handles))
	for _, h := range handles {
		docs = append(docs, domain.RagDocument{URI: h.SourceURI})
	}
	return domain.RagAnswer{
		Text:      "answer to: " + question,
		Citations: []domain.Citation{{SourceURI: "oss://test-bucket/doc"}},
	}, docs, nil
}

func newTestRunner(t *testing.T, oss *fakeObjectStore, rag *fakeRag) (*Runner, *store.InMemoryTenderStore) {
	t.Helper()
	st := store.NewInMemoryTenderStore()
	r := NewRunner(st, oss, rag, rag, playbook.Default(), nil, nil)
	r.quotaBackoff = time.Millisecond
	r.quotaRetries = 2
	return r, st
}

func seedSession(t *testing.T, st *store.InMemoryTenderStore, mutate func(s *domain.TenderSession)) *domain.TenderSession {
	t.Helper()
	now := time.Now().UTC()
	up := now
	sess := &domain.TenderSession{
		TenderID:  "tender_test",
		Status:    domain.TenderStatusUploaded,
		CreatedAt: now,
		Files: []domain.FileRecord{
			{
				FileID:       "file_1",
				OriginalName: "tender.pdf",
				StoredName:   "file_1.pdf",
				ContentType:  "application/pdf",
				SizeBytes:    1024,
				StorageURI:   "oss://test-bucket/tenders/tender_test/raw/file_1.pdf",
				Status:       domain.FileStatusUploaded,
				UploadedAt:   &up,
			},
		},
		RagIngestion: domain.RagIngestion{Status: domain.RagIngestionDone, CompletedAt: &now},
		RagFiles:     []domain.RagFile{{RagFileName: "files/file_1", SourceURI: "oss://test-bucket/tenders/tender_test/raw/file_1.pdf"}},
	}
	if mutate != nil {
		mutate(sess)
	}
	if err := st.Create(sess); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return sess
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestUploadFlowTriggersIngestion(t *testing.T) {
	oss := newFakeObjectStore()
	rag := newFakeRag()
	r, st := newTestRunner(t, oss, rag)

	sess, err := r.CreateSession("buyer@example.com")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if sess.Status != domain.TenderStatusUploading {
		t.Fatalf("new session status = %s", sess.Status)
	}

	rec, target, ok, err := r.InitUpload(sess.TenderID, "RFP final (v2).pdf", "application/pdf", 2048)
	if err != nil || !ok {
		t.Fatalf("init upload: ok=%v err=%v", ok, err)
	}
	if strings.ContainsAny(rec.OriginalName, " ()") {
		t.Fatalf("original name not sanitized: %q", rec.OriginalName)
	}
	if !strings.HasSuffix(rec.StoredName, ".pdf") || !strings.HasPrefix(rec.StoredName, rec.FileID) {
		t.Fatalf("stored name %q not derived from file id", rec.StoredName)
	}
	if target.UploadURL == "" || target.RequiredHeaders["Content-Type"] != "application/pdf" {
		t.Fatalf("bad upload target: %+v", target)
	}

	got, ok, err := r.CompleteUpload(context.Background(), sess.TenderID, rec.FileID, true, "")
	if err != nil || !ok {
		t.Fatalf("complete: ok=%v err=%v", ok, err)
	}
	if got.Status != domain.TenderStatusUploaded {
		t.Fatalf("status after last upload = %s, want uploaded", got.Status)
	}

	waitFor(t, "ingestion done", func() bool {
		s, ok, _ := st.Get(sess.TenderID)
		return ok && s.RagIngestion.Status == domain.RagIngestionDone
	})
	s, _, _ := st.Get(sess.TenderID)
	if len(s.RagFiles) != 1 || s.RagFiles[0].SourceURI != rec.StorageURI {
		t.Fatalf("rag files = %+v", s.RagFiles)
	}
}

func TestInitUploadValidation(t *testing.T) {
	oss := newFakeObjectStore()
	r, _ := newTestRunner(t, oss, newFakeRag())
	sess, _ := r.CreateSession("")

	cases := []struct {
		name string
		file string
		ct   string
		size int64
	}{
		{"empty name", "", "application/pdf", 100},
		{"zero size", "a.pdf", "application/pdf", 0},
		{"too large", "a.pdf", "application/pdf", 6 << 20},
		{"bad mime", "a.zip", "application/zip", 100},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, _, err := r.InitUpload(sess.TenderID, tc.file, tc.ct, tc.size)
			if !domain.IsValidation(err) {
				t.Fatalf("err = %v, want validation error", err)
			}
		})
	}
}

func TestInitUploadRejectedWhileParsing(t *testing.T) {
	oss := newFakeObjectStore()
	r, st := newTestRunner(t, oss, newFakeRag())
	now := time.Now().UTC()
	seedSession(t, st, func(s *domain.TenderSession) {
		s.Status = domain.TenderStatusParsing
		s.Parse.StartedAt = &now
	})

	_, _, _, err := r.InitUpload("tender_test", "late.pdf", "application/pdf", 100)
	if !domain.IsPrecondition(err) {
		t.Fatalf("err = %v, want precondition error", err)
	}
}

func TestFailedUploadKeepsSessionUploading(t *testing.T) {
	oss := newFakeObjectStore()
	r, st := newTestRunner(t, oss, newFakeRag())
	sess, _ := r.CreateSession("")
	rec, _, _, err := r.InitUpload(sess.TenderID, "a.pdf", "application/pdf", 100)
	if err != nil {
		t.Fatalf("init: %v", err)
	}

	got, ok, err := r.CompleteUpload(context.Background(), sess.TenderID, rec.FileID, false, "network reset")
	if err != nil || !ok {
		t.Fatalf("complete: ok=%v err=%v", ok, err)
	}
	if got.Status != domain.TenderStatusUploading {
		t.Fatalf("status = %s, want uploading", got.Status)
	}
	f := got.File(rec.FileID)
	if f.Status != domain.FileStatusFailed || f.Error != "network reset" {
		t.Fatalf("file = %+v", f)
	}

	s, _, _ := st.Get(sess.TenderID)
	if s.RagIngestion.Status != domain.RagIngestionPending {
		t.Fatalf("ingestion must not start on a failed upload, got %s", s.RagIngestion.Status)
	}
}

func TestProcessHappyPath(t *testing.T) {
	oss := newFakeObjectStore()
	rag := newFakeRag()
	r, st := newTestRunner(t, oss, rag)
	seedSession(t, st, nil)

	if _, err := r.Process(context.Background(), "tender_test"); err != nil {
		t.Fatalf("process: %v", err)
	}

	s, _, _ := st.Get("tender_test")
	if s.Status != domain.TenderStatusParsed {
		t.Fatalf("status = %s, want parsed", s.Status)
	}
	if s.Parse.OutputURI == "" || s.Parse.CompletedAt == nil {
		t.Fatalf("parse metadata incomplete: %+v", s.Parse)
	}

	body, ok, err := r.LatestResult("tender_test")
	if err != nil || !ok {
		t.Fatalf("latest result: ok=%v err=%v", ok, err)
	}
	var result domain.PlaybookResult
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatalf("artifact not json: %v", err)
	}
	want := len(playbook.Default().Questions)
	if len(result.Results) != want {
		t.Fatalf("entries = %d, want %d", len(result.Results), want)
	}
	for i, entry := range result.Results {
		if entry.QuestionID != playbook.Default().Questions[i].ID {
			t.Fatalf("entry %d out of order: %s", i, entry.QuestionID)
		}
		if len(entry.Answers) != 1 {
			t.Fatalf("question %s has %d answers", entry.QuestionID, len(entry.Answers))
		}
	}
}

func TestProcessPartialFailureStillParsed(t *testing.T) {
	oss := newFakeObjectStore()
	rag := newFakeRag()
	pb := playbook.Default()
	rag.failAsk[pb.Questions[1].Text] = domain.Generation(errors.New("model refused"))
	rag.failAsk[pb.Questions[3].Text] = domain.Generation(errors.New("model refused"))
	r, st := newTestRunner(t, oss, rag)
	seedSession(t, st, nil)

	if _, err := r.Process(context.Background(), "tender_test"); err != nil {
		t.Fatalf("process: %v", err)
	}
	s, _, _ := st.Get("tender_test")
	if s.Status != domain.TenderStatusParsed {
		t.Fatalf("status = %s, want parsed (partial failure is not fatal)", s.Status)
	}

	body, _, _ := r.LatestResult("tender_test")
	var result domain.PlaybookResult
	_ = json.Unmarshal(body, &result)
	empty := 0
	for _, e := range result.Results {
		if len(e.Answers) == 0 {
			empty++
		}
	}
	if empty != 2 {
		t.Fatalf("empty entries = %d, want 2", empty)
	}
}

func TestProcessAllQuestionsFailedStillParsed(t *testing.T) {
	oss := newFakeObjectStore()
	rag := newFakeRag()
	for _, q := range playbook.Default().Questions {
		rag.failAsk[q.Text] = domain.Generation(errors.New("down"))
	}
	r, st := newTestRunner(t, oss, rag)
	seedSession(t, st, nil)

	if _, err := r.Process(context.Background(), "tender_test"); err != nil {
		t.Fatalf("process: %v", err)
	}
	s, _, _ := st.Get("tender_test")
	if s.Status != domain.TenderStatusParsed {
		t.Fatalf("status = %s, want parsed", s.Status)
	}
}

func TestProcessQuotaBackoffThenSuccess(t *testing.T) {
	oss := newFakeObjectStore()
	rag := newFakeRag()
	q0 := playbook.Default().Questions[0].Text
	rag.quotaLeft[q0] = 2
	r, st := newTestRunner(t, oss, rag)
	seedSession(t, st, nil)

	if _, err := r.Process(context.Background(), "tender_test"); err != nil {
		t.Fatalf("process: %v", err)
	}
	body, _, _ := r.LatestResult("tender_test")
	var result domain.PlaybookResult
	_ = json.Unmarshal(body, &result)
	if len(result.Results[0].Answers) != 1 {
		t.Fatalf("question should succeed after quota retries, got %+v", result.Results[0])
	}
}

func TestProcessQuotaExhaustionDegradesToEmptyAnswer(t *testing.T) {
	oss := newFakeObjectStore()
	rag := newFakeRag()
	q0 := playbook.Default().Questions[0].Text
	rag.quotaLeft[q0] = 100
	r, st := newTestRunner(t, oss, rag)
	seedSession(t, st, nil)

	if _, err := r.Process(context.Background(), "tender_test"); err != nil {
		t.Fatalf("process: %v", err)
	}
	s, _, _ := st.Get("tender_test")
	if s.Status != domain.TenderStatusParsed {
		t.Fatalf("status = %s, want parsed", s.Status)
	}
	body, _, _ := r.LatestResult("tender_test")
	var result domain.PlaybookResult
	_ = json.Unmarshal(body, &result)
	if len(result.Results[0].Answers) != 0 {
		t.Fatalf("quota-exhausted question should have no answers")
	}
}

func TestProcessPreconditions(t *testing.T) {
	t.Run("ingestion not done", func(t *testing.T) {
		oss := newFakeObjectStore()
		r, st := newTestRunner(t, oss, newFakeRag())
		seedSession(t, st, func(s *domain.TenderSession) {
			s.RagIngestion.Status = domain.RagIngestionPending
			s.RagFiles = nil
		})
		_, err := r.Process(context.Background(), "tender_test")
		if !domain.IsPrecondition(err) {
			t.Fatalf("err = %v, want precondition", err)
		}
		s, _, _ := st.Get("tender_test")
		if s.Status != domain.TenderStatusUploaded {
			t.Fatalf("vetoed transition must not change status, got %s", s.Status)
		}
	})

	t.Run("files not uploaded", func(t *testing.T) {
		oss := newFakeObjectStore()
		r, st := newTestRunner(t, oss, newFakeRag())
		seedSession(t, st, func(s *domain.TenderSession) {
			s.Files[0].Status = domain.FileStatusUploading
			s.Status = domain.TenderStatusUploading
		})
		if _, err := r.Process(context.Background(), "tender_test"); !domain.IsPrecondition(err) {
			t.Fatalf("err = %v, want precondition", err)
		}
	})

	t.Run("fresh parsing run rejected", func(t *testing.T) {
		oss := newFakeObjectStore()
		r, st := newTestRunner(t, oss, newFakeRag())
		now := time.Now().UTC()
		seedSession(t, st, func(s *domain.TenderSession) {
			s.Status = domain.TenderStatusParsing
			s.Parse.StartedAt = &now
		})
		if _, err := r.Process(context.Background(), "tender_test"); !domain.IsPrecondition(err) {
			t.Fatalf("err = %v, want precondition", err)
		}
	})

	t.Run("stale parsing run taken over", func(t *testing.T) {
		oss := newFakeObjectStore()
		r, st := newTestRunner(t, oss, newFakeRag())
		stale := time.Now().UTC().Add(-time.Hour)
		seedSession(t, st, func(s *domain.TenderSession) {
			s.Status = domain.TenderStatusParsing
			s.Parse.StartedAt = &stale
		})
		if _, err := r.Process(context.Background(), "tender_test"); err != nil {
			t.Fatalf("takeover: %v", err)
		}
		s, _, _ := st.Get("tender_test")
		if s.Status != domain.TenderStatusParsed {
			t.Fatalf("status = %s, want parsed", s.Status)
		}
	})
}

func TestProcessReRunWritesNewArtifact(t *testing.T) {
	oss := newFakeObjectStore()
	rag := newFakeRag()
	r, st := newTestRunner(t, oss, rag)
	seedSession(t, st, nil)

	if _, err := r.Process(context.Background(), "tender_test"); err != nil {
		t.Fatalf("first run: %v", err)
	}
	s1, _, _ := st.Get("tender_test")

	// Artifact keys are timestamped to the second.
	time.Sleep(1100 * time.Millisecond)
	if _, err := r.Process(context.Background(), "tender_test"); err != nil {
		t.Fatalf("second run: %v", err)
	}
	s2, _, _ := st.Get("tender_test")
	if s1.Parse.OutputURI == s2.Parse.OutputURI {
		t.Fatalf("re-run must produce a fresh artifact, both %s", s1.Parse.OutputURI)
	}
	oss.mu.Lock()
	n := len(oss.objects)
	oss.mu.Unlock()
	if n != 2 {
		t.Fatalf("stored artifacts = %d, want 2 (append-only)", n)
	}
}

func TestProcessPersistenceFailureFailsRun(t *testing.T) {
	oss := newFakeObjectStore()
	oss.putErr = errors.New("bucket gone")
	r, st := newTestRunner(t, oss, newFakeRag())
	seedSession(t, st, nil)

	_, err := r.Process(context.Background(), "tender_test")
	if !domain.IsPersistence(err) {
		t.Fatalf("err = %v, want persistence error", err)
	}
	s, _, _ := st.Get("tender_test")
	if s.Status != domain.TenderStatusFailed {
		t.Fatalf("status = %s, want failed", s.Status)
	}
	if !strings.Contains(s.Parse.Error, "bucket gone") {
		t.Fatalf("parse error = %q", s.Parse.Error)
	}
}

func TestIngestionFailureAndRetry(t *testing.T) {
	oss := newFakeObjectStore()
	rag := newFakeRag()
	rag.importErr = errors.New("corpus unavailable")
	r, st := newTestRunner(t, oss, rag)
	seedSession(t, st, func(s *domain.TenderSession) {
		s.RagIngestion = domain.RagIngestion{Status: domain.RagIngestionPending}
		s.RagFiles = nil
	})

	if _, err := r.RunIngestion(context.Background(), "tender_test"); !domain.IsIngestion(err) {
		t.Fatalf("err = %v, want ingestion error", err)
	}
	s, _, _ := st.Get("tender_test")
	if s.RagIngestion.Status != domain.RagIngestionFailed || s.RagIngestion.LastError == "" {
		t.Fatalf("ingestion = %+v", s.RagIngestion)
	}
	if len(s.RagFiles) != 0 {
		t.Fatalf("failed ingestion must not keep partial handles")
	}

	// Process is blocked while ingestion is failed.
	if _, err := r.Process(context.Background(), "tender_test"); !domain.IsPrecondition(err) {
		t.Fatalf("process err = %v, want precondition", err)
	}

	// Plain re-run is rejected; retry is the explicit path.
	if _, err := r.RunIngestion(context.Background(), "tender_test"); !domain.IsPrecondition(err) {
		t.Fatalf("re-run err = %v, want precondition", err)
	}

	rag.mu.Lock()
	rag.importErr = nil
	rag.mu.Unlock()
	if _, err := r.RetryIngestion(context.Background(), "tender_test"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	s, _, _ = st.Get("tender_test")
	if s.RagIngestion.Status != domain.RagIngestionDone || len(s.RagFiles) != 1 {
		t.Fatalf("after retry: %+v files=%d", s.RagIngestion, len(s.RagFiles))
	}

	// Retry from done is a precondition error, not a silent re-import.
	if _, err := r.RetryIngestion(context.Background(), "tender_test"); !domain.IsPrecondition(err) {
		t.Fatalf("retry-from-done err = %v, want precondition", err)
	}
}

func TestSnapshotMapsStaleParsingToFailed(t *testing.T) {
	oss := newFakeObjectStore()
	r, st := newTestRunner(t, oss, newFakeRag())
	stale := time.Now().UTC().Add(-time.Hour)
	seedSession(t, st, func(s *domain.TenderSession) {
		s.Status = domain.TenderStatusParsing
		s.Parse.StartedAt = &stale
	})

	view, ok, err := r.Snapshot("tender_test")
	if err != nil || !ok {
		t.Fatalf("snapshot: ok=%v err=%v", ok, err)
	}
	if view.Status != domain.TenderStatusFailed || view.Parse.Error == "" {
		t.Fatalf("view = %s %q, want failed view", view.Status, view.Parse.Error)
	}

	// The stored record is untouched.
	s, _, _ := st.Get("tender_test")
	if s.Status != domain.TenderStatusParsing {
		t.Fatalf("stored status = %s, staleness must stay read-side", s.Status)
	}
}

func TestAdHocQuery(t *testing.T) {
	oss := newFakeObjectStore()
	rag := newFakeRag()
	r, st := newTestRunner(t, oss, rag)
	seedSession(t, st, nil)

	ans, docs, ok, err := r.AdHocQuery(context.Background(), "tender_test", "who signs the contract?")
	if err != nil || !ok {
		t.Fatalf("query: ok=%v err=%v", ok, err)
	}
	if !strings.Contains(ans.Text, "who signs the contract?") || len(docs) != 1 {
		t.Fatalf("answer = %+v docs = %+v", ans, docs)
	}

	t.Run("requires ingestion done", func(t *testing.T) {
		_, _, _ = st.Update("tender_test", func(s *domain.TenderSession) {
			s.RagIngestion.Status = domain.RagIngestionRunning
		})
		_, _, _, err := r.AdHocQuery(context.Background(), "tender_test", "anything")
		if !domain.IsPrecondition(err) {
			t.Fatalf("err = %v, want precondition", err)
		}
	})

	t.Run("empty question", func(t *testing.T) {
		_, _, _, err := r.AdHocQuery(context.Background(), "tender_test", "  ")
		if !domain.IsValidation(err) {
			t.Fatalf("err = %v, want validation", err)
		}
	})
}

func TestFileAddedAfterIngestionResetsCorpus(t *testing.T) {
	oss := newFakeObjectStore()
	rag := newFakeRag()
	r, st := newTestRunner(t, oss, rag)
	seedSession(t, st, nil)

	rec, _, ok, err := r.InitUpload("tender_test", "addendum.pdf", "application/pdf", 512)
	if err != nil || !ok {
		t.Fatalf("init: ok=%v err=%v", ok, err)
	}
	s, _, _ := st.Get("tender_test")
	if s.RagIngestion.Status != domain.RagIngestionPending {
		t.Fatalf("ingestion = %s, a new file must reset it to pending", s.RagIngestion.Status)
	}
	if len(s.RagFiles) != 1 {
		t.Fatalf("old handles must survive until the re-import cleans them up")
	}

	// The stale corpus must not gate processing through.
	if _, err := r.Process(context.Background(), "tender_test"); !domain.IsPrecondition(err) {
		t.Fatalf("process err = %v, want precondition", err)
	}

	if _, _, err := r.CompleteUpload(context.Background(), "tender_test", rec.FileID, true, ""); err != nil {
		t.Fatalf("complete: %v", err)
	}
	waitFor(t, "re-ingestion done", func() bool {
		s, ok, _ := st.Get("tender_test")
		return ok && s.RagIngestion.Status == domain.RagIngestionDone
	})
	s, _, _ = st.Get("tender_test")
	if len(s.RagFiles) != 2 {
		t.Fatalf("corpus handles = %d, want both documents", len(s.RagFiles))
	}
	rag.mu.Lock()
	deleted := rag.deleted
	rag.mu.Unlock()
	if len(deleted) != 1 || len(deleted[0]) != 1 || deleted[0][0].RagFileName != "files/file_1" {
		t.Fatalf("old handle not replaced: %+v", deleted)
	}

	t.Run("rejected while ingestion runs", func(t *testing.T) {
		_, _, _ = st.Update("tender_test", func(s *domain.TenderSession) {
			now := time.Now().UTC()
			s.RagIngestion = domain.RagIngestion{Status: domain.RagIngestionRunning, StartedAt: &now}
		})
		if _, _, _, err := r.InitUpload("tender_test", "late.pdf", "application/pdf", 100); !domain.IsPrecondition(err) {
			t.Fatalf("err = %v, want precondition", err)
		}
	})
}

func TestConcurrentProcessSingleRun(t *testing.T) {
	oss := newFakeObjectStore()
	rag := newFakeRag()
	gate := make(chan struct{})
	rag.askGate = gate
	r, st := newTestRunner(t, oss, rag)
	seedSession(t, st, nil)

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := r.Process(context.Background(), "tender_test")
			results <- err
		}()
	}

	// The winner of the conditional transition blocks inside Ask, so the
	// first result to arrive is the loser hitting the parsing guard.
	first := <-results
	if !domain.IsPrecondition(first) {
		t.Fatalf("second trigger err = %v, want precondition", first)
	}
	close(gate)
	if err := <-results; err != nil {
		t.Fatalf("winning run: %v", err)
	}

	oss.mu.Lock()
	artifacts := len(oss.objects)
	oss.mu.Unlock()
	if artifacts != 1 {
		t.Fatalf("artifacts = %d, want exactly one run", artifacts)
	}
	rag.mu.Lock()
	askedN := len(rag.asked)
	rag.mu.Unlock()
	if want := len(playbook.Default().Questions); askedN != want {
		t.Fatalf("questions asked = %d, want %d (one playbook run)", askedN, want)
	}
	s, _, _ := st.Get("tender_test")
	if s.Status != domain.TenderStatusParsed {
		t.Fatalf("status = %s, want parsed", s.Status)
	}
}

func TestConcurrentIngestionSingleImport(t *testing.T) {
	oss := newFakeObjectStore()
	rag := newFakeRag()
	gate := make(chan struct{})
	rag.importGate = gate
	r, st := newTestRunner(t, oss, rag)
	seedSession(t, st, func(s *domain.TenderSession) {
		s.RagIngestion = domain.RagIngestion{Status: domain.RagIngestionPending}
		s.RagFiles = nil
	})

	done := make(chan error, 1)
	go func() {
		_, err := r.RunIngestion(context.Background(), "tender_test")
		done <- err
	}()
	waitFor(t, "ingestion running", func() bool {
		s, ok, _ := st.Get("tender_test")
		return ok && s.RagIngestion.Status == domain.RagIngestionRunning
	})

	if _, err := r.RetryIngestion(context.Background(), "tender_test"); !domain.IsPrecondition(err) {
		t.Fatalf("retry during run err = %v, want precondition", err)
	}
	if _, err := r.RunIngestion(context.Background(), "tender_test"); !domain.IsPrecondition(err) {
		t.Fatalf("second run err = %v, want precondition", err)
	}

	close(gate)
	if err := <-done; err != nil {
		t.Fatalf("first run: %v", err)
	}
	rag.mu.Lock()
	n := rag.imports
	rag.mu.Unlock()
	if n != 1 {
		t.Fatalf("imports = %d, want 1", n)
	}
}

func TestIngestionStaleRunningTakenOver(t *testing.T) {
	oss := newFakeObjectStore()
	rag := newFakeRag()
	r, st := newTestRunner(t, oss, rag)
	stale := time.Now().UTC().Add(-time.Hour)
	seedSession(t, st, func(s *domain.TenderSession) {
		s.RagIngestion = domain.RagIngestion{Status: domain.RagIngestionRunning, StartedAt: &stale}
		s.RagFiles = []domain.RagFile{{RagFileName: "files/stale", SourceURI: "oss://test-bucket/old"}}
	})

	if _, err := r.RunIngestion(context.Background(), "tender_test"); err != nil {
		t.Fatalf("takeover: %v", err)
	}
	s, _, _ := st.Get("tender_test")
	if s.RagIngestion.Status != domain.RagIngestionDone || len(s.RagFiles) != 1 {
		t.Fatalf("after takeover: %+v files=%d", s.RagIngestion, len(s.RagFiles))
	}
	rag.mu.Lock()
	deletes := len(rag.deleted)
	rag.mu.Unlock()
	if deletes != 1 {
		t.Fatalf("abandoned handles not cleaned up, deletes = %d", deletes)
	}
}

func TestUnknownTenderReportedNotFound(t *testing.T) {
	oss := newFakeObjectStore()
	r, _ := newTestRunner(t, oss, newFakeRag())

	if found, err := r.Process(context.Background(), "tender_nope"); found || err != nil {
		t.Fatalf("process: found=%v err=%v", found, err)
	}
	if found, err := r.RunIngestion(context.Background(), "tender_nope"); found || err != nil {
		t.Fatalf("ingestion: found=%v err=%v", found, err)
	}
	if found, err := r.RetryIngestion(context.Background(), "tender_nope"); found || err != nil {
		t.Fatalf("retry: found=%v err=%v", found, err)
	}
}
