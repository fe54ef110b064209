package tender

import (
	"encoding/json"
	"net/http"
	"strings"

	"tenderbackend/domain"
)

// Service exposes the tender API. Routing is plain ServeMux + manual path
// splitting; every mutating route answers OPTIONS for CORS preflight.
type Service struct {
	runner *Runner
}

func NewService(r *Runner) *Service {
	return &Service{runner: r}
}

func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/tenders", s.handleTenders)
	mux.HandleFunc("/api/tenders/", s.handleTenderRoutes)
	mux.HandleFunc("/api/rag/query", s.handleAdHocQuery)
}

func (s *Service) handleTenders(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
	case http.MethodGet:
		sessions, err := s.runner.ListSessions()
		if err != nil {
			httpError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"tenders": sessions})
	case http.MethodPost:
		var req struct {
			CreatedBy string `json:"createdBy"`
		}
		if r.Body != nil {
			// Body is optional on create.
			_ = json.NewDecoder(r.Body).Decode(&req)
		}
		sess, err := s.runner.CreateSession(req.CreatedBy)
		if err != nil {
			httpError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]interface{}{
			"tender": sess,
			"limits": s.runner.Limits(),
		})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Service) handleTenderRoutes(w http.ResponseWriter, r *http.Request) {
	// /api/tenders/{tenderId}
	// /api/tenders/{tenderId}/uploads/init
	// /api/tenders/{tenderId}/uploads/{fileId}/complete
	// /api/tenders/{tenderId}/process
	// /api/tenders/{tenderId}/rag/retry
	// /api/tenders/{tenderId}/results
	// /api/tenders/{tenderId}/results/url
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/tenders/"), "/")
	if path == "" {
		http.Error(w, "tenderId required", http.StatusBadRequest)
		return
	}
	parts := strings.Split(path, "/")
	tenderID := parts[0]

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.handleGetTender(w, r, tenderID)
	case len(parts) == 2 && parts[1] == "process":
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.handleProcess(w, r, tenderID)
	case len(parts) == 2 && parts[1] == "results":
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.handleResults(w, r, tenderID)
	case len(parts) == 3 && parts[1] == "results" && parts[2] == "url":
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.handleResultURL(w, r, tenderID)
	case len(parts) == 3 && parts[1] == "uploads" && parts[2] == "init":
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.handleInitUpload(w, r, tenderID)
	case len(parts) == 4 && parts[1] == "uploads" && parts[3] == "complete":
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.handleCompleteUpload(w, r, tenderID, parts[2])
	case len(parts) == 3 && parts[1] == "rag" && parts[2] == "retry":
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.handleRetryIngestion(w, r, tenderID)
	default:
		http.NotFound(w, r)
	}
}

func (s *Service) handleGetTender(w http.ResponseWriter, r *http.Request, tenderID string) {
	sess, ok, err := s.runner.Snapshot(tenderID)
	if err != nil {
		httpError(w, err)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tender": sess})
}

func (s *Service) handleInitUpload(w http.ResponseWriter, r *http.Request, tenderID string) {
	var req struct {
		FileName    string `json:"fileName"`
		ContentType string `json:"contentType"`
		SizeBytes   int64  `json:"sizeBytes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	rec, target, ok, err := s.runner.InitUpload(tenderID, req.FileName, req.ContentType, req.SizeBytes)
	if err != nil {
		httpError(w, err)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"file":            rec,
		"fileId":          target.FileID,
		"uploadUrl":       target.UploadURL,
		"requiredHeaders": target.RequiredHeaders,
	})
}

func (s *Service) handleCompleteUpload(w http.ResponseWriter, r *http.Request, tenderID, fileID string) {
	var req struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	sess, ok, err := s.runner.CompleteUpload(r.Context(), tenderID, fileID, req.Success, req.Error)
	if err != nil {
		httpError(w, err)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tender": sess})
}

func (s *Service) handleProcess(w http.ResponseWriter, r *http.Request, tenderID string) {
	found, err := s.runner.TriggerProcess(r.Context(), tenderID)
	if !found {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		httpError(w, err)
		return
	}
	sess, ok, serr := s.runner.Snapshot(tenderID)
	if serr != nil || !ok {
		httpError(w, serr)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tender": sess})
}

func (s *Service) handleRetryIngestion(w http.ResponseWriter, r *http.Request, tenderID string) {
	found, err := s.runner.RetryIngestion(r.Context(), tenderID)
	if err != nil {
		httpError(w, err)
		return
	}
	if !found {
		http.NotFound(w, r)
		return
	}
	sess, ok, err := s.runner.Snapshot(tenderID)
	if err != nil || !ok {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tender": sess})
}

func (s *Service) handleResults(w http.ResponseWriter, r *http.Request, tenderID string) {
	body, ok, err := s.runner.LatestResult(tenderID)
	if err != nil {
		httpError(w, err)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	// Artifacts are append-only and status-dependent; never let a proxy
	// serve yesterday's run.
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (s *Service) handleResultURL(w http.ResponseWriter, r *http.Request, tenderID string) {
	signed, ok, err := s.runner.ResultDownloadURL(tenderID)
	if err != nil {
		httpError(w, err)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"url":      signed,
		"filename": "results.json",
	})
}

func (s *Service) handleAdHocQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		TenderID string `json:"tenderId"`
		Question string `json:"question"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.TenderID) == "" {
		http.Error(w, "tenderId required", http.StatusBadRequest)
		return
	}
	ans, docs, ok, err := s.runner.AdHocQuery(r.Context(), req.TenderID, req.Question)
	if err != nil {
		httpError(w, err)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"answer":    ans,
		"documents": docs,
	})
}

// httpError maps the error taxonomy onto status codes. Provider/internal
// detail stays in logs; the client sees the classified message only.
func httpError(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		http.Error(w, "server error", http.StatusInternalServerError)
	case domain.IsValidation(err):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case domain.IsPrecondition(err):
		http.Error(w, err.Error(), http.StatusConflict)
	case domain.IsQuotaExceeded(err):
		http.Error(w, "rate limited by the generation service, try again later", http.StatusTooManyRequests)
	case domain.IsGeneration(err), domain.IsIngestion(err), domain.IsPersistence(err):
		http.Error(w, err.Error(), http.StatusBadGateway)
	default:
		http.Error(w, "server error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
