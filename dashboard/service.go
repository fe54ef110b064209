package dashboard

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"tenderbackend/domain"
	"tenderbackend/store"
)

// Service exposes the human review surface: facts and annexures extracted
// from a tender, approve/reject decisions, and an xlsx review sheet.
type Service struct {
	items   store.ValidationStore
	tenders store.TenderStore
}

func NewService(items store.ValidationStore, tenders store.TenderStore) *Service {
	return &Service{items: items, tenders: tenders}
}

func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/dashboard/items", s.handleSeedItem)
	mux.HandleFunc("/api/dashboard/tenders/", s.handleTenderRoutes)
	mux.HandleFunc("/api/dashboard/facts/", s.handleDecisionRoutes(domain.ItemKindFact))
	mux.HandleFunc("/api/dashboard/annexures/", s.handleDecisionRoutes(domain.ItemKindAnnexure))
}

// handleSeedItem registers one extracted fact/annexure for review. Called
// by the extraction side, not by the UI.
func (s *Service) handleSeedItem(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		TenderID   string          `json:"tenderId"`
		Kind       string          `json:"kind"`
		Label      string          `json:"label"`
		Payload    json.RawMessage `json:"payload"`
		Confidence float64         `json:"confidence"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	kind := domain.ItemKind(strings.TrimSpace(req.Kind))
	if kind != domain.ItemKindFact && kind != domain.ItemKindAnnexure {
		http.Error(w, "kind must be fact or annexure", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.TenderID) == "" || strings.TrimSpace(req.Label) == "" {
		http.Error(w, "tenderId and label required", http.StatusBadRequest)
		return
	}
	if s.tenders != nil {
		_, ok, err := s.tenders.Get(req.TenderID)
		if err != nil {
			http.Error(w, "server error", http.StatusInternalServerError)
			return
		}
		if !ok {
			http.NotFound(w, r)
			return
		}
	}

	item := &domain.ValidationItem{
		ID:         string(kind) + "_" + uuid.NewString(),
		TenderID:   strings.TrimSpace(req.TenderID),
		Kind:       kind,
		Label:      strings.TrimSpace(req.Label),
		Payload:    req.Payload,
		Confidence: req.Confidence,
		Status:     domain.DecisionPending,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.items.Put(item); err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"item": item})
}

func (s *Service) handleTenderRoutes(w http.ResponseWriter, r *http.Request) {
	// /api/dashboard/tenders/{tenderId}/facts
	// /api/dashboard/tenders/{tenderId}/annexures
	// /api/dashboard/tenders/{tenderId}/export
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/dashboard/tenders/"), "/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	tenderID := parts[0]

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	switch parts[1] {
	case "facts":
		s.listItems(w, tenderID, domain.ItemKindFact)
	case "annexures":
		s.listItems(w, tenderID, domain.ItemKindAnnexure)
	case "export":
		s.handleExport(w, tenderID)
	default:
		http.NotFound(w, r)
	}
}

func (s *Service) listItems(w http.ResponseWriter, tenderID string, kind domain.ItemKind) {
	items, err := s.items.ListByTender(tenderID, kind)
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

func (s *Service) handleDecisionRoutes(kind domain.ItemKind) http.HandlerFunc {
	prefix := "/api/dashboard/" + string(kind) + "s/"
	return func(w http.ResponseWriter, r *http.Request) {
		// /api/dashboard/facts/{itemId}/decision
		// /api/dashboard/annexures/{itemId}/decision
		path := strings.Trim(strings.TrimPrefix(r.URL.Path, prefix), "/")
		parts := strings.Split(path, "/")
		if len(parts) != 2 || parts[0] == "" || parts[1] != "decision" {
			http.NotFound(w, r)
			return
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.handleDecide(w, r, kind, parts[0])
	}
}

func (s *Service) handleDecide(w http.ResponseWriter, r *http.Request, kind domain.ItemKind, itemID string) {
	var req struct {
		Decision string `json:"decision"`
		Notes    string `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	decision := domain.DecisionStatus(strings.ToLower(strings.TrimSpace(req.Decision)))
	if decision != domain.DecisionApproved && decision != domain.DecisionRejected {
		http.Error(w, "decision must be approved or rejected", http.StatusBadRequest)
		return
	}

	existing, ok, err := s.items.Get(itemID)
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	if !ok || existing.Kind != kind {
		http.NotFound(w, r)
		return
	}

	item, ok, err := s.items.Decide(itemID, decision, strings.TrimSpace(req.Notes))
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"item": item})
}

func (s *Service) handleExport(w http.ResponseWriter, tenderID string) {
	facts, err := s.items.ListByTender(tenderID, domain.ItemKindFact)
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	annexures, err := s.items.ListByTender(tenderID, domain.ItemKindAnnexure)
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	if len(facts) == 0 && len(annexures) == 0 {
		http.Error(w, "no review items for this tender", http.StatusNotFound)
		return
	}

	name := fmt.Sprintf("review-%s.xlsx", tenderID)
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	if err := WriteReviewSheet(w, facts, annexures); err != nil {
		// Headers already sent; the truncated body is all we can signal.
		return
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
