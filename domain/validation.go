package domain

import (
	"encoding/json"
	"time"
)

type ItemKind string

const (
	ItemKindFact     ItemKind = "fact"
	ItemKindAnnexure ItemKind = "annexure"
)

type DecisionStatus string

const (
	DecisionPending  DecisionStatus = "pending"
	DecisionApproved DecisionStatus = "approved"
	DecisionRejected DecisionStatus = "rejected"
)

// ValidationItem is a fact or annexure produced by an extractor and
// reviewed by a human. Created by extraction, mutated only by a decision.
// Re-deciding with the same outcome is a no-op state-wise but refreshes
// DecisionAt.
type ValidationItem struct {
	ID         string          `json:"id"`
	TenderID   string          `json:"tenderId"`
	Kind       ItemKind        `json:"kind"`
	Label      string          `json:"label"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Confidence float64         `json:"confidence"`

	Status        DecisionStatus `json:"status"`
	DecisionAt    *time.Time     `json:"decisionAt,omitempty"`
	DecisionNotes string         `json:"decisionNotes,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}
