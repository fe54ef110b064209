package playbook

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
)

// Question is one fixed playbook entry. IDs are stable across runs so
// result artifacts from different runs can be compared question by
// question.
type Question struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Playbook is the ordered question list applied to every tender. The
// order in the config is the order of execution and of the result
// artifact.
type Playbook struct {
	Questions []Question `json:"questions"`
}

// defaultQuestions covers the review fields the extraction sheet needs.
// Overridable per deployment via PLAYBOOK_CONFIG_PATH.
var defaultQuestions = []Question{
	{
		ID:   "document_id",
		Text: "What is the tender reference number or document identifier? Quote it exactly as printed.",
	},
	{
		ID:   "submission_deadlines",
		Text: "List every submission deadline in the tender: bid submission date and time, technical bid opening, financial bid opening, and any pre-bid meeting date. Include timezone if stated.",
	},
	{
		ID:   "emd",
		Text: "What earnest money deposit (EMD) or bid security is required? State the amount, the accepted payment instruments, and any exemption categories.",
	},
	{
		ID:   "penalties",
		Text: "List the penalty and liquidated damages clauses: the trigger condition, the rate or amount, and any cap.",
	},
	{
		ID:   "eligibility_requirements",
		Text: "List the eligibility and qualification requirements a bidder must meet, including turnover thresholds, prior experience, and required certifications.",
	},
	{
		ID:   "annexures",
		Text: "List every annexure, form, or format the bidder must fill and submit, with its annexure number and title.",
	},
}

// Default returns the built-in playbook.
func Default() *Playbook {
	qs := make([]Question, len(defaultQuestions))
	copy(qs, defaultQuestions)
	return &Playbook{Questions: qs}
}

// LoadFromEnv returns the playbook configured via PLAYBOOK_CONFIG_PATH,
// or the built-in default when the variable is unset. A configured path
// that cannot be read or parsed is an error, not a silent fallback.
func LoadFromEnv() (*Playbook, error) {
	path := strings.TrimSpace(os.Getenv("PLAYBOOK_CONFIG_PATH"))
	if path == "" {
		return Default(), nil
	}
	pb, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	log.Printf("playbook: loaded %d questions from %s", len(pb.Questions), path)
	return pb, nil
}

func LoadFile(path string) (*Playbook, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read playbook config: %w", err)
	}
	var pb Playbook
	if err := json.Unmarshal(b, &pb); err != nil {
		return nil, fmt.Errorf("parse playbook config %s: %w", path, err)
	}
	if err := pb.validate(); err != nil {
		return nil, fmt.Errorf("playbook config %s: %w", path, err)
	}
	return &pb, nil
}

func (p *Playbook) validate() error {
	if len(p.Questions) == 0 {
		return fmt.Errorf("no questions")
	}
	seen := make(map[string]struct{}, len(p.Questions))
	for i, q := range p.Questions {
		id := strings.TrimSpace(q.ID)
		if id == "" {
			return fmt.Errorf("question %d has empty id", i)
		}
		if strings.TrimSpace(q.Text) == "" {
			return fmt.Errorf("question %q has empty text", id)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("duplicate question id %q", id)
		}
		seen[id] = struct{}{}
	}
	return nil
}
