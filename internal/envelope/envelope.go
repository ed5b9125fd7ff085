// Package envelope defines the message wrapper carried between agents.
// Envelopes are built fresh for every routing attempt and are not retained
// beyond their audit record.
package envelope

import (
	"time"

	"github.com/google/uuid"
)

// Metadata carries routing and audit flags for one envelope.
type Metadata struct {
	// EthicalReview is set only by a successful Guardian approval (or when
	// the sender is the Guardian itself). Delivery requires it to be true.
	EthicalReview bool `json:"ethical_review"`

	// StudentVisible marks content that may be surfaced to a student.
	StudentVisible bool `json:"student_visible"`

	// SystemGenerated marks envelopes originated by the coordinator rather
	// than a caller (health probes, emergency interrupts).
	SystemGenerated bool `json:"system_generated"`
}

// Envelope wraps message content plus routing metadata between two agents.
type Envelope struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Priority  int       `json:"priority"`
	Metadata  Metadata  `json:"metadata"`
}

// New builds an envelope with a fresh unique id and the current timestamp.
func New(from, to, content string, priority int) *Envelope {
	return &Envelope{
		ID:        uuid.NewString(),
		From:      from,
		To:        to,
		Content:   content,
		Timestamp: time.Now().UTC(),
		Priority:  priority,
	}
}
