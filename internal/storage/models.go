package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Interaction is one question and its answer, kept for history and quality
// tracking. Evaluation fields are filled in later when the judge finishes.
type Interaction struct {
	ID        string
	UserID    string
	CreatedAt time.Time
	Question  string
	Prompt    string
	Answer    string
	Sources   string // JSON array stored as text
	Status    string // "completed", "cancelled", "failed"

	Evaluated    bool
	Relevance    int
	Completeness int
	Overall      float64
}
