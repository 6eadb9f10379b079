package jobs

import (
	"time"

	"hallucheck-backend/internal/analysis"
)

const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// IsTerminal reports whether status can no longer change.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

// Job is one submitted conversation and the state of its analysis.
type Job struct {
	ID                 string
	OwnerID            string
	Status             string
	FileName           string
	FileSizeBytes      int64
	StorageKey         string
	TurnCount          int
	AssistantTurnCount int
	Provider           string
	Model              string
	ClaimedBy          *string
	ClaimedAt          *time.Time
	ErrorCode          *string
	ErrorMessage       *string
	StartedAt          *time.Time
	CompletedAt        *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
	// Result is set only once the job is completed.
	Result *analysis.Result
}

// StatusView is what a poller sees. ErrorCode and ErrorMessage appear only on
// failed jobs; Result only on completed ones.
type StatusView struct {
	ID           string           `json:"id"`
	Status       string           `json:"status"`
	CreatedAt    time.Time        `json:"createdAt"`
	UpdatedAt    time.Time        `json:"updatedAt"`
	ErrorCode    string           `json:"errorCode,omitempty"`
	ErrorMessage string           `json:"errorMessage,omitempty"`
	Result       *analysis.Result `json:"result,omitempty"`
}

// Summary is the list representation of a job.
type Summary struct {
	ID                 string    `json:"id"`
	Status             string    `json:"status"`
	FileName           string    `json:"fileName"`
	FileSizeBytes      int64     `json:"fileSizeBytes"`
	TurnCount          int       `json:"turnCount"`
	AssistantTurnCount int       `json:"assistantTurnCount"`
	Provider           string    `json:"provider,omitempty"`
	Model              string    `json:"model,omitempty"`
	ErrorCode          string    `json:"errorCode,omitempty"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// View projects a job onto its poll representation.
func (j Job) View() StatusView {
	v := StatusView{
		ID:        j.ID,
		Status:    j.Status,
		CreatedAt: j.CreatedAt,
		UpdatedAt: j.UpdatedAt,
	}
	switch j.Status {
	case StatusFailed:
		v.ErrorCode = deref(j.ErrorCode)
		v.ErrorMessage = deref(j.ErrorMessage)
	case StatusCompleted:
		v.Result = j.Result
	}
	return v
}

// Summary projects a job onto its list representation.
func (j Job) Summary() Summary {
	s := Summary{
		ID:                 j.ID,
		Status:             j.Status,
		FileName:           j.FileName,
		FileSizeBytes:      j.FileSizeBytes,
		TurnCount:          j.TurnCount,
		AssistantTurnCount: j.AssistantTurnCount,
		Provider:           j.Provider,
		Model:              j.Model,
		CreatedAt:          j.CreatedAt,
		UpdatedAt:          j.UpdatedAt,
	}
	if j.Status == StatusFailed {
		s.ErrorCode = deref(j.ErrorCode)
	}
	return s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
