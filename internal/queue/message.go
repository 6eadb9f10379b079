package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageVersion is the payload version written by this build. Bodies without
// a version predate versioning and read as version 1.
const MessageVersion = 1

// Message asks a worker to run the analysis of one job.
type Message struct {
	JobID      string `json:"jobId"`
	RequestID  string `json:"requestId,omitempty"`
	EnqueuedAt string `json:"enqueuedAt"`
	Version    int    `json:"version"`
}

func NewMessage(jobID, requestID string, now time.Time) Message {
	return Message{
		JobID:      jobID,
		RequestID:  requestID,
		EnqueuedAt: now.UTC().Format(time.RFC3339),
		Version:    MessageVersion,
	}
}

// Age reports how long the message waited, or zero if the stamp is unreadable.
func (m Message) Age(now time.Time) time.Duration {
	at, err := time.Parse(time.RFC3339, m.EnqueuedAt)
	if err != nil || now.Before(at) {
		return 0
	}
	return now.Sub(at)
}

func EncodeMessage(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}

// DecodeMessage parses payload. Versions newer than MessageVersion are
// rejected so an old worker never guesses at a newer layout.
func DecodeMessage(payload []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Message{}, err
	}
	switch {
	case msg.Version == 0:
		msg.Version = MessageVersion
	case msg.Version > MessageVersion:
		return Message{}, fmt.Errorf("message version %d not supported (max %d)", msg.Version, MessageVersion)
	}
	return msg, nil
}
