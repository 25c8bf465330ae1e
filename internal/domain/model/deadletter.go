package model

import (
	"time"

	"github.com/google/uuid"
)

// DeadLetter is a consumed-but-unprocessable bus message persisted with
// enough context to make replay deterministic.
type DeadLetter struct {
	ID                uuid.UUID
	BroadcastID       uuid.UUID
	OriginalKey       string
	OriginalTopic     string
	OriginalPartition int32
	OriginalOffset    int64
	ExceptionMessage  string
	Payload           []byte
	FailedAt          time.Time
	CorrelationID     string
}

// RedriveSummary aggregates the outcome of a bulk redrive.
type RedriveSummary struct {
	Requested int      `json:"requested"`
	Succeeded int      `json:"succeeded"`
	Failed    int      `json:"failed"`
	Errors    []string `json:"errors,omitempty"`
}
