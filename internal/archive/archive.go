// Package archive keeps a durable log of finished tasks in Postgres.
// The Redis store holds live records; this is the long-term trail the
// history endpoint reads.
package archive

import (
	"context"
	"time"
)

type Record struct {
	ID             string
	TaskID         string
	Status         string
	Provider       string
	Model          string
	PromptLength   int
	ResponseLength int
	InputTokens    int
	OutputTokens   int
	CostUSD        float64
	ErrorKind      string
	DurationMs     int64
	CreatedAt      time.Time
}

type Store interface {
	Log(ctx context.Context, rec *Record) error
	Recent(ctx context.Context, limit int) ([]*Record, error)
}
