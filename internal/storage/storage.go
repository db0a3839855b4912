// Package storage keeps an append-only journal of answered interactions for
// reporting.
package storage

import (
	"context"
	"time"
)

// Source says which part of the pipeline produced a reply.
type Source string

const (
	SourceScript Source = "script"
	SourceRouter Source = "router"
	SourceLLM    Source = "llm"
	SourceHuman  Source = "human"
	SourceAck    Source = "ack"
)

// Interaction is one inbound message and the reply it got.
type Interaction struct {
	Timestamp   time.Time `json:"timestamp"`
	Sender      string    `json:"sender"`
	Channel     string    `json:"channel"`
	UserMessage string    `json:"user_message"`
	Reply       string    `json:"reply"`
	Source      Source    `json:"source"`
	Intent      string    `json:"intent,omitempty"`
	Stage       string    `json:"stage,omitempty"`
	Escalated   bool      `json:"escalated,omitempty"`
	SendFailed  bool      `json:"send_failed,omitempty"`
}

// Recorder persists interactions. Load returns them in append order.
// Implementations must be safe for concurrent use.
type Recorder interface {
	Append(ctx context.Context, in Interaction) error
	Load(ctx context.Context) ([]Interaction, error)
}
