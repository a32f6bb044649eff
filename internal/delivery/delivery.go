// Package delivery defines the handoff boundary to the chat transport.
// This layer never speaks the chat wire protocol itself; formatted
// messages and chart images are handed to a Sink owned by the caller.
package delivery

import (
	"context"

	"go.uber.org/zap"
)

// Message is a chat-ready rendering of an ingested alert.
type Message struct {
	Subject string
	Status  string
	Trigger string
	Text    string
}

// Sink receives formatted messages for transmission. Delivery failures
// are the sink's own concern (retryable independently of ingestion).
type Sink interface {
	Deliver(ctx context.Context, msg Message) error
}

// Compile-time interface guard.
var _ Sink = (*LogSink)(nil)

// LogSink writes messages to the log. It stands in for the chat
// transport in deployments where none is wired up.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a log-backed delivery sink.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Deliver(_ context.Context, msg Message) error {
	s.logger.Info("alert ready for delivery",
		zap.String("subject", msg.Subject),
		zap.String("status", msg.Status),
		zap.String("trigger", msg.Trigger),
	)
	return nil
}
