// Package ingress validates inbound alert webhooks from the monitoring
// server and converts them into chat-ready messages. Each payload is a
// single-shot transform: received, validated, formatted, handed off.
// No deduplication or correlation happens here.
package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/phystech/zbridge/internal/delivery"
	"github.com/phystech/zbridge/internal/event"
)

// TopicAlertReceived carries delivery.Message payloads from ingestion to
// the delivery and persistence subscribers.
const TopicAlertReceived = "alert.received"

// ErrInvalidPayload indicates a webhook body missing required fields or
// not parseable as JSON. Nothing is forwarded for such payloads.
var ErrInvalidPayload = errors.New("invalid alert payload")

var (
	alertsIngestedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "alerts_ingested_total",
		Help: "Total number of alert webhooks accepted and formatted.",
	})
	alertsRejectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "alerts_rejected_total",
		Help: "Total number of alert webhooks rejected by validation.",
	})
)

func init() {
	prometheus.MustRegister(alertsIngestedTotal)
	prometheus.MustRegister(alertsRejectedTotal)
}

// AlertEvent is the inbound webhook payload. Subject plus at least one
// of Status/Trigger are required; the rest is optional free-form text.
type AlertEvent struct {
	Subject string `json:"subject"`
	Status  string `json:"status"`
	Trigger string `json:"trigger"`
	Message string `json:"message"`
}

// Ingress transforms raw webhook bodies into delivery messages and
// publishes them on the bus. It is stateless per call and safe for
// concurrent use.
type Ingress struct {
	logger *zap.Logger
	bus    *event.Bus
}

// New creates an ingress publishing to the given bus.
func New(logger *zap.Logger, bus *event.Bus) *Ingress {
	return &Ingress{logger: logger, bus: bus}
}

// Ingest validates and formats one raw payload. On success the message
// is published on TopicAlertReceived and returned; on validation failure
// nothing is forwarded.
func (i *Ingress) Ingest(ctx context.Context, raw []byte) (delivery.Message, error) {
	var payload AlertEvent
	if err := json.Unmarshal(raw, &payload); err != nil {
		alertsRejectedTotal.Inc()
		return delivery.Message{}, fmt.Errorf("decode alert body: %v: %w", err, ErrInvalidPayload)
	}

	if err := payload.validate(); err != nil {
		alertsRejectedTotal.Inc()
		return delivery.Message{}, err
	}

	msg := Format(payload)
	alertsIngestedTotal.Inc()

	i.logger.Info("alert ingested",
		zap.String("subject", payload.Subject),
		zap.String("status", payload.Status),
	)

	i.bus.Publish(ctx, event.Event{
		Topic:     TopicAlertReceived,
		Source:    "ingress",
		Timestamp: time.Now().UTC(),
		Payload:   msg,
	})
	return msg, nil
}

func (e AlertEvent) validate() error {
	if strings.TrimSpace(e.Subject) == "" {
		return fmt.Errorf("missing subject: %w", ErrInvalidPayload)
	}
	if strings.TrimSpace(e.Status) == "" && strings.TrimSpace(e.Trigger) == "" {
		return fmt.Errorf("missing status and trigger: %w", ErrInvalidPayload)
	}
	return nil
}

// Format renders a validated alert deterministically. Every consumed
// field appears in the output text; none is dropped.
func Format(e AlertEvent) delivery.Message {
	var b strings.Builder
	b.WriteString(e.Subject)
	if e.Status != "" {
		b.WriteString("\nStatus: ")
		b.WriteString(e.Status)
	}
	if e.Trigger != "" {
		b.WriteString("\nTrigger: ")
		b.WriteString(e.Trigger)
	}
	if e.Message != "" {
		b.WriteString("\n")
		b.WriteString(e.Message)
	}
	return delivery.Message{
		Subject: e.Subject,
		Status:  e.Status,
		Trigger: e.Trigger,
		Text:    b.String(),
	}
}
