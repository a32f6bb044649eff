package ingress

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/phystech/zbridge/internal/delivery"
	"github.com/phystech/zbridge/internal/event"
)

func newTestIngress() (*Ingress, *event.Bus) {
	bus := event.NewBus(zap.NewNop())
	return New(zap.NewNop(), bus), bus
}

func TestIngest_FormatsAllFields(t *testing.T) {
	ing, bus := newTestIngress()

	var published []delivery.Message
	bus.Subscribe(TopicAlertReceived, func(_ context.Context, e event.Event) {
		msg, ok := e.Payload.(delivery.Message)
		if !ok {
			t.Fatalf("payload type %T, want delivery.Message", e.Payload)
		}
		published = append(published, msg)
	})

	raw := []byte(`{"subject":"Host down","status":"PROBLEM","trigger":"ICMP"}`)
	msg, err := ing.Ingest(context.Background(), raw)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	for _, field := range []string{"Host down", "PROBLEM", "ICMP"} {
		if !strings.Contains(msg.Text, field) {
			t.Errorf("formatted text %q missing field %q", msg.Text, field)
		}
	}
	if msg.Subject != "Host down" || msg.Status != "PROBLEM" || msg.Trigger != "ICMP" {
		t.Errorf("structured fields dropped: %+v", msg)
	}

	if len(published) != 1 {
		t.Fatalf("published %d events, want 1", len(published))
	}
	if published[0].Text != msg.Text {
		t.Error("published message differs from returned message")
	}
}

func TestIngest_RejectsMissingFields(t *testing.T) {
	ing, bus := newTestIngress()

	published := 0
	bus.Subscribe(TopicAlertReceived, func(context.Context, event.Event) {
		published++
	})

	tests := []struct {
		name string
		raw  string
	}{
		{"missing subject", `{"status":"PROBLEM","trigger":"ICMP"}`},
		{"blank subject", `{"subject":"  ","status":"PROBLEM"}`},
		{"missing status and trigger", `{"subject":"Host down"}`},
		{"blank status and trigger", `{"subject":"Host down","status":"","trigger":" "}`},
		{"not json", `subject=Host down`},
		{"empty body", ``},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ing.Ingest(context.Background(), []byte(tt.raw))
			if !errors.Is(err, ErrInvalidPayload) {
				t.Errorf("error = %v, want ErrInvalidPayload", err)
			}
		})
	}

	if published != 0 {
		t.Errorf("%d events published for invalid payloads, want 0", published)
	}
}

func TestIngest_StatusOnlyAndTriggerOnly(t *testing.T) {
	ing, _ := newTestIngress()

	if _, err := ing.Ingest(context.Background(), []byte(`{"subject":"s","status":"OK"}`)); err != nil {
		t.Errorf("status-only payload rejected: %v", err)
	}
	if _, err := ing.Ingest(context.Background(), []byte(`{"subject":"s","trigger":"CPU load"}`)); err != nil {
		t.Errorf("trigger-only payload rejected: %v", err)
	}
}

func TestFormat_Deterministic(t *testing.T) {
	e := AlertEvent{Subject: "Host down", Status: "PROBLEM", Trigger: "ICMP", Message: "web01 unreachable"}
	first := Format(e)
	second := Format(e)
	if first != second {
		t.Errorf("formatting is not deterministic: %+v vs %+v", first, second)
	}
	if !strings.Contains(first.Text, "web01 unreachable") {
		t.Errorf("optional message field dropped from %q", first.Text)
	}
}
