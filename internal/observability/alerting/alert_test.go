package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	xerrors "O-Sovereign/internal/errors"
)

type recordingNotifier struct {
	name   string
	err    error
	events []Event
}

func (r *recordingNotifier) Name() string { return r.name }

func (r *recordingNotifier) Notify(_ context.Context, event Event) error {
	r.events = append(r.events, event)
	return r.err
}

func TestFanoutDeliversToAll(t *testing.T) {
	a := &recordingNotifier{name: "a"}
	b := &recordingNotifier{name: "b", err: errors.New("down")}
	d := NewFanout(a, nil, b)

	err := d.Notify(context.Background(), Event{Code: CodeRunFailed, RunID: "r1"})
	if err == nil {
		t.Fatalf("expected joined error from failing notifier")
	}
	if len(a.events) != 1 || len(b.events) != 1 {
		t.Fatalf("event not fanned out: %d %d", len(a.events), len(b.events))
	}
	if a.events[0].OccurredAt.IsZero() {
		t.Fatalf("occurred_at should be filled")
	}
	if names := d.Names(); len(names) != 2 || names[0] != "a" {
		t.Fatalf("unexpected names: %v", names)
	}
}

func TestNilFanoutIsNoop(t *testing.T) {
	var d *FanoutDispatcher
	if err := d.Notify(context.Background(), Event{}); err != nil {
		t.Fatalf("nil dispatcher should not fail: %v", err)
	}
}

func TestWebhookNotifier(t *testing.T) {
	var got Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n, err := NewWebhookNotifier("ops", srv.URL, time.Second)
	if err != nil {
		t.Fatalf("new webhook: %v", err)
	}
	event := Event{Code: CodeRunRisky, RunID: "r2", RiskScore: 90, Severity: xerrors.SeverityWarning}
	if err := n.Notify(context.Background(), event); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if got.RunID != "r2" || got.RiskScore != 90 || got.Code != CodeRunRisky {
		t.Fatalf("unexpected payload: %+v", got)
	}
}

func TestWebhookNotifierErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n, _ := NewWebhookNotifier("", srv.URL, 0)
	if err := n.Notify(context.Background(), Event{}); err == nil {
		t.Fatalf("expected error status to fail")
	}
	if _, err := NewWebhookNotifier("x", " ", 0); err == nil {
		t.Fatalf("expected empty url to be rejected")
	}
}

func TestRegisteredCodes(t *testing.T) {
	if xerrors.AttributesOf(CodeRunFailed).Severity != xerrors.SeverityCritical {
		t.Fatalf("run failed code not registered")
	}
}
