package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/model"
)

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []Alert
	failOn string
}

func (r *recordingAlerter) Alert(_ context.Context, a Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	if a.Rule == r.failOn {
		return errors.New("webhook down")
	}
	return nil
}

func rules(alerts []Alert) map[string]bool {
	out := make(map[string]bool, len(alerts))
	for _, a := range alerts {
		out[a.Rule] = true
	}
	return out
}

func TestEvaluate_ConsecutiveFailuresTenMinutesApart(t *testing.T) {
	prev := model.HealthSnapshot{Success: false, TriggersTotal: 3, TriggersProcessed: 0, Timestamp: t0}
	cur := model.HealthSnapshot{Success: false, TriggersTotal: 3, TriggersProcessed: 0, Timestamp: t0.Add(10 * time.Minute)}

	alerter := &recordingAlerter{}
	report := NewMonitor(alerter, nil, zap.NewNop()).Evaluate(context.Background(), cur, &prev)

	if !report.Enabled {
		t.Fatal("expected monitor to be enabled")
	}
	if len(report.Alerts) != 3 || report.Sent != 3 {
		t.Fatalf("report = %+v, want 3 alerts sent", report)
	}
	got := rules(report.Alerts)
	for _, want := range []string{RuleRunFailed, RuleNoTriggersProcessed, RuleConsecutiveFailures} {
		if !got[want] {
			t.Errorf("missing alert %s", want)
		}
	}
	if got[RuleSchedulerStalled] {
		t.Error("stall alert must not fire for a 10 minute gap")
	}
}

func TestRules(t *testing.T) {
	healthy := model.HealthSnapshot{Success: true, TriggersTotal: 3, TriggersProcessed: 3, Timestamp: t0}

	tests := []struct {
		name     string
		current  model.HealthSnapshot
		previous *model.HealthSnapshot
		want     []string
	}{
		{
			name:    "healthy first run",
			current: healthy,
		},
		{
			name:    "single failure without history",
			current: model.HealthSnapshot{Success: false, TriggersTotal: 3, TriggersProcessed: 2, Timestamp: t0},
			want:    []string{RuleRunFailed},
		},
		{
			name:     "stalled scheduler",
			current:  model.HealthSnapshot{Success: true, TriggersTotal: 3, TriggersProcessed: 3, Timestamp: t0.Add(31 * time.Minute)},
			previous: &healthy,
			want:     []string{RuleSchedulerStalled},
		},
		{
			name:     "exactly thirty minutes is not stalled",
			current:  model.HealthSnapshot{Success: true, TriggersTotal: 3, TriggersProcessed: 3, Timestamp: t0.Add(30 * time.Minute)},
			previous: &healthy,
		},
		{
			name:    "no triggers configured",
			current: model.HealthSnapshot{Success: true, Timestamp: t0},
		},
		{
			name:     "recovery after failure",
			current:  model.HealthSnapshot{Success: true, TriggersTotal: 3, TriggersProcessed: 3, Timestamp: t0.Add(15 * time.Minute)},
			previous: &model.HealthSnapshot{Success: false, Timestamp: t0},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Rules(tt.current, tt.previous, DefaultStallThreshold)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d alerts %v, want %v", len(got), rules(got), tt.want)
			}
			set := rules(got)
			for _, w := range tt.want {
				if !set[w] {
					t.Errorf("missing %s", w)
				}
			}
		})
	}
}

func TestEvaluate_DisabledWithoutWebhook(t *testing.T) {
	report := NewMonitor(nil, nil, zap.NewNop()).Evaluate(context.Background(), model.HealthSnapshot{Success: false}, nil)
	if report.Enabled || report.Alerts == nil || len(report.Alerts) != 0 {
		t.Errorf("report = %+v, want disabled with empty alerts", report)
	}
}

func TestEvaluate_OneFailedSendDoesNotSuppressOthers(t *testing.T) {
	prev := model.HealthSnapshot{Success: false, Timestamp: t0}
	cur := model.HealthSnapshot{Success: false, TriggersTotal: 1, Timestamp: t0.Add(5 * time.Minute)}

	alerter := &recordingAlerter{failOn: RuleRunFailed}
	report := NewMonitor(alerter, nil, zap.NewNop()).Evaluate(context.Background(), cur, &prev)

	if len(alerter.alerts) != 3 {
		t.Fatalf("attempted %d alerts, want 3", len(alerter.alerts))
	}
	if report.Sent != 2 || report.Failed != 1 {
		t.Errorf("report = %+v", report)
	}
}

func TestEvaluate_EmailsCriticalOnly(t *testing.T) {
	cur := model.HealthSnapshot{Success: false, TriggersTotal: 2, Timestamp: t0}
	webhook := &recordingAlerter{}
	email := &recordingAlerter{}

	NewMonitor(webhook, email, zap.NewNop()).Evaluate(context.Background(), cur, nil)

	if len(webhook.alerts) != 2 {
		t.Fatalf("webhook got %d alerts, want 2", len(webhook.alerts))
	}
	if len(email.alerts) != 1 || email.alerts[0].Severity != SeverityCritical {
		t.Errorf("email got %+v, want the critical alert only", email.alerts)
	}
}

func TestWebhookAlerter(t *testing.T) {
	var got webhookBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content-type = %s", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	a := NewWebhookAlerter(WebhookConfig{URL: srv.URL}, zap.NewNop())
	err := a.Alert(context.Background(), Alert{
		Rule:      RuleSchedulerStalled,
		Severity:  SeverityWarning,
		Title:     "Scheduler stalled",
		Fields:    []Field{{Name: "gap", Value: "45m", Inline: true}},
		Timestamp: t0,
	})
	if err != nil {
		t.Fatalf("Alert: %v", err)
	}

	if len(got.Embeds) != 1 {
		t.Fatalf("expected 1 embed, got %d", len(got.Embeds))
	}
	e := got.Embeds[0]
	if e.Color != 15105570 {
		t.Errorf("color = %d, want orange", e.Color)
	}
	if e.Timestamp != "2026-05-01T09:00:00Z" {
		t.Errorf("timestamp = %s", e.Timestamp)
	}
	if len(e.Fields) != 1 || !e.Fields[0].Inline {
		t.Errorf("fields = %+v", e.Fields)
	}
}

func TestWebhookAlerter_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	a := NewWebhookAlerter(WebhookConfig{URL: srv.URL, Timeout: time.Second}, zap.NewNop())
	if err := a.Alert(context.Background(), Alert{Severity: SeverityCritical, Title: "x"}); err == nil {
		t.Fatal("expected error for 429")
	}
}

type fakeSES struct {
	in *ses.SendEmailInput
}

func (f *fakeSES) SendEmail(_ context.Context, in *ses.SendEmailInput, _ ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
	f.in = in
	return &ses.SendEmailOutput{MessageId: aws.String("msg-1")}, nil
}

func TestEmailSink(t *testing.T) {
	client := &fakeSES{}
	sink := &EmailSink{client: client, from: "alerts@example.com", to: []string{"ops@example.com"}, logger: zap.NewNop()}

	err := sink.Alert(context.Background(), Alert{
		Severity:    SeverityCritical,
		Title:       "Orchestrator run failed",
		Description: "boom",
		Fields:      []Field{{Name: "Triggers", Value: "0/3"}},
	})
	if err != nil {
		t.Fatalf("Alert: %v", err)
	}
	if got := aws.ToString(client.in.Message.Subject.Data); got != "[herald][critical] Orchestrator run failed" {
		t.Errorf("subject = %q", got)
	}
	if got := aws.ToString(client.in.Message.Body.Text.Data); got != "boom\n\nTriggers: 0/3\n" {
		t.Errorf("body = %q", got)
	}
}
