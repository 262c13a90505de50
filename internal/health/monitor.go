// Package health compares consecutive orchestrator run snapshots and
// raises alerts when the pipeline looks unhealthy.
package health

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/metrics"
	"github.com/lalithlochan/herald/internal/model"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Rule identifiers.
const (
	RuleRunFailed           = "run_failed"
	RuleNoTriggersProcessed = "no_triggers_processed"
	RuleSchedulerStalled    = "scheduler_stalled"
	RuleConsecutiveFailures = "consecutive_failures"
)

// DefaultStallThreshold is the gap between runs after which the scheduler
// is considered stalled.
const DefaultStallThreshold = 30 * time.Minute

type Field struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type Alert struct {
	Rule        string    `json:"rule"`
	Severity    Severity  `json:"severity"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Fields      []Field   `json:"fields,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Alerter delivers one alert.
type Alerter interface {
	Alert(ctx context.Context, a Alert) error
}

// Report is the outcome of one evaluation. Enabled is false when no
// webhook is configured.
type Report struct {
	Enabled bool    `json:"enabled"`
	Alerts  []Alert `json:"alerts"`
	Sent    int     `json:"sent"`
	Failed  int     `json:"failed"`
}

type Monitor struct {
	webhook        Alerter
	email          Alerter
	stallThreshold time.Duration
	logger         *zap.Logger
}

// NewMonitor builds a monitor. webhook may be nil, which disables alerting.
// email, when set, receives a copy of critical alerts only.
func NewMonitor(webhook, email Alerter, logger *zap.Logger) *Monitor {
	return &Monitor{
		webhook:        webhook,
		email:          email,
		stallThreshold: DefaultStallThreshold,
		logger:         logger,
	}
}

// Evaluate applies every rule to the snapshots and sends each resulting
// alert independently. It never returns an error; delivery failures are
// counted and logged.
func (m *Monitor) Evaluate(ctx context.Context, current model.HealthSnapshot, previous *model.HealthSnapshot) Report {
	report := Report{Alerts: []Alert{}}
	if m.webhook == nil {
		return report
	}
	report.Enabled = true
	report.Alerts = Rules(current, previous, m.stallThreshold)

	for _, a := range report.Alerts {
		if err := m.webhook.Alert(ctx, a); err != nil {
			report.Failed++
			metrics.RecordAlert(string(a.Severity), "failed")
			m.logger.Error("failed to send health alert",
				zap.String("rule", a.Rule),
				zap.String("severity", string(a.Severity)),
				zap.Error(err),
			)
		} else {
			report.Sent++
			metrics.RecordAlert(string(a.Severity), "sent")
		}

		if m.email != nil && a.Severity == SeverityCritical {
			if err := m.email.Alert(ctx, a); err != nil {
				m.logger.Warn("failed to email critical alert", zap.String("rule", a.Rule), zap.Error(err))
			}
		}
	}

	if len(report.Alerts) > 0 {
		m.logger.Warn("health alerts raised",
			zap.Int("alerts", len(report.Alerts)),
			zap.Int("sent", report.Sent),
			zap.Int("failed", report.Failed),
		)
	}
	return report
}

// Rules returns the alerts that fire for current given the previous
// snapshot, which may be nil.
func Rules(current model.HealthSnapshot, previous *model.HealthSnapshot, stallThreshold time.Duration) []Alert {
	var alerts []Alert
	summary := summaryFields(current)

	if !current.Success {
		alerts = append(alerts, Alert{
			Rule:        RuleRunFailed,
			Severity:    SeverityCritical,
			Title:       "Orchestrator run failed",
			Description: "At least one campaign or trigger failed during the last run.",
			Fields:      summary,
			Timestamp:   current.Timestamp,
		})
	}

	if current.TriggersTotal > 0 && current.TriggersProcessed == 0 {
		alerts = append(alerts, Alert{
			Rule:        RuleNoTriggersProcessed,
			Severity:    SeverityWarning,
			Title:       "No triggers processed",
			Description: fmt.Sprintf("0 of %d triggers completed successfully.", current.TriggersTotal),
			Fields:      summary,
			Timestamp:   current.Timestamp,
		})
	}

	if previous != nil {
		gap := current.Timestamp.Sub(previous.Timestamp)
		if gap > stallThreshold {
			alerts = append(alerts, Alert{
				Rule:        RuleSchedulerStalled,
				Severity:    SeverityWarning,
				Title:       "Scheduler stalled",
				Description: fmt.Sprintf("%d minutes elapsed since the previous run.", int(gap.Minutes())),
				Fields: []Field{
					{Name: "Previous run", Value: previous.Timestamp.UTC().Format(time.RFC3339), Inline: true},
					{Name: "Current run", Value: current.Timestamp.UTC().Format(time.RFC3339), Inline: true},
				},
				Timestamp: current.Timestamp,
			})
		}

		if !previous.Success && !current.Success {
			alerts = append(alerts, Alert{
				Rule:        RuleConsecutiveFailures,
				Severity:    SeverityCritical,
				Title:       "Consecutive run failures",
				Description: "The last two orchestrator runs both failed.",
				Fields:      summary,
				Timestamp:   current.Timestamp,
			})
		}
	}
	return alerts
}

func summaryFields(s model.HealthSnapshot) []Field {
	return []Field{
		{Name: "Campaigns", Value: strconv.Itoa(s.CampaignsProcessed) + "/" + strconv.Itoa(s.CampaignsFound), Inline: true},
		{Name: "Triggers", Value: strconv.Itoa(s.TriggersProcessed) + "/" + strconv.Itoa(s.TriggersTotal), Inline: true},
		{Name: "Success", Value: strconv.FormatBool(s.Success), Inline: true},
	}
}
