package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/reconciler/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertCircuitOpen    AlertType = "circuit_open"
	AlertDeadLetters    AlertType = "dead_letters"
	AlertPollFailure    AlertType = "poll_failure"
	AlertReconcileDrift AlertType = "reconciliation_drift"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	for _, name := range snap.OpenCircuits {
		alerts = append(alerts, Alert{
			Type:      AlertCircuitOpen,
			Severity:  "high",
			Message:   fmt.Sprintf("Circuit for %s is open, calls are deferred until cooldown", name),
			Details:   map[string]any{"circuit": name},
			Timestamp: now,
		})
	}

	if a.cfg.DeadLetterThreshold > 0 && snap.DeadLettered >= a.cfg.DeadLetterThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertDeadLetters,
			Severity: "high",
			Message: fmt.Sprintf(
				"%d deliveries dead-lettered (threshold %d)",
				snap.DeadLettered, a.cfg.DeadLetterThreshold,
			),
			Details: map[string]any{
				"dead_lettered": snap.DeadLettered,
				"retrying":      snap.Retrying,
				"threshold":     a.cfg.DeadLetterThreshold,
			},
			Timestamp: now,
		})
	}

	for _, w := range snap.FailingPolls {
		alerts = append(alerts, Alert{
			Type:     AlertPollFailure,
			Severity: "medium",
			Message:  fmt.Sprintf("Polling %s/%s is failing: %s", w.Source, w.EntityType, w.LastError),
			Details: map[string]any{
				"source":      w.Source,
				"entity_type": w.EntityType,
				"cursor":      w.Cursor,
			},
			Timestamp: now,
		})
	}

	for _, r := range snap.Drift {
		if r.Failed == 0 && (a.cfg.DriftThreshold <= 0 || r.Flagged < a.cfg.DriftThreshold) {
			continue
		}
		alerts = append(alerts, Alert{
			Type:     AlertReconcileDrift,
			Severity: "medium",
			Message: fmt.Sprintf(
				"Reconciliation of %s/%s flagged %d and failed %d of %d records",
				r.Source, r.EntityType, r.Flagged, r.Failed, r.Checked,
			),
			Details: map[string]any{
				"source":      r.Source,
				"entity_type": r.EntityType,
				"flagged":     r.Flagged,
				"failed":      r.Failed,
				"healed":      r.Healed,
				"threshold":   a.cfg.DriftThreshold,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
