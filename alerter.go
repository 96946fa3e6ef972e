package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// alertPayload is the JSON body posted to the webhook endpoint.
type alertPayload struct {
	Channel  string `json:"channel"`
	Username string `json:"username"`
	Text     string `json:"text"`
}

// AlertDispatcher posts a notification when a motion episode begins. At
// most one alert is sent per episode, and a cooldown window applies even
// across episodes. Delivery is best-effort: failures are logged and
// swallowed so alerting can never affect recording or streaming.
type AlertDispatcher struct {
	cfg     *Config
	logger  *slog.Logger
	metrics *pipelineMetrics
	client  *http.Client

	lastSent       time.Time
	episodeAlerted bool
}

// alertTimeout bounds each webhook delivery attempt.
const alertTimeout = 5 * time.Second

// NewAlertDispatcher creates a dispatcher. When no webhook URL is
// configured the dispatcher accepts transitions and does nothing.
func NewAlertDispatcher(cfg *Config, logger *slog.Logger, metrics *pipelineMetrics) *AlertDispatcher {
	return &AlertDispatcher{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		client:  &http.Client{Timeout: alertTimeout},
	}
}

// Handle consumes one motion transition. Idle transitions only close the
// episode gate; Active transitions dispatch an alert when both the
// per-episode gate and the cooldown window allow it.
func (a *AlertDispatcher) Handle(tr Transition) {
	if tr.State == StateIdle {
		a.episodeAlerted = false
		return
	}

	if a.cfg.AlertURL == "" {
		return
	}
	if a.episodeAlerted {
		return
	}
	if !a.lastSent.IsZero() && tr.At.Sub(a.lastSent) < a.cfg.AlertCooldown {
		a.logger.Debug("Alert suppressed by cooldown",
			"since_last", tr.At.Sub(a.lastSent),
			"cooldown", a.cfg.AlertCooldown)
		return
	}

	// Gate before delivery: even a failed attempt counts for the episode,
	// so one flapping endpoint cannot turn an episode into an alert storm.
	a.episodeAlerted = true
	a.lastSent = tr.At

	text := fmt.Sprintf("%s Motion Detected", tr.At.Format("2006-01-02_15-04-05"))
	if err := a.send(alertPayload{
		Channel:  a.cfg.AlertChannel,
		Username: a.cfg.AlertUser,
		Text:     text,
	}); err != nil {
		a.metrics.alertFailures.Add(1)
		a.logger.Error("Alert delivery failed",
			"url", a.cfg.AlertURL,
			"error", err)
		return
	}

	a.metrics.alertsSent.Add(1)
	a.logger.Info("Alert dispatched",
		"channel", a.cfg.AlertChannel,
		"episode_start", tr.At.Format(time.RFC3339))
}

// send posts the payload, retrying once on failure.
func (a *AlertDispatcher) send(payload alertPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode alert payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if lastErr = a.post(body); lastErr == nil {
			return nil
		}
		a.logger.Warn("Alert attempt failed",
			"attempt", attempt+1,
			"error", lastErr)
	}
	return lastErr
}

func (a *AlertDispatcher) post(body []byte) error {
	resp, err := a.client.Post(a.cfg.AlertURL, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
