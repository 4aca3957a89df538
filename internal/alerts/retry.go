package alerts

import (
	"context"
	"hash/fnv"
	"time"

	"github.com/darthnorse/dockmon/internal/notify"
	"github.com/darthnorse/dockmon/internal/store"
)

const (
	retryBase     = 30 * time.Second
	retryCap      = 30 * time.Minute
	retrySweep    = 15 * time.Second
	maxRetryCount = 8
)

// retryBackoff computes the delay before the next notification attempt:
// exponential from 30s, capped at 30m, with a deterministic jitter of up
// to 20% derived from the alert ID so a burst of failures does not
// retry in lockstep.
func retryBackoff(attempt int, alertID string) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := retryBase
	for i := 1; i < attempt && d < retryCap; i++ {
		d *= 2
	}
	if d > retryCap {
		d = retryCap
	}

	h := fnv.New32a()
	h.Write([]byte(alertID))
	jitter := time.Duration(h.Sum32()%1000) * d / 5000 // 0..20% of d
	return d + jitter
}

// RunRetries periodically re-attempts notification delivery for open
// alerts whose NextRetryAt has passed.
func (e *Engine) RunRetries(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.clock.After(retrySweep):
			e.sweepRetries(ctx)
		}
	}
}

func (e *Engine) sweepRetries(ctx context.Context) {
	now := e.clock.Now().UTC()
	due, err := e.store.ListAlertsDueForRetry(now)
	if err != nil {
		e.log.Error("list retry-due alerts", "error", err)
		return
	}
	for _, alert := range due {
		e.retryAlert(ctx, alert, now)
	}
}

func (e *Engine) retryAlert(ctx context.Context, alert store.Alert, now time.Time) {
	rule, err := e.store.GetAlertRule(alert.RuleID)
	if err != nil || !rule.Enabled {
		alert.NextRetryAt = nil
		e.updateQuiet(alert)
		return
	}

	// Blackouts hold the retry without burning an attempt.
	if InBlackout(rule.Blackouts, now) {
		next := now.Add(retrySweep)
		alert.NextRetryAt = &next
		e.updateQuiet(alert)
		return
	}

	event := notify.Event{
		Kind:      string(alert.Kind),
		Severity:  alert.Severity,
		HostName:  e.hostName(alert),
		Container: entityOf(alert),
		Message:   alert.Message,
		Timestamp: now,
	}
	err = e.dispatcher.Dispatch(ctx, rule.NotifyChannels, event)

	alert.NotifyAttempts++
	alert.LastNotifyAttemptAt = &now

	switch {
	case err == nil:
		alert.NextRetryAt = nil
		e.mu.Lock()
		e.lastNotified[rule.ID+"|"+entityOf(alert)] = now
		e.mu.Unlock()
		e.log.Info("notification retry succeeded",
			"alert", alert.ID, "attempts", alert.NotifyAttempts)
	case !notify.IsTransient(err) || alert.NotifyAttempts >= maxRetryCount:
		alert.NextRetryAt = nil
		e.log.Warn("giving up on notification",
			"alert", alert.ID, "attempts", alert.NotifyAttempts, "error", err)
	default:
		next := now.Add(retryBackoff(alert.NotifyAttempts, alert.ID))
		alert.NextRetryAt = &next
	}
	e.updateQuiet(alert)
}

func (e *Engine) updateQuiet(alert store.Alert) {
	if err := e.store.UpdateAlert(alert); err != nil {
		e.log.Error("update alert", "alert", alert.ID, "error", err)
	}
}
