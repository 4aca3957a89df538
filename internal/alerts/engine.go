// Package alerts evaluates alert rules against the event stream and
// drives notification dispatch with cooldowns, blackout windows, and a
// retry loop for failed deliveries.
package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/darthnorse/dockmon/internal/clock"
	"github.com/darthnorse/dockmon/internal/events"
	"github.com/darthnorse/dockmon/internal/keys"
	"github.com/darthnorse/dockmon/internal/logging"
	"github.com/darthnorse/dockmon/internal/metrics"
	"github.com/darthnorse/dockmon/internal/notify"
	"github.com/darthnorse/dockmon/internal/pipeline"
	"github.com/darthnorse/dockmon/internal/store"
)

// stoppedStates are container states treated as "stopped" when a rule
// has no explicit trigger_states filter.
var stoppedStates = map[string]bool{"exited": true, "dead": true}

// Dispatcher delivers a notification event to a set of channel
// references. Satisfied by *notify.Dispatcher.
type Dispatcher interface {
	Dispatch(ctx context.Context, refs []store.ChannelRef, event notify.Event) error
}

// Engine evaluates rules and manages alert instances.
type Engine struct {
	store      *store.Store
	bus        *events.Bus
	dispatcher Dispatcher
	log        *logging.Logger
	clock      clock.Clock

	mu           sync.Mutex
	rules        []store.AlertRule
	lastNotified map[string]time.Time // rule_id|entity -> last successful dispatch
	restarts     map[string][]time.Time
}

// NewEngine creates an Engine and loads the enabled rules.
func NewEngine(st *store.Store, bus *events.Bus, d Dispatcher, log *logging.Logger, clk clock.Clock) *Engine {
	e := &Engine{
		store:        st,
		bus:          bus,
		dispatcher:   d,
		log:          log,
		clock:        clk,
		lastNotified: make(map[string]time.Time),
		restarts:     make(map[string][]time.Time),
	}
	e.ReloadRules()
	return e
}

// ReloadRules refreshes the cached rule set from the store.
func (e *Engine) ReloadRules() {
	rules, err := e.store.ListAlertRules(true)
	if err != nil {
		e.log.Error("load alert rules", "error", err)
		return
	}
	e.mu.Lock()
	e.rules = rules
	e.mu.Unlock()
}

// DedupKey builds the identity under which at most one alert may be
// open. Container-level kinds carry the entity composite key; host and
// global level kinds leave it empty.
func DedupKey(kind store.AlertKind, scope store.Scope, entity string) string {
	switch kind {
	case store.KindHostOffline, store.KindCPUHigh, store.KindMemoryHigh, store.KindDiskHigh:
		entity = ""
	}
	return fmt.Sprintf("%s|%s:%s|%s", kind, scope.Type, scope.ID, entity)
}

// Run consumes the event bus until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	ch, cancel := e.bus.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			e.log.Info("alert engine stopped")
			return nil
		case evt, ok := <-ch:
			if !ok {
				return nil
			}
			e.handle(ctx, evt)
		}
	}
}

func (e *Engine) handle(ctx context.Context, evt events.Event) {
	switch evt.Type {
	case events.TypeContainerSnapshot:
		var snap pipeline.Snapshot
		if json.Unmarshal(evt.Data, &snap) != nil {
			return
		}
		e.evalSnapshot(ctx, snap)
	case events.TypeContainerEvent:
		var payload struct {
			CompositeKey string `json:"composite_key"`
			Action       string `json:"action"`
			Name         string `json:"name"`
		}
		if json.Unmarshal(evt.Data, &payload) != nil {
			return
		}
		e.evalContainerEvent(ctx, evt.HostID, payload.CompositeKey, payload.Action, payload.Name)
	case events.TypeContainerHealth:
		var payload struct {
			CompositeKey string `json:"composite_key"`
			Status       string `json:"status"`
			Name         string `json:"name"`
		}
		if json.Unmarshal(evt.Data, &payload) != nil {
			return
		}
		e.evalHealth(ctx, evt.HostID, payload.CompositeKey, payload.Status, payload.Name)
	case events.TypeHostOffline:
		var payload struct {
			Reason string `json:"reason"`
		}
		_ = json.Unmarshal(evt.Data, &payload)
		e.evalHostOffline(ctx, evt.HostID, payload.Reason)
	case events.TypeHostConnected:
		e.resolveKind(store.KindHostOffline, evt.HostID, "")
	case events.TypeHostStats:
		var sample struct {
			HostID        string  `json:"host_id"`
			CPUPercent    float64 `json:"cpu_percent"`
			MemoryPercent float64 `json:"memory_percent"`
			DiskPercent   float64 `json:"disk_percent"`
		}
		if json.Unmarshal(evt.Data, &sample) != nil {
			return
		}
		e.evalMetric(ctx, store.KindCPUHigh, sample.HostID, sample.CPUPercent)
		e.evalMetric(ctx, store.KindMemoryHigh, sample.HostID, sample.MemoryPercent)
		e.evalMetric(ctx, store.KindDiskHigh, sample.HostID, sample.DiskPercent)
	case events.TypeUpdateAvailable:
		var payload struct {
			CompositeKey string `json:"composite_key"`
			Name         string `json:"name"`
			LatestImage  string `json:"latest_image"`
		}
		if json.Unmarshal(evt.Data, &payload) != nil {
			return
		}
		msg := fmt.Sprintf("update available: %s", payload.LatestImage)
		e.trigger(ctx, store.KindUpdateAvailable, evt.HostID, payload.CompositeKey, payload.Name, nil, msg)
	}
}

// evalSnapshot handles stopped-container rules and their recovery.
func (e *Engine) evalSnapshot(ctx context.Context, snap pipeline.Snapshot) {
	if snap.State == "running" {
		e.resolveKind(store.KindContainerStopped, snap.HostID, snap.CompositeKey)
		return
	}

	for _, rule := range e.rulesOfKind(store.KindContainerStopped) {
		if len(rule.TriggerStates) > 0 {
			if !contains(rule.TriggerStates, snap.State) {
				continue
			}
		} else if !stoppedStates[snap.State] {
			continue
		}
		if !e.scopeMatches(rule, snap.HostID, snap.CompositeKey, snap.DerivedTags) {
			continue
		}
		msg := fmt.Sprintf("container %s is %s (%s)", snap.Name, snap.State, snap.StatusText)
		e.open(ctx, rule, snap.HostID, snap.CompositeKey, snap.Name, msg)
	}
}

// evalContainerEvent handles event-triggered rules and the restart-loop
// detector.
func (e *Engine) evalContainerEvent(ctx context.Context, hostID, ck, action, name string) {
	for _, rule := range e.rulesOfKind(store.KindContainerStopped) {
		if len(rule.TriggerEvents) == 0 || !contains(rule.TriggerEvents, action) {
			continue
		}
		if !e.scopeMatches(rule, hostID, ck, nil) {
			continue
		}
		msg := fmt.Sprintf("container %s: %s", name, action)
		e.open(ctx, rule, hostID, ck, name, msg)
	}

	if action == "restart" || action == "start" {
		e.trackRestart(ctx, hostID, ck, name)
	}
}

// trackRestart maintains a per-container restart history and fires
// restart_loop rules when the count inside the rule's window exceeds the
// threshold.
func (e *Engine) trackRestart(ctx context.Context, hostID, ck, name string) {
	now := e.clock.Now()

	e.mu.Lock()
	hist := append(e.restarts[ck], now)
	// Bound history to the largest plausible window.
	cutoff := now.Add(-time.Hour)
	for len(hist) > 0 && hist[0].Before(cutoff) {
		hist = hist[1:]
	}
	e.restarts[ck] = hist
	e.mu.Unlock()

	for _, rule := range e.rulesOfKind(store.KindRestartLoop) {
		if !e.scopeMatches(rule, hostID, ck, nil) {
			continue
		}
		window := rule.Predicate.Window
		if window <= 0 {
			window = 10 * time.Minute
		}
		threshold := int(rule.Predicate.Threshold)
		if threshold <= 0 {
			threshold = 3
		}
		count := 0
		for _, ts := range hist {
			if now.Sub(ts) <= window {
				count++
			}
		}
		if count >= threshold {
			msg := fmt.Sprintf("container %s restarted %d times in %s", name, count, window)
			e.open(ctx, rule, hostID, ck, name, msg)
		}
	}
}

func (e *Engine) evalHealth(ctx context.Context, hostID, ck, status, name string) {
	if status == string(store.HealthHealthy) {
		e.resolveKind(store.KindContainerUnhealthy, hostID, ck)
		return
	}
	if status != string(store.HealthUnhealthy) {
		return
	}
	for _, rule := range e.rulesOfKind(store.KindContainerUnhealthy) {
		if !e.scopeMatches(rule, hostID, ck, nil) {
			continue
		}
		msg := fmt.Sprintf("container %s is unhealthy", name)
		e.open(ctx, rule, hostID, ck, name, msg)
	}
}

func (e *Engine) evalHostOffline(ctx context.Context, hostID, reason string) {
	for _, rule := range e.rulesOfKind(store.KindHostOffline) {
		if !e.scopeMatches(rule, hostID, "", nil) {
			continue
		}
		msg := fmt.Sprintf("host offline: %s", reason)
		e.open(ctx, rule, hostID, "", hostID, msg)
	}
}

// evalMetric compares a host metric sample against threshold rules of
// the given kind, opening on breach and resolving on recovery.
func (e *Engine) evalMetric(ctx context.Context, kind store.AlertKind, hostID string, value float64) {
	for _, rule := range e.rulesOfKind(kind) {
		if !e.scopeMatches(rule, hostID, "", nil) {
			continue
		}
		if predicateHolds(rule.Predicate, value) {
			msg := fmt.Sprintf("%s at %.1f%% (threshold %s %.1f)", kind, value, rule.Predicate.Operator, rule.Predicate.Threshold)
			e.open(ctx, rule, hostID, "", hostID, msg)
		} else {
			e.resolveRule(rule, hostID, "")
		}
	}
}

func predicateHolds(p store.Predicate, value float64) bool {
	switch p.Operator {
	case "<=":
		return value <= p.Threshold
	case "==":
		return value == p.Threshold
	default: // ">=" is the default for high-watermark kinds
		return value >= p.Threshold
	}
}

// trigger opens an alert on every matching rule of the given kind.
func (e *Engine) trigger(ctx context.Context, kind store.AlertKind, hostID, ck, name string, tags []string, msg string) {
	for _, rule := range e.rulesOfKind(kind) {
		if !e.scopeMatches(rule, hostID, ck, tags) {
			continue
		}
		e.open(ctx, rule, hostID, ck, name, msg)
	}
}

func (e *Engine) rulesOfKind(kind store.AlertKind) []store.AlertRule {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []store.AlertRule
	for _, r := range e.rules {
		if r.Kind == kind {
			out = append(out, r)
		}
	}
	return out
}

// scopeMatches applies the rule scope. Tag scope intersects the rule's
// tag with the container's effective tags (derived tags unioned with
// stored assignments).
func (e *Engine) scopeMatches(rule store.AlertRule, hostID, ck string, derivedTags []string) bool {
	switch rule.Scope.Type {
	case store.ScopeGlobal, "":
		return true
	case store.ScopeHost:
		return rule.Scope.ID == hostID
	case store.ScopeContainer:
		return rule.Scope.ID == ck
	case store.ScopeTag:
		if contains(derivedTags, rule.Scope.ID) {
			return true
		}
		if ck == "" {
			return false
		}
		assignments, err := e.store.AssignmentsForSubject(store.SubjectContainer, ck)
		if err != nil {
			return false
		}
		for _, a := range assignments {
			if a.TagID == rule.Scope.ID {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// open creates (or refreshes) the alert instance for a rule+entity and
// dispatches notifications subject to blackout and cooldown.
func (e *Engine) open(ctx context.Context, rule store.AlertRule, hostID, entity, name, msg string) {
	now := e.clock.Now().UTC()
	alert := store.Alert{
		ID:        uuid.NewString(),
		DedupKey:  DedupKey(rule.Kind, rule.Scope, entity),
		RuleID:    rule.ID,
		Scope:     rule.Scope,
		Kind:      rule.Kind,
		Severity:  rule.Severity,
		State:     store.AlertOpen,
		Message:   msg,
		FirstSeen: now,
		LastSeen:  now,
	}

	stored, created, err := e.store.OpenAlert(alert)
	if err != nil {
		e.log.Error("open alert", "rule", rule.ID, "error", err)
		return
	}
	if !created {
		return // already open, LastSeen refreshed
	}

	e.bus.PublishData(events.TypeAlertOpened, hostID, entity, stored)
	e.refreshOpenGauge()

	if InBlackout(rule.Blackouts, now) {
		stored.SuppressedByBlackout = true
		if err := e.store.UpdateAlert(stored); err != nil {
			e.log.Error("mark blackout", "alert", stored.ID, "error", err)
		}
		e.log.Info("alert suppressed by blackout", "rule", rule.ID, "entity", entity)
		return
	}

	cooldownKey := rule.ID + "|" + entity
	e.mu.Lock()
	last, seen := e.lastNotified[cooldownKey]
	e.mu.Unlock()
	if seen && rule.CooldownMinutes > 0 && now.Sub(last) < time.Duration(rule.CooldownMinutes)*time.Minute {
		e.log.Debug("alert in cooldown", "rule", rule.ID, "entity", entity)
		return
	}

	e.dispatch(ctx, rule, stored, name)
}

// dispatch performs the first notification attempt for a new alert.
func (e *Engine) dispatch(ctx context.Context, rule store.AlertRule, alert store.Alert, name string) {
	now := e.clock.Now().UTC()
	event := notify.Event{
		Kind:      string(alert.Kind),
		Severity:  alert.Severity,
		HostName:  e.hostName(alert),
		Container: name,
		Message:   alert.Message,
		Timestamp: now,
	}

	err := e.dispatcher.Dispatch(ctx, rule.NotifyChannels, event)
	alert.LastNotifyAttemptAt = &now
	alert.NotifyAttempts = 1

	if err == nil {
		alert.NextRetryAt = nil
		e.mu.Lock()
		e.lastNotified[rule.ID+"|"+entityOf(alert)] = now
		e.mu.Unlock()
	} else if notify.IsTransient(err) {
		next := now.Add(retryBackoff(1, alert.ID))
		alert.NextRetryAt = &next
	}
	// Permanent failures get no retry schedule.

	if err := e.store.UpdateAlert(alert); err != nil {
		e.log.Error("record notify attempt", "alert", alert.ID, "error", err)
	}
}

// resolveKind resolves the open alert for every rule of a kind matching
// the entity, publishing alert_resolved for each.
func (e *Engine) resolveKind(kind store.AlertKind, hostID, entity string) {
	for _, rule := range e.rulesOfKind(kind) {
		e.resolveRule(rule, hostID, entity)
	}
}

func (e *Engine) resolveRule(rule store.AlertRule, hostID, entity string) {
	dedup := DedupKey(rule.Kind, rule.Scope, entity)
	alert, err := e.store.GetOpenAlertByDedup(dedup)
	if err != nil || alert == nil {
		return
	}
	if err := e.store.ResolveAlert(alert.ID); err != nil {
		e.log.Error("resolve alert", "alert", alert.ID, "error", err)
		return
	}
	e.bus.PublishData(events.TypeAlertResolved, hostID, entity, alert)
	e.refreshOpenGauge()
	e.log.Info("alert resolved", "kind", string(rule.Kind), "entity", entity)
}

func (e *Engine) hostName(alert store.Alert) string {
	hostID := keys.HostOf(entityOf(alert))
	if hostID == "" {
		hostID = alert.Scope.ID
	}
	if h, err := e.store.GetHost(hostID); err == nil {
		return h.Name
	}
	return hostID
}

func entityOf(alert store.Alert) string {
	i := len(alert.DedupKey) - 1
	for i >= 0 && alert.DedupKey[i] != '|' {
		i--
	}
	if i < 0 {
		return ""
	}
	return alert.DedupKey[i+1:]
}

func (e *Engine) refreshOpenGauge() {
	open, err := e.store.ListAlerts(store.AlertOpen)
	if err != nil {
		return
	}
	metrics.AlertsOpen.Set(float64(len(open)))
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
