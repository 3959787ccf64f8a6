// Package reflex fires local condition-indexed rules against events without
// involving the reasoning layer.
package reflex

import (
	"context"
	"reflect"
	"sync"

	wildcard "github.com/IGLOU-EU/go-wildcard/v2"
	"github.com/rs/zerolog/log"

	"github.com/haven-home/haven/internal/metrics"
	"github.com/haven-home/haven/internal/triage"
)

// Trigger selects the events (or automations) a rule reacts to. Empty fields
// match anything; DeviceID and EventType accept '*' wildcards. A rule with
// AutomationID set only fires through HandleAutomation.
type Trigger struct {
	DeviceID     string         `json:"deviceId,omitempty"`
	EventType    string         `json:"eventType,omitempty"`
	AutomationID string         `json:"automationId,omitempty"`
	Condition    map[string]any `json:"condition,omitempty"`
}

// Action is the command a firing rule issues via the normal dispatch path.
type Action struct {
	DeviceID string         `json:"deviceId"`
	Property string         `json:"property,omitempty"`
	Command  string         `json:"command"`
	Params   map[string]any `json:"params,omitempty"`
}

// Rule is one local reflex.
type Rule struct {
	ID      string  `json:"id"`
	Trigger Trigger `json:"trigger"`
	Action  Action  `json:"action"`
	Reason  string  `json:"reason,omitempty"`
	Enabled bool    `json:"enabled"`
}

// DispatchFunc issues a rule's action through the normal command path.
type DispatchFunc func(ctx context.Context, action Action) error

// Matcher walks enabled rules against each event. Rule swaps may race event
// delivery, so reads take a snapshot under the lock.
type Matcher struct {
	dispatch DispatchFunc

	mu    sync.RWMutex
	rules []Rule
}

// New builds a matcher over an initial rule set.
func New(dispatch DispatchFunc, rules []Rule) *Matcher {
	return &Matcher{dispatch: dispatch, rules: append([]Rule(nil), rules...)}
}

// SetRules replaces the rule set.
func (m *Matcher) SetRules(rules []Rule) {
	fresh := append([]Rule(nil), rules...)
	m.mu.Lock()
	m.rules = fresh
	m.mu.Unlock()
}

// snapshot returns the current rule slice. SetRules always installs a fresh
// backing array, so callers may iterate without holding the lock.
func (m *Matcher) snapshot() []Rule {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rules
}

// HandleEvent fires the first matching enabled rule. A dispatch failure is
// logged and does not inhibit later rules from being tried.
func (m *Matcher) HandleEvent(ctx context.Context, ev triage.Event) {
	rules := m.snapshot()
	for i := range rules {
		rule := &rules[i]
		if !rule.Enabled || rule.Trigger.AutomationID != "" {
			continue
		}
		if !triggerMatches(&rule.Trigger, ev) {
			continue
		}
		if m.fire(ctx, rule) {
			return
		}
	}
}

// HandleAutomation fires rules whose trigger references an automation id,
// used by scheduled automations.
func (m *Matcher) HandleAutomation(ctx context.Context, automationID string) {
	rules := m.snapshot()
	for i := range rules {
		rule := &rules[i]
		if !rule.Enabled || rule.Trigger.AutomationID != automationID {
			continue
		}
		if m.fire(ctx, rule) {
			return
		}
	}
}

// fire dispatches the rule's action and reports whether it succeeded.
func (m *Matcher) fire(ctx context.Context, rule *Rule) bool {
	err := m.dispatch(ctx, rule.Action)
	if err != nil {
		metrics.ReflexFiringsTotal.WithLabelValues("error").Inc()
		log.Warn().
			Err(err).
			Str("ruleId", rule.ID).
			Str("deviceId", rule.Action.DeviceID).
			Str("command", rule.Action.Command).
			Msg("Reflex rule dispatch failed")
		return false
	}
	metrics.ReflexFiringsTotal.WithLabelValues("ok").Inc()
	log.Info().
		Str("ruleId", rule.ID).
		Str("deviceId", rule.Action.DeviceID).
		Str("command", rule.Action.Command).
		Str("reason", rule.Reason).
		Msg("Reflex rule fired")
	return true
}

func triggerMatches(trigger *Trigger, ev triage.Event) bool {
	if trigger.DeviceID != "" && !wildcard.Match(trigger.DeviceID, ev.DeviceID) {
		return false
	}
	if trigger.EventType != "" && !wildcard.Match(trigger.EventType, ev.EventType) {
		return false
	}
	// Condition values must equal the corresponding event-data values;
	// condition keys absent from the event data are skipped.
	for key, want := range trigger.Condition {
		got, present := ev.Data[key]
		if !present {
			continue
		}
		if !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}
