// Package triage sits between raw adapter events and the downstream
// reasoning queue. Every event is assigned a lane: immediate events go
// straight through, batched events aggregate per device, silent events stop
// here.
package triage

import (
	"sync"
	"time"

	wildcard "github.com/IGLOU-EU/go-wildcard/v2"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/haven-home/haven/internal/metrics"
)

// Lane is the classifier's output.
type Lane string

const (
	LaneImmediate Lane = "immediate"
	LaneBatched   Lane = "batched"
	LaneSilent    Lane = "silent"
)

// Specificity weights for rule matching, highest wins.
const (
	weightDeviceID     = 8
	weightEventType    = 4
	weightDeviceDomain = 2
	weightArea         = 1
)

// Event is one raw event emitted by a handle, normalized for triage.
type Event struct {
	ID           string         `json:"id"`
	DeviceID     string         `json:"deviceId"`
	SpaceID      string         `json:"spaceId,omitempty"`
	EventType    string         `json:"eventType"`
	DeviceDomain string         `json:"deviceDomain,omitempty"`
	Area         string         `json:"area,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
	Delta        float64        `json:"delta,omitempty"`
	HasDelta     bool           `json:"-"`
	Timestamp    time.Time      `json:"timestamp"`
}

// Rule is one configured triage rule. Empty fields match anything; DeviceID
// and EventType accept '*' wildcards.
type Rule struct {
	ID             string   `json:"id"`
	DeviceID       string   `json:"deviceId,omitempty"`
	EventType      string   `json:"eventType,omitempty"`
	DeviceDomain   string   `json:"deviceDomain,omitempty"`
	Area           string   `json:"area,omitempty"`
	Lane           Lane     `json:"lane"`
	DeltaThreshold *float64 `json:"deltaThreshold,omitempty"`
	Enabled        bool     `json:"enabled"`
}

func (r *Rule) matches(ev Event) (score int, ok bool) {
	if r.DeviceID != "" {
		if !wildcard.Match(r.DeviceID, ev.DeviceID) {
			return 0, false
		}
		score += weightDeviceID
	}
	if r.EventType != "" {
		if !wildcard.Match(r.EventType, ev.EventType) {
			return 0, false
		}
		score += weightEventType
	}
	if r.DeviceDomain != "" {
		if r.DeviceDomain != ev.DeviceDomain {
			return 0, false
		}
		score += weightDeviceDomain
	}
	if r.Area != "" {
		if r.Area != ev.Area {
			return 0, false
		}
		score += weightArea
	}
	return score, true
}

// Aggregate is the synthetic event produced by draining one device's batch
// buffer.
type Aggregate struct {
	DeviceID  string         `json:"deviceId"`
	Count     int            `json:"count"`
	FirstSeen time.Time      `json:"firstSeen"`
	LastSeen  time.Time      `json:"lastSeen"`
	LastData  map[string]any `json:"lastData,omitempty"`
	MinDelta  float64        `json:"minDelta"`
	MaxDelta  float64        `json:"maxDelta"`
	AvgDelta  float64        `json:"avgDelta"`
}

// ImmediateFunc delivers one immediate-lane event to the reasoning queue.
type ImmediateFunc func(Event)

// FlushFunc delivers one drained batch, all devices in a single flush.
type FlushFunc func([]Aggregate)

type echoEntry struct {
	deadline time.Time
}

type batch struct {
	events    []Event
	holdUntil time.Time
}

// Options tune the classifier.
type Options struct {
	EchoWindow time.Duration // grace period for command echoes
	BatchHold  time.Duration // per-device batching window
	DeltaFloor float64       // default small-delta cutoff when no rule matches
}

func (o Options) withDefaults() Options {
	if o.EchoWindow <= 0 {
		o.EchoWindow = 5 * time.Second
	}
	if o.BatchHold <= 0 {
		o.BatchHold = 30 * time.Second
	}
	if o.DeltaFloor <= 0 {
		o.DeltaFloor = 1.0
	}
	return o
}

// Classifier assigns lanes and buffers batched events.
type Classifier struct {
	opts      Options
	immediate ImmediateFunc
	flush     FlushFunc
	now       func() time.Time

	mu      sync.Mutex
	rules   []Rule
	echoes  map[string]echoEntry
	batches map[string]*batch
}

// New builds a classifier delivering immediate events through immediate and
// drained batches through flush.
func New(opts Options, immediate ImmediateFunc, flush FlushFunc) *Classifier {
	return &Classifier{
		opts:      opts.withDefaults(),
		immediate: immediate,
		flush:     flush,
		now:       time.Now,
		echoes:    make(map[string]echoEntry),
		batches:   make(map[string]*batch),
	}
}

// SetRules replaces the configured rule set. Order is preserved for tie
// breaking: among equally specific matches the earliest rule wins.
func (c *Classifier) SetRules(rules []Rule) {
	c.mu.Lock()
	c.rules = append([]Rule(nil), rules...)
	c.mu.Unlock()
}

// ExpectEcho arms command-echo suppression for a device. Called by the
// supervisor just before each execute dispatch.
func (c *Classifier) ExpectEcho(deviceID, commandName string) {
	c.mu.Lock()
	c.echoes[echoKey(deviceID, commandName)] = echoEntry{deadline: c.now().Add(c.opts.EchoWindow)}
	c.mu.Unlock()
}

func echoKey(deviceID, commandName string) string {
	return deviceID + "\x00" + commandName
}

// NewEventID mints a ULID for one event.
func NewEventID() string {
	return ulid.Make().String()
}

// Process classifies one event and routes it to its lane. Silent events are
// dropped, immediate events delivered at once, batched events buffered per
// device until their hold elapses.
func (c *Classifier) Process(ev Event) Lane {
	if ev.ID == "" {
		ev.ID = NewEventID()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = c.now()
	}

	lane := c.classify(ev)
	metrics.EventsTotal.WithLabelValues(string(lane)).Inc()

	switch lane {
	case LaneImmediate:
		if c.immediate != nil {
			c.immediate(ev)
		}
	case LaneBatched:
		c.buffer(ev)
	case LaneSilent:
		// dropped
	}
	return lane
}

// classify runs the algorithm in order: echo suppression, rule match,
// default classification.
func (c *Classifier) classify(ev Event) Lane {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()

	// 1. Command-echo suppression: a state change matching a just-issued
	// command is self-caused. The entry is consumed so only the first echo
	// is silenced.
	key := echoKey(ev.DeviceID, ev.EventType)
	if echo, ok := c.echoes[key]; ok {
		delete(c.echoes, key)
		if now.Before(echo.deadline) {
			log.Debug().Str("deviceId", ev.DeviceID).Str("eventType", ev.EventType).Msg("Command echo suppressed")
			return LaneSilent
		}
	}

	// 2. First match among enabled rules, highest specificity wins, ties by
	// insertion order.
	bestScore := -1
	var bestRule *Rule
	for i := range c.rules {
		rule := &c.rules[i]
		if !rule.Enabled {
			continue
		}
		score, ok := rule.matches(ev)
		if !ok {
			continue
		}
		if score > bestScore {
			bestScore = score
			bestRule = rule
		}
	}
	if bestRule != nil {
		if bestRule.DeltaThreshold != nil && ev.HasDelta && abs(ev.Delta) < *bestRule.DeltaThreshold {
			return LaneSilent
		}
		return bestRule.Lane
	}

	// 3. Defaults.
	switch ev.EventType {
	case "motion", "contact", "lock", "access", "occupancy":
		return LaneImmediate
	case "heartbeat":
		return LaneSilent
	}
	if ev.HasDelta && abs(ev.Delta) < c.opts.DeltaFloor {
		return LaneSilent
	}
	return LaneBatched
}

func (c *Classifier) buffer(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.batches[ev.DeviceID]
	if !ok {
		b = &batch{holdUntil: c.now().Add(c.opts.BatchHold)}
		c.batches[ev.DeviceID] = b
	}
	b.events = append(b.events, ev)
}

// Tick drains every device whose hold has elapsed, delivering all aggregates
// in one flush.
func (c *Classifier) Tick() {
	now := c.now()

	c.mu.Lock()
	var aggregates []Aggregate
	for deviceID, b := range c.batches {
		if now.Before(b.holdUntil) {
			continue
		}
		delete(c.batches, deviceID)
		aggregates = append(aggregates, aggregate(deviceID, b.events))
	}
	// Expired echoes that never saw their state change get cleaned up here
	// too.
	for key, echo := range c.echoes {
		if now.After(echo.deadline) {
			delete(c.echoes, key)
		}
	}
	c.mu.Unlock()

	if len(aggregates) > 0 && c.flush != nil {
		c.flush(aggregates)
	}
}

// Run ticks the batch drain until ctx is done. The tick period is a third of
// the hold so drains land close to their deadline.
func (c *Classifier) Run(stop <-chan struct{}) {
	interval := c.opts.BatchHold / 3
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.Tick()
		}
	}
}

func aggregate(deviceID string, events []Event) Aggregate {
	agg := Aggregate{DeviceID: deviceID, Count: len(events)}
	if len(events) == 0 {
		return agg
	}
	agg.FirstSeen = events[0].Timestamp
	agg.LastSeen = events[len(events)-1].Timestamp
	agg.LastData = events[len(events)-1].Data

	var sum float64
	deltas := 0
	for _, ev := range events {
		if !ev.HasDelta {
			continue
		}
		if deltas == 0 || ev.Delta < agg.MinDelta {
			agg.MinDelta = ev.Delta
		}
		if deltas == 0 || ev.Delta > agg.MaxDelta {
			agg.MaxDelta = ev.Delta
		}
		sum += ev.Delta
		deltas++
	}
	if deltas > 0 {
		agg.AvgDelta = sum / float64(deltas)
	}
	return agg
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
