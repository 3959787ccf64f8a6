package main

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/haven-home/haven/internal/adapter"
	"github.com/haven-home/haven/internal/config"
	"github.com/haven-home/haven/internal/models"
	"github.com/haven-home/haven/internal/reflex"
	"github.com/haven-home/haven/internal/spaces"
	"github.com/haven-home/haven/internal/supervisor"
	"github.com/haven-home/haven/internal/triage"
	"github.com/haven-home/haven/internal/websocket"
)

// eventPipeline connects handle state changes to the reflex matcher, the
// triage classifier, and the WebSocket stream. Device ids follow the
// "adapterId/entityId" convention.
type eventPipeline struct {
	spaces     *spaces.Registry
	hub        *websocket.Hub
	classifier *triage.Classifier
	reflexes   *reflex.Matcher
	sup        *supervisor.Supervisor
}

func newEventPipeline(cfg *config.Config, reg *spaces.Registry, hub *websocket.Hub) *eventPipeline {
	p := &eventPipeline{
		spaces: reg,
		hub:    hub,
	}
	p.classifier = triage.New(triage.Options{
		EchoWindow: cfg.EchoWindow,
		BatchHold:  cfg.BatchHold,
	}, p.deliverImmediate, p.deliverFlush)
	p.reflexes = reflex.New(p.dispatchReflex, nil)
	return p
}

// bind attaches the supervisor after construction; the supervisor's callbacks
// reference the pipeline, so the two are built in sequence.
func (p *eventPipeline) bind(sup *supervisor.Supervisor) {
	p.sup = sup
}

// deviceDomain is the adapter type of the event's source, looked up live so
// adapters started after boot are covered too.
func (p *eventPipeline) deviceDomain(adapterID string) string {
	if p.sup == nil {
		return ""
	}
	if domain, ok := p.sup.AdapterType(adapterID); ok {
		return domain
	}
	return ""
}

func (p *eventPipeline) handleRegistration(adapterID string, entities []models.EntityRegistration, groups []models.EntityGroup) {
	p.spaces.ApplyEntityRegistrations(adapterID, entities)
	log.Debug().
		Str("adapterId", adapterID).
		Int("entities", len(entities)).
		Int("groups", len(groups)).
		Msg("Entity registrations applied")
}

// handleStateChange normalizes one unsolicited state change into a triage
// event, offers it to the reflex layer, then classifies it.
func (p *eventPipeline) handleStateChange(sc adapter.StateChange) {
	ev := triage.Event{
		ID:           triage.NewEventID(),
		DeviceID:     sc.AdapterID + "/" + sc.EntityID,
		EventType:    string(sc.Property),
		DeviceDomain: p.deviceDomain(sc.AdapterID),
		Timestamp:    time.Now(),
	}
	if _, spaceID, ok := p.spaces.FindSource(sc.AdapterID, sc.EntityID); ok {
		ev.SpaceID = spaceID
		ev.Area = spaceID
	}
	if data := decodeStateMap(sc.State); data != nil {
		ev.Data = data
	}
	if delta, ok := computeDelta(sc.State, sc.PreviousState); ok {
		ev.Delta = delta
		ev.HasDelta = true
	}

	ctx, cancel := context.WithTimeout(context.Background(), adapter.ExecuteBudget)
	p.reflexes.HandleEvent(ctx, ev)
	cancel()

	p.classifier.Process(ev)
}

// handleExecute arms echo suppression just before a command leaves for the
// child, so the resulting state change is not mistaken for an external one.
func (p *eventPipeline) handleExecute(adapterID, entityID string, property models.Property, command map[string]any) {
	p.classifier.ExpectEcho(adapterID+"/"+entityID, string(property))
}

func (p *eventPipeline) deliverImmediate(ev triage.Event) {
	p.hub.BroadcastEvent(ev)
}

func (p *eventPipeline) deliverFlush(aggregates []triage.Aggregate) {
	p.hub.BroadcastBatch(aggregates)
}

// dispatchReflex routes a firing rule's action back through the supervisor's
// normal execute path.
func (p *eventPipeline) dispatchReflex(ctx context.Context, action reflex.Action) error {
	adapterID, entityID, ok := strings.Cut(action.DeviceID, "/")
	if !ok {
		log.Warn().Str("deviceId", action.DeviceID).Msg("Reflex action has malformed device id")
		return nil
	}
	command := make(map[string]any, len(action.Params)+1)
	for k, v := range action.Params {
		command[k] = v
	}
	if action.Command != "" {
		if _, exists := command[action.Command]; !exists {
			command[action.Command] = true
		}
	}
	return p.sup.Execute(ctx, adapterID, entityID, models.Property(action.Property), command)
}

// decodeStateMap exposes object-shaped states to condition matching. Scalar
// states are wrapped under "value".
func decodeStateMap(state json.RawMessage) map[string]any {
	if len(state) == 0 {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal(state, &obj); err == nil {
		return obj
	}
	var scalar any
	if err := json.Unmarshal(state, &scalar); err == nil {
		return map[string]any{"value": scalar}
	}
	return nil
}

// computeDelta derives a numeric delta from a state transition when both
// sides carry a number, either bare or under a "value" key.
func computeDelta(state, previous json.RawMessage) (float64, bool) {
	cur, ok := numericState(state)
	if !ok {
		return 0, false
	}
	prev, ok := numericState(previous)
	if !ok {
		return 0, false
	}
	return cur - prev, true
}

func numericState(state json.RawMessage) (float64, bool) {
	if len(state) == 0 {
		return 0, false
	}
	var n float64
	if err := json.Unmarshal(state, &n); err == nil {
		return n, true
	}
	var obj map[string]any
	if err := json.Unmarshal(state, &obj); err == nil {
		if v, ok := obj["value"].(float64); ok {
			return v, true
		}
	}
	return 0, false
}
