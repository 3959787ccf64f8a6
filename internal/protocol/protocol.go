// Package protocol defines the line-delimited JSON protocol spoken between
// the daemon and an adapter child process. Each direction is a stream of one
// JSON object per line, UTF-8, newline-terminated, tagged by "type".
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/haven-home/haven/internal/models"
)

// Version is the protocol version the daemon speaks. A child that reports a
// different version on init must emit an error message and exit.
const Version = 1

// MessageType tags every protocol message.
type MessageType string

// Parent -> child message kinds.
const (
	TypeInit     MessageType = "init"
	TypeObserve  MessageType = "observe"
	TypeExecute  MessageType = "execute"
	TypeQuery    MessageType = "query"
	TypePing     MessageType = "ping"
	TypeDiscover MessageType = "discover"
	TypePair     MessageType = "pair"
	TypeShutdown MessageType = "shutdown"
)

// Child -> parent message kinds.
const (
	TypeReady          MessageType = "ready"
	TypeObserveResult  MessageType = "observe_result"
	TypeExecuteResult  MessageType = "execute_result"
	TypeQueryResult    MessageType = "query_result"
	TypePong           MessageType = "pong"
	TypeDiscoverResult MessageType = "discover_result"
	TypePairResult     MessageType = "pair_result"
	TypeStateChanged   MessageType = "state_changed"
	TypeError          MessageType = "error"
	TypeLog            MessageType = "log"
)

var knownTypes = map[MessageType]bool{
	TypeInit: true, TypeObserve: true, TypeExecute: true, TypeQuery: true,
	TypePing: true, TypeDiscover: true, TypePair: true, TypeShutdown: true,
	TypeReady: true, TypeObserveResult: true, TypeExecuteResult: true,
	TypeQueryResult: true, TypePong: true, TypeDiscoverResult: true,
	TypePairResult: true, TypeStateChanged: true, TypeError: true, TypeLog: true,
}

// Message is the closed sum of every protocol message, discriminated by Type.
// Fields not belonging to a given kind stay zero and are omitted on the wire.
type Message struct {
	Type MessageType `json:"type"`

	// init
	ProtocolVersion int            `json:"protocolVersion,omitempty"`
	AdapterID       string         `json:"adapterId,omitempty"`
	AdapterType     string         `json:"adapterType,omitempty"`
	Config          map[string]any `json:"config,omitempty"`

	// request correlation
	RequestID string `json:"requestId,omitempty"`

	// addressing
	EntityID string          `json:"entityId,omitempty"`
	Property models.Property `json:"property,omitempty"`

	// request payloads
	Command map[string]any `json:"command,omitempty"`
	Params  map[string]any `json:"params,omitempty"`

	// ready
	Entities []models.EntityRegistration `json:"entities,omitempty"`
	Groups   []models.EntityGroup        `json:"groups,omitempty"`

	// state
	State         json.RawMessage `json:"state,omitempty"`
	PreviousState json.RawMessage `json:"previousState,omitempty"`

	// results
	Success     *bool                     `json:"success,omitempty"`
	Error       string                    `json:"error,omitempty"`
	Items       []json.RawMessage         `json:"items,omitempty"`
	Total       *int                      `json:"total,omitempty"`
	Truncated   bool                      `json:"truncated,omitempty"`
	Gateways    []models.GatewayCandidate `json:"gateways,omitempty"`
	Credentials map[string]string         `json:"credentials,omitempty"`
	Message     string                    `json:"message,omitempty"`

	// log
	Level string `json:"level,omitempty"`
}

// IsReply reports whether the message kind correlates to a pending request.
func (m *Message) IsReply() bool {
	switch m.Type {
	case TypeObserveResult, TypeExecuteResult, TypeQueryResult, TypePong,
		TypeDiscoverResult, TypePairResult:
		return true
	}
	return false
}

// ErrUnknownType is returned by Decode for a well-formed JSON object whose
// type tag is not part of the protocol.
type ErrUnknownType struct {
	Tag string
}

func (e *ErrUnknownType) Error() string {
	return fmt.Sprintf("unknown message type %q", e.Tag)
}

// Decode parses one protocol line (without requiring the trailing newline).
// JSON syntax errors and unknown tags are both returned as errors so the
// caller can treat the line as log text instead of dropping it.
func Decode(line []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}
	if !knownTypes[msg.Type] {
		return nil, &ErrUnknownType{Tag: string(msg.Type)}
	}
	return &msg, nil
}

// Encode serializes a message as one protocol line including the trailing
// newline.
func Encode(msg *Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return append(data, '\n'), nil
}

// NewInit builds the init message sent exactly once after spawn. Config must
// already have secret references resolved to plaintext.
func NewInit(adapterID, adapterType string, config map[string]any) *Message {
	return &Message{
		Type:            TypeInit,
		ProtocolVersion: Version,
		AdapterID:       adapterID,
		AdapterType:     adapterType,
		Config:          config,
	}
}

// NewObserve builds an observe request for one entity property.
func NewObserve(requestID, entityID string, property models.Property) *Message {
	return &Message{Type: TypeObserve, RequestID: requestID, EntityID: entityID, Property: property}
}

// NewExecute builds an execute request carrying a command payload.
func NewExecute(requestID, entityID string, property models.Property, command map[string]any) *Message {
	return &Message{Type: TypeExecute, RequestID: requestID, EntityID: entityID, Property: property, Command: command}
}

// NewQuery builds a query request with free-form params.
func NewQuery(requestID, entityID string, property models.Property, params map[string]any) *Message {
	return &Message{Type: TypeQuery, RequestID: requestID, EntityID: entityID, Property: property, Params: params}
}

// NewPing builds a liveness probe.
func NewPing(requestID string) *Message {
	return &Message{Type: TypePing, RequestID: requestID}
}

// NewDiscover builds an interactive discovery request.
func NewDiscover(requestID string, params map[string]any) *Message {
	return &Message{Type: TypeDiscover, RequestID: requestID, Params: params}
}

// NewPair builds an interactive pairing request.
func NewPair(requestID string, params map[string]any) *Message {
	return &Message{Type: TypePair, RequestID: requestID, Params: params}
}

// NewShutdown builds the graceful shutdown message. It carries no request id;
// the child acknowledges by exiting zero.
func NewShutdown() *Message {
	return &Message{Type: TypeShutdown}
}
