package models

import (
	"fmt"
	"time"
)

// Property is a member of the closed capability set. Properties name what a
// source can do independent of any vendor protocol.
type Property string

const (
	PropertyIllumination Property = "illumination"
	PropertyClimate      Property = "climate"
	PropertyOccupancy    Property = "occupancy"
	PropertyAccess       Property = "access"
	PropertyMedia        Property = "media"
	PropertyPower        Property = "power"
	PropertyWater        Property = "water"
	PropertySafety       Property = "safety"
	PropertyAirQuality   Property = "air_quality"
	PropertySchedule     Property = "schedule"
	PropertyWeather      Property = "weather"
)

var validProperties = map[Property]bool{
	PropertyIllumination: true,
	PropertyClimate:      true,
	PropertyOccupancy:    true,
	PropertyAccess:       true,
	PropertyMedia:        true,
	PropertyPower:        true,
	PropertyWater:        true,
	PropertySafety:       true,
	PropertyAirQuality:   true,
	PropertySchedule:     true,
	PropertyWeather:      true,
}

// IsValid reports whether p is in the closed property set.
func (p Property) IsValid() bool {
	return validProperties[p]
}

// ValidateProperty returns an error naming the invalid property, for use at
// store and registry boundaries.
func ValidateProperty(p Property) error {
	if !p.IsValid() {
		return fmt.Errorf("unknown property %q", string(p))
	}
	return nil
}

// CommandFieldType is the declared shape of one command parameter.
type CommandFieldType string

const (
	FieldBoolean CommandFieldType = "boolean"
	FieldNumber  CommandFieldType = "number"
	FieldString  CommandFieldType = "string"
	FieldObject  CommandFieldType = "object"
)

// CommandField describes one command parameter so callers know its shape.
type CommandField struct {
	Type             CommandFieldType `json:"type"`
	Description      string           `json:"description,omitempty"`
	EnumeratedValues []string         `json:"enumeratedValues,omitempty"`
	Min              *float64         `json:"min,omitempty"`
	Max              *float64         `json:"max,omitempty"`
}

// PropertyRegistration is one property an entity supports, as reported by an
// adapter child.
type PropertyRegistration struct {
	Property     Property                `json:"property"`
	Features     []string                `json:"features,omitempty"`
	CommandHints map[string]CommandField `json:"commandHints,omitempty"`
}

// EntityRegistration is an adapter-internal addressable thing and its
// capabilities, reported once per child start in the ready message.
type EntityRegistration struct {
	EntityID    string                 `json:"entityId"`
	DisplayName string                 `json:"displayName,omitempty"`
	Properties  []PropertyRegistration `json:"properties"`
}

// EntityGroupType classifies a reported entity group.
type EntityGroupType string

const (
	GroupRoom EntityGroupType = "room"
	GroupZone EntityGroupType = "zone"
	GroupArea EntityGroupType = "area"
)

// EntityGroup hints at a natural grouping of entities for space assignment.
type EntityGroup struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Type      EntityGroupType `json:"type"`
	EntityIDs []string        `json:"entityIds"`
}

// AdapterRecord is the persistent configuration of one adapter instance.
// ConfigBag values may be secret references (see internal/secrets).
type AdapterRecord struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	DisplayName string         `json:"displayName,omitempty"`
	ConfigBag   map[string]any `json:"config"`
	CreatedAt   time.Time      `json:"createdAt,omitempty"`
}

// Space is a user-authored physical area containing sources.
type Space struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"displayName"`
	Floor       string    `json:"floor,omitempty"`
	Sources     []*Source `json:"sources"`
}

// Source binds an adapter entity into a space with per-property metadata.
type Source struct {
	ID         string            `json:"id"`
	SpaceID    string            `json:"spaceId"`
	AdapterID  string            `json:"adapterId"`
	EntityID   string            `json:"entityId"`
	Properties []*SourceProperty `json:"properties"`
	Reachable  bool              `json:"reachable"`
}

// SourceProperty carries authoring hints and the merged feature set for one
// property of a source. Role and Mounting are free-form ("primary",
// "ceiling", ...).
type SourceProperty struct {
	Property     Property                `json:"property"`
	Role         string                  `json:"role,omitempty"`
	Mounting     string                  `json:"mounting,omitempty"`
	Features     []string                `json:"features"`
	CommandHints map[string]CommandField `json:"commandHints,omitempty"`
}

// HasFeature reports whether the merged feature set contains name.
func (sp *SourceProperty) HasFeature(name string) bool {
	for _, f := range sp.Features {
		if f == name {
			return true
		}
	}
	return false
}

// SourceRoute is the materialized sourceId -> (adapterId, entityId) mapping
// used for O(1) dispatch.
type SourceRoute struct {
	AdapterID string `json:"adapterId"`
	EntityID  string `json:"entityId"`
}

// GatewayCandidate is one result of an interactive discover call.
type GatewayCandidate struct {
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	Address string `json:"address,omitempty"`
}
