package core

import (
	"encoding/json"
	"net/netip"
	"time"

	"github.com/google/uuid"
)

// Severity represents the severity level of a detection event.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityLow:
		return "LOW"
	case SeverityMedium:
		return "MEDIUM"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Severity) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	switch str {
	case "LOW":
		*s = SeverityLow
	case "MEDIUM":
		*s = SeverityMedium
	case "HIGH":
		*s = SeverityHigh
	case "CRITICAL":
		*s = SeverityCritical
	default:
		*s = SeverityInfo
	}
	return nil
}

// Observation is one DIO advertisement as seen by this node.
type Observation struct {
	Sender     netip.Addr `json:"sender"`
	Rank       uint16     `json:"rank"`
	Version    uint8      `json:"version"`
	ObservedAt time.Time  `json:"observed_at"`
	Source     string     `json:"source,omitempty"`
}

// UnmarshalObservation deserializes an Observation from JSON.
func UnmarshalObservation(data []byte) (*Observation, error) {
	var obs Observation
	if err := json.Unmarshal(data, &obs); err != nil {
		return nil, err
	}
	return &obs, nil
}

// Event types raised by modules.
const (
	EventReplayHighFrequency = "replay_high_frequency"
	EventReplayDuplicate     = "replay_duplicate"
	EventBlacklisted         = "blacklisted"
	EventBlacklistExpired    = "blacklist_expired"
	EventBlacklistRemoved    = "blacklist_removed"
)

// DetectionEvent is the standard event structure published to the event bus.
type DetectionEvent struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Node      string                 `json:"node"`
	Module    string                 `json:"module"`
	Type      string                 `json:"type"`
	Severity  Severity               `json:"severity"`
	Summary   string                 `json:"summary"`
	Sender    string                 `json:"sender,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// NewDetectionEvent creates a DetectionEvent with a generated ID. The
// timestamp is the detector clock, not wall time, so simulated runs line up.
func NewDetectionEvent(module, eventType string, severity Severity, summary string, at time.Time) *DetectionEvent {
	return &DetectionEvent{
		ID:        uuid.New().String(),
		Timestamp: at.UTC(),
		Module:    module,
		Type:      eventType,
		Severity:  severity,
		Summary:   summary,
		Details:   make(map[string]interface{}),
	}
}

// Marshal serializes the event to JSON.
func (e *DetectionEvent) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalDetectionEvent deserializes a DetectionEvent from JSON.
func UnmarshalDetectionEvent(data []byte) (*DetectionEvent, error) {
	var event DetectionEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, err
	}
	return &event, nil
}
