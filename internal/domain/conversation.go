package domain

import (
	"errors"
	"time"
)

// Phase is a user's position in the image -> metadata -> diagnosis flow.
type Phase string

const (
	// PhaseAwaitingImage is implicit: it is what the absence of a record means.
	PhaseAwaitingImage    Phase = "awaiting_image"
	PhaseAwaitingMetadata Phase = "awaiting_metadata"
	PhaseProcessing       Phase = "processing"
	PhaseIdle             Phase = "idle"
)

// MetadataField names one piece of information collected after the image.
type MetadataField string

const (
	FieldPlantType MetadataField = "plant_type"
	FieldRegion    MetadataField = "region"
)

// RequiredFields lists the metadata needed before diagnosis, in prompt order.
var RequiredFields = []MetadataField{FieldPlantType, FieldRegion}

var (
	ErrNoActiveSession   = errors.New("no active session")
	ErrDiagnosisInFlight = errors.New("diagnosis already in flight")
	ErrStateConflict     = errors.New("conversation state was modified concurrently")
)

// Metadata is the partial record a user fills in. Empty strings mean unset.
type Metadata struct {
	PlantType string `json:"plantType,omitempty"`
	Region    string `json:"region,omitempty"`
}

// Get returns the value of field and whether the field is known.
func (m Metadata) Get(field MetadataField) (string, bool) {
	switch field {
	case FieldPlantType:
		return m.PlantType, true
	case FieldRegion:
		return m.Region, true
	default:
		return "", false
	}
}

// With returns a copy of m with field set to value. Unknown fields are ignored.
func (m Metadata) With(field MetadataField, value string) Metadata {
	switch field {
	case FieldPlantType:
		m.PlantType = value
	case FieldRegion:
		m.Region = value
	}
	return m
}

// Missing returns the required fields that are still unset, in prompt order.
func (m Metadata) Missing() []MetadataField {
	var missing []MetadataField
	for _, f := range RequiredFields {
		if v, _ := m.Get(f); v == "" {
			missing = append(missing, f)
		}
	}
	return missing
}

func (m Metadata) Complete() bool {
	return len(m.Missing()) == 0
}

// ConversationState is the per-user record owned by the conversation machine.
type ConversationState struct {
	UserID          string
	Phase           Phase
	PendingImageRef string
	PendingMetadata Metadata
	ExpiresAt       time.Time
	UpdatedAt       time.Time
	// Version increases on every write and guards against lost updates
	// between processes sharing a remote store.
	Version int64
}

// Expired reports whether the record must be treated as absent at now.
func (s ConversationState) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}
