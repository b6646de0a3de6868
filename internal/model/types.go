package model

import (
	"fmt"
	"strings"
	"time"
)

// Tower is a physical hydroponic rack with a fixed number of numbered slots.
type Tower struct {
	ID        string    `json:"id"`
	Index     int       `json:"index"`
	SlotCount int       `json:"slot_count"`
	CreatedAt time.Time `json:"created_at"`
}

// Label returns the display name used for the tower ("Tower 1" for index 0).
func (t Tower) Label() string {
	return fmt.Sprintf("Tower %d", t.Index+1)
}

// GrowthStage is one state of the pod lifecycle.
type GrowthStage string

const (
	StageGermination  GrowthStage = "germination"
	StageSprouted     GrowthStage = "sprouted"
	StageGrowing      GrowthStage = "growing"
	StageHarvestReady GrowthStage = "harvest_ready"
	StageFruiting     GrowthStage = "fruiting"
	StageHarvested    GrowthStage = "harvested"
)

// GrowthStages lists the pod lifecycle in canonical order.
var GrowthStages = []GrowthStage{
	StageGermination,
	StageSprouted,
	StageGrowing,
	StageHarvestReady,
	StageFruiting,
	StageHarvested,
}

// Index reports the position of the stage in the canonical order, or -1 for unknown values.
func (g GrowthStage) Index() int {
	for i, s := range GrowthStages {
		if s == g {
			return i
		}
	}
	return -1
}

// Valid reports whether g is one of the canonical stages.
func (g GrowthStage) Valid() bool {
	return g.Index() >= 0
}

func (g GrowthStage) String() string {
	return string(g)
}

// ParseGrowthStage converts a stored or user-supplied value into a GrowthStage.
// Records written before the six-stage lifecycle used "planted", which maps to germination.
func ParseGrowthStage(v string) (GrowthStage, error) {
	s := GrowthStage(strings.ToLower(strings.TrimSpace(v)))
	if s == "planted" {
		return StageGermination, nil
	}
	if !s.Valid() {
		return "", fmt.Errorf("unknown growth stage %q", v)
	}
	return s, nil
}

// Pod is the tracked state of one slot in a tower.
type Pod struct {
	ID               string      `json:"id"`
	TowerID          string      `json:"tower_id"`
	PlantID          string      `json:"plant_id"`
	PlantName        string      `json:"plant_name"`
	SlotNumber       int         `json:"slot_number"`
	PlantedAt        time.Time   `json:"planted_at"`
	PhotoDataURL     *string     `json:"photo_data_url,omitempty"`
	GrowthStage      GrowthStage `json:"growth_stage"`
	UpdatedAt        time.Time   `json:"updated_at"`
	PerenualID       *int        `json:"perenual_id,omitempty"`
	PlantImageURL    *string     `json:"plant_image_url,omitempty"`
	LinkedIdentifier *string     `json:"linked_identifier,omitempty"`
}

// Identifiers returns every value a scan may carry to reach this pod.
func (p Pod) Identifiers() []string {
	ids := []string{p.ID}
	if p.LinkedIdentifier != nil && *p.LinkedIdentifier != "" && *p.LinkedIdentifier != p.ID {
		ids = append(ids, *p.LinkedIdentifier)
	}
	return ids
}

// HasIdentifier reports whether v equals the pod id or its linked identifier.
// A blank value never matches.
func (p Pod) HasIdentifier(v string) bool {
	if v == "" {
		return false
	}
	if v == p.ID {
		return true
	}
	return p.LinkedIdentifier != nil && *p.LinkedIdentifier == v
}

// PodInput carries the fields of a pod that the caller supplies on creation.
type PodInput struct {
	TowerID          string      `json:"tower_id"`
	PlantID          string      `json:"plant_id"`
	PlantName        string      `json:"plant_name"`
	SlotNumber       int         `json:"slot_number"`
	PlantedAt        time.Time   `json:"planted_at"`
	PhotoDataURL     *string     `json:"photo_data_url,omitempty"`
	GrowthStage      GrowthStage `json:"growth_stage,omitempty"`
	PerenualID       *int        `json:"perenual_id,omitempty"`
	PlantImageURL    *string     `json:"plant_image_url,omitempty"`
	LinkedIdentifier *string     `json:"linked_identifier,omitempty"`
}

// PodUpdate is a partial pod update. Nil fields are left unchanged; the
// Clear flags remove optional values.
type PodUpdate struct {
	PlantID          *string      `json:"plant_id,omitempty"`
	PlantName        *string      `json:"plant_name,omitempty"`
	SlotNumber       *int         `json:"slot_number,omitempty"`
	PlantedAt        *time.Time   `json:"planted_at,omitempty"`
	PhotoDataURL     *string      `json:"photo_data_url,omitempty"`
	GrowthStage      *GrowthStage `json:"growth_stage,omitempty"`
	PerenualID       *int         `json:"perenual_id,omitempty"`
	PlantImageURL    *string      `json:"plant_image_url,omitempty"`
	LinkedIdentifier *string      `json:"linked_identifier,omitempty"`

	ClearPhoto            bool `json:"clear_photo,omitempty"`
	ClearLinkedIdentifier bool `json:"clear_linked_identifier,omitempty"`
}

// Empty reports whether the update changes nothing.
func (u PodUpdate) Empty() bool {
	return u.PlantID == nil && u.PlantName == nil && u.SlotNumber == nil && u.PlantedAt == nil &&
		u.PhotoDataURL == nil && u.GrowthStage == nil && u.PerenualID == nil && u.PlantImageURL == nil &&
		u.LinkedIdentifier == nil && !u.ClearPhoto && !u.ClearLinkedIdentifier
}

// Apply returns a copy of p with the update applied. UpdatedAt is left to the caller.
func (u PodUpdate) Apply(p Pod) Pod {
	if u.PlantID != nil {
		p.PlantID = *u.PlantID
	}
	if u.PlantName != nil {
		p.PlantName = *u.PlantName
	}
	if u.SlotNumber != nil {
		p.SlotNumber = *u.SlotNumber
	}
	if u.PlantedAt != nil {
		p.PlantedAt = *u.PlantedAt
	}
	if u.ClearPhoto {
		p.PhotoDataURL = nil
	} else if u.PhotoDataURL != nil {
		v := *u.PhotoDataURL
		p.PhotoDataURL = &v
	}
	if u.GrowthStage != nil {
		p.GrowthStage = *u.GrowthStage
	}
	if u.PerenualID != nil {
		v := *u.PerenualID
		p.PerenualID = &v
	}
	if u.PlantImageURL != nil {
		v := *u.PlantImageURL
		p.PlantImageURL = &v
	}
	if u.ClearLinkedIdentifier {
		p.LinkedIdentifier = nil
	} else if u.LinkedIdentifier != nil {
		v := *u.LinkedIdentifier
		p.LinkedIdentifier = &v
	}
	return p
}

// IntegrityAnomaly records an identifier that resolved to more than one pod.
type IntegrityAnomaly struct {
	Identifier string    `json:"identifier"`
	PodIDs     []string  `json:"pod_ids"`
	DetectedAt time.Time `json:"detected_at"`
}

// ScanEvent is the persisted summary of a finished scan session.
type ScanEvent struct {
	SessionID  string    `json:"session_id"`
	Technology string    `json:"technology"`
	Kind       string    `json:"kind"`
	Value      string    `json:"value,omitempty"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	PodID      string    `json:"pod_id,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// AppConfigEntry represents a persisted configuration key/value pair.
type AppConfigEntry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// IngestionError captures a scanner payload that failed validation.
type IngestionError struct {
	ScannerID string `json:"scanner_id"`
	Topic     string `json:"topic"`
	Payload   string `json:"payload"`
	Error     string `json:"error"`
}
