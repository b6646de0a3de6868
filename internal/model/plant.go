package model

import (
	"strconv"
	"strings"
)

// PlantStage is the stage vocabulary of the plant reference library.
type PlantStage string

const (
	PlantGermination PlantStage = "germination"
	PlantSeedling    PlantStage = "seedling"
	PlantVegetative  PlantStage = "vegetative"
	PlantFlowering   PlantStage = "flowering"
	PlantFruiting    PlantStage = "fruiting"
)

// DurationRange is a min/max span in a unit such as "day" or "week".
type DurationRange struct {
	Min  *float64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max  *float64 `json:"max,omitempty" yaml:"max,omitempty"`
	Unit string   `json:"unit,omitempty" yaml:"unit,omitempty"`
}

// Format renders the range as "8-28 days" or "4 weeks". ok is false when
// neither bound is set.
func (d *DurationRange) Format() (s string, ok bool) {
	if d == nil || (d.Min == nil && d.Max == nil) {
		return "", false
	}
	lo, hi := d.Min, d.Max
	if lo == nil {
		lo = hi
	}
	if hi == nil {
		hi = lo
	}

	unit := d.Unit
	switch unit {
	case "week":
		unit = "weeks"
	case "day":
		unit = "days"
	}

	if *lo == *hi {
		return strings.TrimSpace(formatNumber(*lo) + " " + unit), true
	}
	return strings.TrimSpace(formatNumber(*lo) + "-" + formatNumber(*hi) + " " + unit), true
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// StageEntry is one stage of a plant's growth description.
type StageEntry struct {
	Stage       PlantStage     `json:"stage" yaml:"stage"`
	Duration    *DurationRange `json:"duration,omitempty" yaml:"duration,omitempty"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Rate        *float64       `json:"rate,omitempty" yaml:"rate,omitempty"`
}

// Germination holds germination timing and success rate.
type Germination struct {
	Duration *DurationRange `json:"duration,omitempty" yaml:"duration,omitempty"`
	Rate     *float64       `json:"rate,omitempty" yaml:"rate,omitempty"`
}

// Harvest describes when a plant is ready to harvest after planting.
type Harvest struct {
	Duration *DurationRange `json:"duration,omitempty" yaml:"duration,omitempty"`
}

// Yield describes the expected crop per plant.
type Yield struct {
	Unit  string   `json:"unit,omitempty" yaml:"unit,omitempty"`
	Value *float64 `json:"value,omitempty" yaml:"value,omitempty"`
	Label string   `json:"label,omitempty" yaml:"label,omitempty"`
}

// HardinessZone is a USDA zone range.
type HardinessZone struct {
	Min *float64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max *float64 `json:"max,omitempty" yaml:"max,omitempty"`
}

// PlantRecord is an immutable entry of the plant reference library.
type PlantRecord struct {
	ID            string         `json:"id" yaml:"id"`
	Name          string         `json:"name" yaml:"name"`
	Species       string         `json:"species" yaml:"species"`
	Description   string         `json:"description,omitempty" yaml:"description,omitempty"`
	Image         string         `json:"img,omitempty" yaml:"img,omitempty"`
	IconImage     string         `json:"icon_img,omitempty" yaml:"icon_img,omitempty"`
	Harvest       *Harvest       `json:"harvest,omitempty" yaml:"harvest,omitempty"`
	Yield         *Yield         `json:"yield,omitempty" yaml:"yield,omitempty"`
	Germination   *Germination   `json:"germination,omitempty" yaml:"germination,omitempty"`
	GrowthStages  []StageEntry   `json:"growth_stages" yaml:"growth_stages"`
	HardinessZone *HardinessZone `json:"hardiness_zone,omitempty" yaml:"hardiness_zone,omitempty"`
}

// Stage returns the growth stage entry with the given key.
func (p *PlantRecord) Stage(key PlantStage) (*StageEntry, bool) {
	if p == nil {
		return nil, false
	}
	for i := range p.GrowthStages {
		if p.GrowthStages[i].Stage == key {
			return &p.GrowthStages[i], true
		}
	}
	return nil, false
}

// HasStage reports whether the plant lists the stage key.
func (p *PlantRecord) HasStage(key PlantStage) bool {
	_, ok := p.Stage(key)
	return ok
}

// LastStage returns the final entry of the plant's stage list.
func (p *PlantRecord) LastStage() (PlantStage, bool) {
	if p == nil || len(p.GrowthStages) == 0 {
		return "", false
	}
	return p.GrowthStages[len(p.GrowthStages)-1].Stage, true
}
