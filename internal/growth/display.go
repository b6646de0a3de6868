package growth

import (
	"gryns/tower-server/internal/model"
	"gryns/tower-server/internal/plants"
)

// Display is everything a client needs to render a pod.
type Display struct {
	Pod              model.Pod          `json:"pod"`
	Plant            *model.PlantRecord `json:"plant,omitempty"`
	PlantKnown       bool               `json:"plant_known"`
	DisplayImage     string             `json:"display_image,omitempty"`
	Harvested        bool               `json:"harvested"`
	StageName        string             `json:"stage_name"`
	Duration         string             `json:"duration"`
	HighlightedStage model.PlantStage   `json:"highlighted_stage,omitempty"`
	NextStage        model.GrowthStage  `json:"next_stage,omitempty"`
	AdvanceLabel     string             `json:"advance_label,omitempty"`
	StageDescription string             `json:"stage_description,omitempty"`
}

// Describe assembles display info for a pod. plant may be nil when the
// pod's plant id no longer resolves.
func Describe(pod model.Pod, plant *model.PlantRecord) Display {
	d := Display{
		Pod:        pod,
		Plant:      plant,
		PlantKnown: plant != nil,
		Harvested:  pod.GrowthStage == model.StageHarvested,
		StageName:  StageLabel(pod.GrowthStage),
		Duration:   StageDuration(pod, plant),
	}

	switch {
	case pod.PhotoDataURL != nil && *pod.PhotoDataURL != "":
		d.DisplayImage = *pod.PhotoDataURL
	case plants.IconURL(plant) != "":
		d.DisplayImage = plants.IconURL(plant)
	case pod.PlantImageURL != nil:
		d.DisplayImage = *pod.PlantImageURL
	}

	if key, ok := CurrentPlantStage(pod.GrowthStage, plant); ok {
		d.HighlightedStage = key
	}
	if next, ok := NextStage(pod.GrowthStage, plant); ok {
		d.NextStage = next
		d.AdvanceLabel, _ = AdvanceLabel(pod.GrowthStage, plant, next)
	}
	if entry, ok := StageEntry(pod.GrowthStage, plant); ok {
		d.StageDescription = entry.Description
	}
	return d
}
