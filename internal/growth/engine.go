// Package growth computes pod lifecycle transitions and display metadata
// from plant reference data. Every function is pure and total: a nil or
// sparse plant record degrades to the canonical progression or to the
// Unknown sentinel, never to a panic.
package growth

import (
	"strings"

	"gryns/tower-server/internal/model"
	"gryns/tower-server/internal/plants"
)

const (
	// Unknown is returned when no duration data exists for a stage.
	Unknown = plants.Placeholder
	// NoDuration is returned for the terminal harvested stage.
	NoDuration = ""
)

const (
	LabelSprouted  = "It sprouted!"
	LabelLeaves    = "It has green leaves!"
	LabelFlowering = "It's flowering!"
	LabelFruitSet  = "Fruit set!"
	LabelHarvest   = "Time to Harvest"
	LabelHarvested = "Harvested"
)

var plantStages = map[model.GrowthStage]model.PlantStage{
	model.StageGermination:  model.PlantGermination,
	model.StageSprouted:     model.PlantSeedling,
	model.StageGrowing:      model.PlantVegetative,
	model.StageHarvestReady: model.PlantFlowering,
	model.StageFruiting:     model.PlantFruiting,
}

// InitialStage is the stage every new pod starts in.
func InitialStage() model.GrowthStage {
	return model.StageGermination
}

// PlantStageFor maps a pod stage to the plant library stage key. Harvested
// has no key.
func PlantStageFor(stage model.GrowthStage) (model.PlantStage, bool) {
	key, ok := plantStages[stage]
	return key, ok
}

// has reports whether the plant lists key. Without plant data every stage
// is assumed present so the canonical progression applies.
func has(plant *model.PlantRecord, key model.PlantStage) bool {
	if plant == nil {
		return true
	}
	return plant.HasStage(key)
}

// NextStage returns the stage a pod advances to. Plants without a
// flowering entry go from growing straight to harvested; plants with
// flowering but no fruiting go from harvest_ready to harvested.
func NextStage(current model.GrowthStage, plant *model.PlantRecord) (model.GrowthStage, bool) {
	i := current.Index()
	if i < 0 || i >= len(model.GrowthStages)-1 {
		return "", false
	}

	switch current {
	case model.StageGrowing:
		if !has(plant, model.PlantFlowering) {
			return model.StageHarvested, true
		}
	case model.StageHarvestReady:
		if !has(plant, model.PlantFruiting) {
			return model.StageHarvested, true
		}
	}
	return model.GrowthStages[i+1], true
}

// CurrentPlantStage is the plant stage to highlight for a pod. A harvested
// pod highlights the plant's final stage.
func CurrentPlantStage(stage model.GrowthStage, plant *model.PlantRecord) (model.PlantStage, bool) {
	if stage == model.StageHarvested {
		if last, ok := plant.LastStage(); ok {
			return last, true
		}
		return model.PlantFruiting, true
	}
	return PlantStageFor(stage)
}

// AdvanceLabel is the call to action for moving a pod from current to next.
// An empty next means the pod is terminal and there is no label.
func AdvanceLabel(current model.GrowthStage, plant *model.PlantRecord, next model.GrowthStage) (string, bool) {
	if next == "" {
		return "", false
	}
	key, ok := CurrentPlantStage(current, plant)
	if !ok {
		return "", false
	}

	if next == model.StageHarvested && plant != nil {
		if last, ok := plant.LastStage(); ok && last == key {
			return LabelHarvest, true
		}
	}

	switch key {
	case model.PlantGermination:
		return LabelSprouted, true
	case model.PlantSeedling:
		return LabelLeaves, true
	case model.PlantVegetative:
		if has(plant, model.PlantFlowering) {
			return LabelFlowering, true
		}
		return LabelHarvest, true
	case model.PlantFlowering:
		if has(plant, model.PlantFruiting) {
			return LabelFruitSet, true
		}
		return LabelHarvest, true
	case model.PlantFruiting:
		return LabelHarvest, true
	}
	return "", false
}

// StageEntry returns the plant's stage entry describing the pod's current
// stage. harvest_ready falls back to the fruiting entry.
func StageEntry(stage model.GrowthStage, plant *model.PlantRecord) (*model.StageEntry, bool) {
	if plant == nil {
		return nil, false
	}
	key, ok := PlantStageFor(stage)
	if !ok {
		return nil, false
	}
	if entry, ok := plant.Stage(key); ok {
		return entry, true
	}
	if stage == model.StageHarvestReady {
		return plant.Stage(model.PlantFruiting)
	}
	return nil, false
}

// StageDuration is the display duration of the pod's current stage.
func StageDuration(pod model.Pod, plant *model.PlantRecord) string {
	return durationFor(pod.GrowthStage, plant)
}

func durationFor(stage model.GrowthStage, plant *model.PlantRecord) string {
	if stage == model.StageHarvested {
		return NoDuration
	}
	if plant == nil {
		return Unknown
	}
	key, ok := PlantStageFor(stage)
	if !ok {
		return Unknown
	}

	if stage == model.StageGermination && plant.Germination != nil {
		if s, ok := plant.Germination.Duration.Format(); ok {
			return s
		}
	}
	if entry, ok := plant.Stage(key); ok {
		if s, ok := entry.Duration.Format(); ok {
			return s
		}
	}
	if stage == model.StageHarvestReady {
		if entry, ok := plant.Stage(model.PlantFruiting); ok {
			if s, ok := entry.Duration.Format(); ok {
				return s
			}
		}
	}
	return Unknown
}

// StageLabel names a pod stage by its plant stage key ("Seedling" for
// sprouted). Harvested pods read "Harvested".
func StageLabel(stage model.GrowthStage) string {
	if stage == model.StageHarvested {
		return LabelHarvested
	}
	key, ok := PlantStageFor(stage)
	if !ok {
		return Unknown
	}
	return FormatStageKey(string(key))
}

// FormatStageKey turns "harvest_ready" into "Harvest Ready".
func FormatStageKey(key string) string {
	words := strings.Fields(strings.ReplaceAll(key, "_", " "))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
