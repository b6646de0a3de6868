package growth

import (
	"testing"

	"gryns/tower-server/internal/model"
)

func n(v float64) *float64 { return &v }

func stage(key model.PlantStage, lo, hi float64, unit string) model.StageEntry {
	return model.StageEntry{Stage: key, Duration: &model.DurationRange{Min: n(lo), Max: n(hi), Unit: unit}}
}

func basil() *model.PlantRecord {
	return &model.PlantRecord{
		ID:   "basil",
		Name: "Basil",
		GrowthStages: []model.StageEntry{
			stage(model.PlantGermination, 5, 10, "day"),
			stage(model.PlantSeedling, 1, 2, "week"),
			stage(model.PlantVegetative, 3, 4, "week"),
		},
	}
}

func bellPepper() *model.PlantRecord {
	return &model.PlantRecord{
		ID:          "bell-pepper",
		Name:        "Bell Pepper",
		Germination: &model.Germination{Duration: &model.DurationRange{Min: n(8), Max: n(28), Unit: "day"}},
		GrowthStages: []model.StageEntry{
			stage(model.PlantGermination, 8, 28, "day"),
			stage(model.PlantSeedling, 2, 3, "week"),
			stage(model.PlantVegetative, 4, 6, "week"),
			stage(model.PlantFlowering, 2, 3, "week"),
			stage(model.PlantFruiting, 4, 8, "week"),
		},
	}
}

func chamomile() *model.PlantRecord {
	return &model.PlantRecord{
		ID: "chamomile",
		GrowthStages: []model.StageEntry{
			{Stage: model.PlantGermination},
			{Stage: model.PlantSeedling},
			{Stage: model.PlantVegetative},
			{Stage: model.PlantFlowering},
		},
	}
}

func TestNextStageBasilSkipsToHarvested(t *testing.T) {
	next, ok := NextStage(model.StageGrowing, basil())
	if !ok || next != model.StageHarvested {
		t.Errorf("Expected harvested, got %q (ok=%v)", next, ok)
	}
}

func TestNextStageBellPepperVisitsEveryStage(t *testing.T) {
	plant := bellPepper()
	current := InitialStage()
	visited := []model.GrowthStage{current}
	for {
		next, ok := NextStage(current, plant)
		if !ok {
			break
		}
		visited = append(visited, next)
		current = next
		if len(visited) > len(model.GrowthStages) {
			t.Fatal("Expected progression to terminate")
		}
	}

	if len(visited) != len(model.GrowthStages) {
		t.Fatalf("Expected %d stages, got %v", len(model.GrowthStages), visited)
	}
	for i, s := range model.GrowthStages {
		if visited[i] != s {
			t.Errorf("Expected stage %d to be %q, got %q", i, s, visited[i])
		}
	}
}

func TestNextStage(t *testing.T) {
	tests := []struct {
		name     string
		current  model.GrowthStage
		plant    *model.PlantRecord
		expected model.GrowthStage
		ok       bool
	}{
		{name: "germination advances", current: model.StageGermination, plant: basil(), expected: model.StageSprouted, ok: true},
		{name: "flowering without fruiting", current: model.StageHarvestReady, plant: chamomile(), expected: model.StageHarvested, ok: true},
		{name: "growing with flowering", current: model.StageGrowing, plant: chamomile(), expected: model.StageHarvestReady, ok: true},
		{name: "nil plant canonical growing", current: model.StageGrowing, plant: nil, expected: model.StageHarvestReady, ok: true},
		{name: "nil plant canonical harvest ready", current: model.StageHarvestReady, plant: nil, expected: model.StageFruiting, ok: true},
		{name: "empty stage list skips", current: model.StageGrowing, plant: &model.PlantRecord{ID: "x"}, expected: model.StageHarvested, ok: true},
		{name: "harvested terminal", current: model.StageHarvested, plant: bellPepper(), ok: false},
		{name: "harvested terminal nil plant", current: model.StageHarvested, plant: nil, ok: false},
		{name: "unknown stage", current: model.GrowthStage("wilted"), plant: basil(), ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := NextStage(tt.current, tt.plant)
			if ok != tt.ok || got != tt.expected {
				t.Errorf("Expected (%q, %v), got (%q, %v)", tt.expected, tt.ok, got, ok)
			}
		})
	}
}

func TestNextStageHarvestedIsIdempotent(t *testing.T) {
	for i := 0; i < 3; i++ {
		if next, ok := NextStage(model.StageHarvested, basil()); ok {
			t.Errorf("Expected no successor, got %q", next)
		}
	}
}

func TestAdvanceLabel(t *testing.T) {
	tests := []struct {
		name     string
		current  model.GrowthStage
		plant    *model.PlantRecord
		expected string
	}{
		{name: "germination", current: model.StageGermination, plant: bellPepper(), expected: LabelSprouted},
		{name: "sprouted", current: model.StageSprouted, plant: bellPepper(), expected: LabelLeaves},
		{name: "vegetative with flowering", current: model.StageGrowing, plant: bellPepper(), expected: LabelFlowering},
		{name: "vegetative last stage", current: model.StageGrowing, plant: basil(), expected: LabelHarvest},
		{name: "flowering with fruiting", current: model.StageHarvestReady, plant: bellPepper(), expected: LabelFruitSet},
		{name: "flowering last stage", current: model.StageHarvestReady, plant: chamomile(), expected: LabelHarvest},
		{name: "fruiting", current: model.StageFruiting, plant: bellPepper(), expected: LabelHarvest},
		{name: "nil plant vegetative", current: model.StageGrowing, plant: nil, expected: LabelFlowering},
		{name: "harvested", current: model.StageHarvested, plant: bellPepper(), expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, _ := NextStage(tt.current, tt.plant)
			got, ok := AdvanceLabel(tt.current, tt.plant, next)
			if got != tt.expected {
				t.Errorf("Expected %q, got %q", tt.expected, got)
			}
			if ok != (tt.expected != "") {
				t.Errorf("Expected ok=%v, got %v", tt.expected != "", ok)
			}
		})
	}
}

func TestStageDuration(t *testing.T) {
	flowerlessPepper := bellPepper()
	flowerlessPepper.GrowthStages[3].Duration = nil

	tests := []struct {
		name     string
		stage    model.GrowthStage
		plant    *model.PlantRecord
		expected string
	}{
		{name: "germination prefers plant germination", stage: model.StageGermination, plant: bellPepper(), expected: "8-28 days"},
		{name: "seedling entry", stage: model.StageSprouted, plant: basil(), expected: "1-2 weeks"},
		{name: "harvest ready falls back to fruiting", stage: model.StageHarvestReady, plant: flowerlessPepper, expected: "4-8 weeks"},
		{name: "missing entry", stage: model.StageFruiting, plant: basil(), expected: Unknown},
		{name: "entry without duration", stage: model.StageGrowing, plant: chamomile(), expected: Unknown},
		{name: "nil plant", stage: model.StageGrowing, plant: nil, expected: Unknown},
		{name: "harvested", stage: model.StageHarvested, plant: bellPepper(), expected: NoDuration},
		{name: "harvested nil plant", stage: model.StageHarvested, plant: nil, expected: NoDuration},
		{name: "unknown stage", stage: model.GrowthStage("bogus"), plant: basil(), expected: Unknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := StageDuration(model.Pod{GrowthStage: tt.stage}, tt.plant)
			if got != tt.expected {
				t.Errorf("Expected %q, got %q", tt.expected, got)
			}
		})
	}
}

func TestStageDurationNeverPanics(t *testing.T) {
	plants := []*model.PlantRecord{nil, {}, basil(), bellPepper(), chamomile(), {GrowthStages: []model.StageEntry{{}}}}
	stages := append([]model.GrowthStage{"", "planted"}, model.GrowthStages...)
	for _, p := range plants {
		for _, s := range stages {
			_ = StageDuration(model.Pod{GrowthStage: s}, p)
			next, _ := NextStage(s, p)
			_, _ = AdvanceLabel(s, p, next)
			_ = Describe(model.Pod{GrowthStage: s}, p)
		}
	}
}

func TestStageLabel(t *testing.T) {
	if got := StageLabel(model.StageSprouted); got != "Seedling" {
		t.Errorf("Expected Seedling, got %q", got)
	}
	if got := StageLabel(model.StageHarvested); got != "Harvested" {
		t.Errorf("Expected Harvested, got %q", got)
	}
	if got := FormatStageKey("harvest_ready"); got != "Harvest Ready" {
		t.Errorf("Expected Harvest Ready, got %q", got)
	}
}

func TestCurrentPlantStageHarvested(t *testing.T) {
	key, ok := CurrentPlantStage(model.StageHarvested, basil())
	if !ok || key != model.PlantVegetative {
		t.Errorf("Expected vegetative, got %q", key)
	}
}

func TestDescribe(t *testing.T) {
	photo := "data:image/png;base64,AAAA"
	pod := model.Pod{ID: "p1", PlantID: "basil", GrowthStage: model.StageGrowing, PhotoDataURL: &photo}
	plant := basil()
	plant.IconImage = "basil.webp"

	d := Describe(pod, plant)
	if d.DisplayImage != photo {
		t.Errorf("Expected photo to win, got %q", d.DisplayImage)
	}
	if d.NextStage != model.StageHarvested || d.AdvanceLabel != LabelHarvest {
		t.Errorf("Expected harvest transition, got %q / %q", d.NextStage, d.AdvanceLabel)
	}
	if d.Duration != "3-4 weeks" {
		t.Errorf("Expected 3-4 weeks, got %q", d.Duration)
	}

	unknown := Describe(model.Pod{ID: "p2", PlantID: "gone", GrowthStage: model.StageSprouted}, nil)
	if unknown.PlantKnown || unknown.Duration != Unknown || unknown.DisplayImage != "" {
		t.Errorf("Expected unknown plant display, got %+v", unknown)
	}
}
