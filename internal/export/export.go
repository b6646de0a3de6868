// Package export flattens pods into tabular rows for CSV and parquet files.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/parquet-go/parquet-go"

	"gryns/tower-server/internal/growth"
	"gryns/tower-server/internal/model"
	"gryns/tower-server/internal/plants"
)

// PodRow is one exported pod.
type PodRow struct {
	PodID            string `json:"pod_id" parquet:"pod_id"`
	Tower            string `json:"tower" parquet:"tower"`
	TowerID          string `json:"tower_id" parquet:"tower_id"`
	SlotNumber       int32  `json:"slot_number" parquet:"slot_number"`
	PlantID          string `json:"plant_id" parquet:"plant_id"`
	PlantName        string `json:"plant_name" parquet:"plant_name"`
	GrowthStage      string `json:"growth_stage" parquet:"growth_stage"`
	StageName        string `json:"stage_name" parquet:"stage_name"`
	StageDuration    string `json:"stage_duration" parquet:"stage_duration"`
	PlantedAt        string `json:"planted_at" parquet:"planted_at"`
	UpdatedAt        string `json:"updated_at" parquet:"updated_at"`
	LinkedIdentifier string `json:"linked_identifier" parquet:"linked_identifier"`
}

var csvHeader = []string{
	"pod_id", "tower", "tower_id", "slot_number", "plant_id", "plant_name",
	"growth_stage", "stage_name", "stage_duration", "planted_at", "updated_at", "linked_identifier",
}

// Rows builds export rows in the order pods are given. Pods on unknown
// towers keep an empty tower label.
func Rows(towers []model.Tower, pods []model.Pod, library *plants.Index) []PodRow {
	labels := make(map[string]string, len(towers))
	for _, t := range towers {
		labels[t.ID] = t.Label()
	}

	rows := make([]PodRow, 0, len(pods))
	for _, p := range pods {
		plant, _ := library.Lookup(p.PlantID)
		d := growth.Describe(p, plant)
		row := PodRow{
			PodID:         p.ID,
			Tower:         labels[p.TowerID],
			TowerID:       p.TowerID,
			SlotNumber:    int32(p.SlotNumber),
			PlantID:       p.PlantID,
			PlantName:     p.PlantName,
			GrowthStage:   string(p.GrowthStage),
			StageName:     d.StageName,
			StageDuration: d.Duration,
			PlantedAt:     p.PlantedAt.UTC().Format(time.RFC3339),
			UpdatedAt:     p.UpdatedAt.UTC().Format(time.RFC3339),
		}
		if p.LinkedIdentifier != nil {
			row.LinkedIdentifier = *p.LinkedIdentifier
		}
		rows = append(rows, row)
	}
	return rows
}

// WriteCSV writes rows with a header line.
func WriteCSV(w io.Writer, rows []PodRow) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, r := range rows {
		record := []string{
			r.PodID, r.Tower, r.TowerID, strconv.Itoa(int(r.SlotNumber)), r.PlantID, r.PlantName,
			r.GrowthStage, r.StageName, r.StageDuration, r.PlantedAt, r.UpdatedAt, r.LinkedIdentifier,
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write row %s: %w", r.PodID, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteParquet writes rows as a single parquet file.
func WriteParquet(w io.Writer, rows []PodRow) error {
	pw := parquet.NewGenericWriter[PodRow](w)
	if _, err := pw.Write(rows); err != nil {
		_ = pw.Close()
		return fmt.Errorf("write parquet rows: %w", err)
	}
	if err := pw.Close(); err != nil {
		return fmt.Errorf("close parquet writer: %w", err)
	}
	return nil
}
