package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"gryns/tower-server/internal/model"
	"gryns/tower-server/internal/resolve"
)

const podColumns = `id, tower_id, plant_id, plant_name, slot_number, planted_at, photo_data_url, growth_stage,
	updated_at, perenual_id, plant_image_url, linked_identifier`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPod(r rowScanner) (model.Pod, error) {
	var (
		p            model.Pod
		plantedAtStr string
		updatedAtStr string
		stage        string
		photo        sql.NullString
		perenualID   sql.NullInt64
		imageURL     sql.NullString
		linked       sql.NullString
	)
	if err := r.Scan(&p.ID, &p.TowerID, &p.PlantID, &p.PlantName, &p.SlotNumber, &plantedAtStr, &photo, &stage,
		&updatedAtStr, &perenualID, &imageURL, &linked); err != nil {
		return model.Pod{}, err
	}

	p.PlantedAt = parseTime(plantedAtStr)
	p.UpdatedAt = parseTime(updatedAtStr)
	if parsed, err := model.ParseGrowthStage(stage); err == nil {
		p.GrowthStage = parsed
	} else {
		p.GrowthStage = model.GrowthStage(stage)
	}
	p.PhotoDataURL = stringPtr(photo)
	p.PerenualID = intPtr(perenualID)
	p.PlantImageURL = stringPtr(imageURL)
	p.LinkedIdentifier = stringPtr(linked)
	return p, nil
}

// CreatePod inserts a pod. explicitID becomes the pod id when set (a
// scanned code), otherwise a uuid is generated. The slot must be free and
// within the tower's range, and neither the id nor the linked identifier
// may already resolve to another pod.
func (s *Store) CreatePod(ctx context.Context, in model.PodInput, explicitID string) (model.Pod, error) {
	if s.db == nil {
		return model.Pod{}, fmt.Errorf("store not initialized")
	}

	id := explicitID
	if id == "" {
		id = uuid.NewString()
	}
	stage := in.GrowthStage
	if stage == "" {
		stage = model.StageGermination
	}
	if !stage.Valid() {
		return model.Pod{}, fmt.Errorf("invalid growth stage %q", stage)
	}

	now := time.Now().UTC()
	plantedAt := in.PlantedAt
	if plantedAt.IsZero() {
		plantedAt = now
	}

	pod := model.Pod{
		ID:               id,
		TowerID:          in.TowerID,
		PlantID:          in.PlantID,
		PlantName:        in.PlantName,
		SlotNumber:       in.SlotNumber,
		PlantedAt:        plantedAt,
		PhotoDataURL:     in.PhotoDataURL,
		GrowthStage:      stage,
		UpdatedAt:        now,
		PerenualID:       in.PerenualID,
		PlantImageURL:    in.PlantImageURL,
		LinkedIdentifier: in.LinkedIdentifier,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Pod{}, fmt.Errorf("begin create pod: %w", err)
	}
	defer tx.Rollback()

	tower, err := getTower(ctx, tx, pod.TowerID)
	if err != nil {
		return model.Pod{}, err
	}
	if err := checkSlot(ctx, tx, tower, pod.SlotNumber, ""); err != nil {
		return model.Pod{}, err
	}
	if err := checkIdentifiers(ctx, tx, pod, ""); err != nil {
		return model.Pod{}, err
	}

	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO pods (`+podColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		pod.ID,
		pod.TowerID,
		pod.PlantID,
		pod.PlantName,
		pod.SlotNumber,
		formatTime(pod.PlantedAt),
		nullString(pod.PhotoDataURL),
		string(pod.GrowthStage),
		formatTime(pod.UpdatedAt),
		nullInt(pod.PerenualID),
		nullString(pod.PlantImageURL),
		nullString(pod.LinkedIdentifier),
	)
	if err != nil {
		return model.Pod{}, mapConstraint(fmt.Errorf("insert pod: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return model.Pod{}, mapConstraint(fmt.Errorf("commit create pod: %w", err))
	}
	return pod, nil
}

// UpdatePod applies a partial update and returns the stored pod.
func (s *Store) UpdatePod(ctx context.Context, id string, upd model.PodUpdate) (model.Pod, error) {
	if s.db == nil {
		return model.Pod{}, fmt.Errorf("store not initialized")
	}
	if upd.GrowthStage != nil && !upd.GrowthStage.Valid() {
		return model.Pod{}, fmt.Errorf("invalid growth stage %q", *upd.GrowthStage)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Pod{}, fmt.Errorf("begin update pod: %w", err)
	}
	defer tx.Rollback()

	current, err := scanPod(tx.QueryRowContext(ctx, `SELECT `+podColumns+` FROM pods WHERE id = ?;`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Pod{}, ErrPodNotFound
	}
	if err != nil {
		return model.Pod{}, fmt.Errorf("query pod: %w", err)
	}

	pod := upd.Apply(current)
	pod.UpdatedAt = time.Now().UTC()

	if pod.SlotNumber != current.SlotNumber {
		tower, err := getTower(ctx, tx, pod.TowerID)
		if err != nil {
			return model.Pod{}, err
		}
		if err := checkSlot(ctx, tx, tower, pod.SlotNumber, pod.ID); err != nil {
			return model.Pod{}, err
		}
	}
	if upd.LinkedIdentifier != nil && !upd.ClearLinkedIdentifier {
		if err := checkIdentifiers(ctx, tx, pod, pod.ID); err != nil {
			return model.Pod{}, err
		}
	}

	_, err = tx.ExecContext(
		ctx,
		`UPDATE pods SET plant_id = ?, plant_name = ?, slot_number = ?, planted_at = ?, photo_data_url = ?,
			growth_stage = ?, updated_at = ?, perenual_id = ?, plant_image_url = ?, linked_identifier = ?
		 WHERE id = ?;`,
		pod.PlantID,
		pod.PlantName,
		pod.SlotNumber,
		formatTime(pod.PlantedAt),
		nullString(pod.PhotoDataURL),
		string(pod.GrowthStage),
		formatTime(pod.UpdatedAt),
		nullInt(pod.PerenualID),
		nullString(pod.PlantImageURL),
		nullString(pod.LinkedIdentifier),
		pod.ID,
	)
	if err != nil {
		return model.Pod{}, mapConstraint(fmt.Errorf("update pod: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return model.Pod{}, fmt.Errorf("commit update pod: %w", err)
	}
	return pod, nil
}

// DeletePod removes one pod.
func (s *Store) DeletePod(ctx context.Context, id string) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM pods WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("delete pod: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrPodNotFound
	}
	return nil
}

// GetPod loads one pod.
func (s *Store) GetPod(ctx context.Context, id string) (model.Pod, error) {
	if s.db == nil {
		return model.Pod{}, fmt.Errorf("store not initialized")
	}

	pod, err := scanPod(s.db.QueryRowContext(ctx, `SELECT `+podColumns+` FROM pods WHERE id = ?;`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Pod{}, ErrPodNotFound
	}
	if err != nil {
		return model.Pod{}, fmt.Errorf("query pod: %w", err)
	}
	return pod, nil
}

// AllPods returns every pod in insertion order, the stable order used to
// break ties when an identifier resolves to several pods.
func (s *Store) AllPods(ctx context.Context) ([]model.Pod, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}
	return s.queryPods(ctx, `SELECT `+podColumns+` FROM pods ORDER BY rowid;`)
}

// PodsByTower returns the pods of one tower ordered by slot.
func (s *Store) PodsByTower(ctx context.Context, towerID string) ([]model.Pod, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}
	return s.queryPods(ctx, `SELECT `+podColumns+` FROM pods WHERE tower_id = ? ORDER BY slot_number;`, towerID)
}

func (s *Store) queryPods(ctx context.Context, query string, args ...any) ([]model.Pod, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query pods: %w", err)
	}
	defer rows.Close()

	var pods []model.Pod
	for rows.Next() {
		pod, err := scanPod(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pod: %w", err)
		}
		pods = append(pods, pod)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pods: %w", err)
	}
	return pods, nil
}

func checkSlot(ctx context.Context, tx *sql.Tx, tower model.Tower, slot int, selfID string) error {
	if slot < 1 || slot > tower.SlotCount {
		return ErrInvalidSlot
	}
	var occupant string
	err := tx.QueryRowContext(ctx, `SELECT id FROM pods WHERE tower_id = ? AND slot_number = ?;`, tower.ID, slot).Scan(&occupant)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("query slot: %w", err)
	}
	if occupant != selfID {
		return ErrSlotOccupied
	}
	return nil
}

// checkIdentifiers rejects a pod whose id or linked identifier already
// resolves to a pod other than selfID. selfID is empty for new pods. A set
// but blank linked identifier is rejected; clearing goes through
// ClearLinkedIdentifier.
func checkIdentifiers(ctx context.Context, tx *sql.Tx, pod model.Pod, selfID string) error {
	if pod.LinkedIdentifier != nil && *pod.LinkedIdentifier == "" {
		return resolve.ErrEmptyIdentifier
	}
	rows, err := tx.QueryContext(ctx, `SELECT id, linked_identifier FROM pods ORDER BY rowid;`)
	if err != nil {
		return fmt.Errorf("query identifiers: %w", err)
	}
	defer rows.Close()

	var existing []model.Pod
	for rows.Next() {
		var (
			p      model.Pod
			linked sql.NullString
		)
		if err := rows.Scan(&p.ID, &linked); err != nil {
			return fmt.Errorf("scan identifiers: %w", err)
		}
		p.LinkedIdentifier = stringPtr(linked)
		existing = append(existing, p)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate identifiers: %w", err)
	}

	for _, ident := range pod.Identifiers() {
		if err := resolve.CheckLinkable(ident, existing, selfID); err != nil {
			return err
		}
	}
	return nil
}

func mapConstraint(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed: pods.tower_id, pods.slot_number"):
		return ErrSlotOccupied
	case strings.Contains(msg, "UNIQUE constraint failed: pods.id"):
		return fmt.Errorf("%w: %v", resolve.ErrDuplicateIdentifier, err)
	case strings.Contains(msg, "FOREIGN KEY constraint failed"):
		return ErrTowerNotFound
	}
	return err
}
