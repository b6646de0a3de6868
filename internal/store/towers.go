package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"gryns/tower-server/internal/model"
)

// CreateTower adds a tower with the next display index. Indexes come from
// a persisted sequence and are never reused, so deleting a tower does not
// renumber the others.
func (s *Store) CreateTower(ctx context.Context, slotCount int) (model.Tower, error) {
	if s.db == nil {
		return model.Tower{}, fmt.Errorf("store not initialized")
	}
	if slotCount < 1 || slotCount > MaxSlots {
		return model.Tower{}, ErrInvalidSlotCount
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Tower{}, fmt.Errorf("begin create tower: %w", err)
	}
	defer tx.Rollback()

	next, err := nextTowerIndex(ctx, tx)
	if err != nil {
		return model.Tower{}, err
	}

	tower := model.Tower{
		ID:        uuid.NewString(),
		Index:     next,
		SlotCount: slotCount,
		CreatedAt: time.Now().UTC(),
	}

	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO towers (id, idx, slot_count, created_at) VALUES (?, ?, ?, ?);`,
		tower.ID,
		tower.Index,
		tower.SlotCount,
		formatTime(tower.CreatedAt),
	)
	if err != nil {
		return model.Tower{}, fmt.Errorf("insert tower: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return model.Tower{}, fmt.Errorf("commit create tower: %w", err)
	}
	return tower, nil
}

// DeleteTower removes a tower and every pod in it.
func (s *Store) DeleteTower(ctx context.Context, id string) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete tower: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM pods WHERE tower_id = ?;`, id); err != nil {
		return fmt.Errorf("delete tower pods: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM towers WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("delete tower: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTowerNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete tower: %w", err)
	}
	return nil
}

// GetTower loads one tower.
func (s *Store) GetTower(ctx context.Context, id string) (model.Tower, error) {
	if s.db == nil {
		return model.Tower{}, fmt.Errorf("store not initialized")
	}
	return getTower(ctx, s.db, id)
}

// AllTowers returns every tower ordered by display index.
func (s *Store) AllTowers(ctx context.Context) ([]model.Tower, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, idx, slot_count, created_at FROM towers ORDER BY idx;`)
	if err != nil {
		return nil, fmt.Errorf("query towers: %w", err)
	}
	defer rows.Close()

	var towers []model.Tower
	for rows.Next() {
		var (
			t            model.Tower
			createdAtStr string
		)
		if err := rows.Scan(&t.ID, &t.Index, &t.SlotCount, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scan tower: %w", err)
		}
		t.CreatedAt = parseTime(createdAtStr)
		towers = append(towers, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate towers: %w", err)
	}
	return towers, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getTower(ctx context.Context, q queryRower, id string) (model.Tower, error) {
	var (
		t            model.Tower
		createdAtStr string
	)
	err := q.QueryRowContext(ctx, `SELECT id, idx, slot_count, created_at FROM towers WHERE id = ?;`, id).
		Scan(&t.ID, &t.Index, &t.SlotCount, &createdAtStr)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Tower{}, ErrTowerNotFound
	}
	if err != nil {
		return model.Tower{}, fmt.Errorf("query tower: %w", err)
	}
	t.CreatedAt = parseTime(createdAtStr)
	return t, nil
}

// nextTowerIndex reserves the next tower index. Databases created before the
// sequence existed start above their highest live index.
func nextTowerIndex(ctx context.Context, tx *sql.Tx) (int, error) {
	var next int
	err := tx.QueryRowContext(ctx, `SELECT next FROM sequences WHERE name = 'tower_index';`).Scan(&next)
	if errors.Is(err, sql.ErrNoRows) {
		err = tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(idx) + 1, 0) FROM towers;`).Scan(&next)
	}
	if err != nil {
		return 0, fmt.Errorf("next tower index: %w", err)
	}

	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO sequences (name, next) VALUES ('tower_index', ?)
		 ON CONFLICT(name) DO UPDATE SET next = excluded.next;`,
		next+1,
	)
	if err != nil {
		return 0, fmt.Errorf("advance tower index: %w", err)
	}
	return next, nil
}
