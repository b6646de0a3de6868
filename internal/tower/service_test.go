package tower

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"gryns/tower-server/internal/model"
	"gryns/tower-server/internal/plants"
	"gryns/tower-server/internal/resolve"
	"gryns/tower-server/internal/store"
)

type memRecorder struct {
	mu        sync.Mutex
	anomalies []model.IntegrityAnomaly
}

func (r *memRecorder) RecordAnomaly(_ context.Context, a model.IntegrityAnomaly) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.anomalies = append(r.anomalies, a)
	return nil
}

func newTestService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "gryns.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	ctx := context.Background()
	if err := st.InitSchema(ctx); err != nil {
		t.Fatalf("InitSchema: %v", err)
	}
	library, err := plants.Default()
	if err != nil {
		t.Fatalf("plants.Default: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc, err := NewService(ctx, st, library, resolve.New(logger, &memRecorder{}), logger)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc, st
}

func TestWritesAreVisibleToFollowingReads(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	tw, err := svc.CreateTower(ctx, 4)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := svc.Tower(tw.ID); !ok {
		t.Fatal("Expected new tower in cache")
	}

	p, err := svc.AddPod(ctx, model.PodInput{TowerID: tw.ID, PlantID: "basil", SlotNumber: 2}, "")
	if err != nil {
		t.Fatal(err)
	}
	if p.PlantName != "Basil" {
		t.Errorf("Expected plant name from library, got %q", p.PlantName)
	}
	if p.GrowthStage != model.StageGermination {
		t.Errorf("Expected germination, got %s", p.GrowthStage)
	}
	if got := svc.PodsByTower(tw.ID); len(got) != 1 || got[0].ID != p.ID {
		t.Errorf("Expected pod in tower listing, got %+v", got)
	}

	free, err := svc.AvailableSlots(tw.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(free) != 3 || free[0] != 1 || free[1] != 3 || free[2] != 4 {
		t.Errorf("Expected slots [1 3 4], got %v", free)
	}
}

func TestCacheMatchesStoreAfterRefresh(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	tw, _ := svc.CreateTower(ctx, 6)
	for slot := 1; slot <= 3; slot++ {
		if _, err := svc.AddPod(ctx, model.PodInput{TowerID: tw.ID, PlantID: "lettuce", SlotNumber: slot}, ""); err != nil {
			t.Fatal(err)
		}
	}
	before := svc.Pods()

	stored, err := st.AllPods(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != len(before) {
		t.Fatalf("Expected %d stored pods, got %d", len(before), len(stored))
	}
	if err := svc.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	after := svc.Pods()
	for i := range before {
		if before[i].ID != after[i].ID {
			t.Errorf("Expected stable order at %d, got %s and %s", i, before[i].ID, after[i].ID)
		}
	}
}

func TestAddPodWithScannedIdentifier(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	tw, _ := svc.CreateTower(ctx, 4)

	p, err := svc.AddPod(ctx, model.PodInput{TowerID: tw.ID, PlantID: "basil", SlotNumber: 1}, "04:A1:B2")
	if err != nil {
		t.Fatal(err)
	}
	if p.ID != "04:A1:B2" || p.LinkedIdentifier == nil || *p.LinkedIdentifier != "04:A1:B2" {
		t.Errorf("Expected scanned value as id and identifier, got %+v", p)
	}

	_, err = svc.AddPod(ctx, model.PodInput{TowerID: tw.ID, PlantID: "basil", SlotNumber: 2}, "04:A1:B2")
	if !errors.Is(err, resolve.ErrDuplicateIdentifier) {
		t.Errorf("Expected duplicate identifier, got %v", err)
	}
	if len(svc.Pods()) != 1 {
		t.Errorf("Expected failed add to leave the cache alone, got %d pods", len(svc.Pods()))
	}
}

func TestAdvancePodFollowsPlantStages(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	tw, _ := svc.CreateTower(ctx, 4)

	p, err := svc.AddPod(ctx, model.PodInput{TowerID: tw.ID, PlantID: "basil", SlotNumber: 1, GrowthStage: model.StageGrowing}, "")
	if err != nil {
		t.Fatal(err)
	}

	p, err = svc.AdvancePod(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if p.GrowthStage != model.StageHarvested {
		t.Fatalf("Expected basil to go straight to harvested, got %s", p.GrowthStage)
	}
	if cached, _ := svc.Pod(p.ID); cached.GrowthStage != model.StageHarvested {
		t.Errorf("Expected cache to hold harvested, got %s", cached.GrowthStage)
	}

	if _, err := svc.AdvancePod(ctx, p.ID); !errors.Is(err, ErrTerminalStage) {
		t.Errorf("Expected ErrTerminalStage, got %v", err)
	}
	if _, err := svc.AdvancePod(ctx, "missing"); !errors.Is(err, store.ErrPodNotFound) {
		t.Errorf("Expected ErrPodNotFound, got %v", err)
	}
}

func TestLinkAndResolve(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	tw, _ := svc.CreateTower(ctx, 4)
	a, _ := svc.AddPod(ctx, model.PodInput{TowerID: tw.ID, PlantID: "basil", SlotNumber: 1}, "")
	b, _ := svc.AddPod(ctx, model.PodInput{TowerID: tw.ID, PlantID: "kale", SlotNumber: 2}, "")

	if _, err := svc.LinkIdentifier(ctx, a.ID, "QR-1"); err != nil {
		t.Fatal(err)
	}
	if res := svc.ResolveScan(ctx, "QR-1"); !res.Found() || res.Pod.ID != a.ID {
		t.Errorf("Expected QR-1 to resolve to %s, got %+v", a.ID, res)
	}

	// Relinking the same value to the same pod is allowed.
	if _, err := svc.LinkIdentifier(ctx, a.ID, "QR-1"); err != nil {
		t.Errorf("Expected relink to succeed, got %v", err)
	}
	if _, err := svc.LinkIdentifier(ctx, b.ID, "QR-1"); !errors.Is(err, resolve.ErrDuplicateIdentifier) {
		t.Errorf("Expected duplicate identifier, got %v", err)
	}
	if _, err := svc.LinkIdentifier(ctx, b.ID, a.ID); !errors.Is(err, resolve.ErrDuplicateIdentifier) {
		t.Errorf("Expected another pod's id to be rejected, got %v", err)
	}

	if _, err := svc.UnlinkIdentifier(ctx, a.ID); err != nil {
		t.Fatal(err)
	}
	if res := svc.ResolveScan(ctx, "QR-1"); res.Found() {
		t.Errorf("Expected QR-1 to be unlinked, got %+v", res)
	}
}

func TestDeleteTowerDropsPodsFromCache(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	keep, _ := svc.CreateTower(ctx, 4)
	drop, _ := svc.CreateTower(ctx, 4)
	kept, _ := svc.AddPod(ctx, model.PodInput{TowerID: keep.ID, PlantID: "basil", SlotNumber: 1}, "")
	_, _ = svc.AddPod(ctx, model.PodInput{TowerID: drop.ID, PlantID: "basil", SlotNumber: 1}, "")

	var events []EventType
	svc.Subscribe(func(e Event) { events = append(events, e.Type) })

	if err := svc.DeleteTower(ctx, drop.ID); err != nil {
		t.Fatal(err)
	}
	pods := svc.Pods()
	if len(pods) != 1 || pods[0].ID != kept.ID {
		t.Errorf("Expected only %s to remain, got %+v", kept.ID, pods)
	}
	if len(svc.Towers()) != 1 {
		t.Errorf("Expected one tower, got %d", len(svc.Towers()))
	}
	if len(events) != 1 || events[0] != TowerDeleted {
		t.Errorf("Expected one tower.deleted event, got %v", events)
	}

	if err := svc.DeleteTower(ctx, drop.ID); !errors.Is(err, store.ErrTowerNotFound) {
		t.Errorf("Expected ErrTowerNotFound, got %v", err)
	}
}

func TestDeletePod(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	tw, _ := svc.CreateTower(ctx, 4)
	p, _ := svc.AddPod(ctx, model.PodInput{TowerID: tw.ID, PlantID: "basil", SlotNumber: 1}, "")

	if err := svc.DeletePod(ctx, p.ID); err != nil {
		t.Fatal(err)
	}
	if _, ok := svc.Pod(p.ID); ok {
		t.Error("Expected pod to be gone from cache")
	}
	if _, err := svc.AddPod(ctx, model.PodInput{TowerID: tw.ID, PlantID: "basil", SlotNumber: 1}, ""); err != nil {
		t.Errorf("Expected slot to be free again, got %v", err)
	}
}

func TestAddPodRequiresPlant(t *testing.T) {
	svc, _ := newTestService(t)
	tw, _ := svc.CreateTower(context.Background(), 4)
	_, err := svc.AddPod(context.Background(), model.PodInput{TowerID: tw.ID, SlotNumber: 1}, "")
	if !errors.Is(err, ErrUnknownPlant) {
		t.Errorf("Expected ErrUnknownPlant, got %v", err)
	}
}

func TestBlankIdentifierIsNeverStoredOrResolved(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	tw, _ := svc.CreateTower(ctx, 4)
	a, err := svc.AddPod(ctx, model.PodInput{TowerID: tw.ID, PlantID: "basil", SlotNumber: 1}, "")
	if err != nil {
		t.Fatal(err)
	}
	b, err := svc.AddPod(ctx, model.PodInput{TowerID: tw.ID, PlantID: "kale", SlotNumber: 2}, "")
	if err != nil {
		t.Fatal(err)
	}

	blank := ""
	for _, id := range []string{a.ID, b.ID} {
		if _, err := svc.UpdatePod(ctx, id, model.PodUpdate{LinkedIdentifier: &blank}); !errors.Is(err, resolve.ErrEmptyIdentifier) {
			t.Errorf("Expected ErrEmptyIdentifier for pod %s, got %v", id, err)
		}
		if p, _ := svc.Pod(id); p.LinkedIdentifier != nil {
			t.Errorf("Expected no linked identifier on pod %s, got %q", id, *p.LinkedIdentifier)
		}
	}

	if _, err := svc.AddPod(ctx, model.PodInput{TowerID: tw.ID, PlantID: "basil", SlotNumber: 3, LinkedIdentifier: &blank}, ""); !errors.Is(err, resolve.ErrEmptyIdentifier) {
		t.Errorf("Expected ErrEmptyIdentifier on create, got %v", err)
	}

	if res := svc.ResolveScan(ctx, ""); res.Found() {
		t.Errorf("Expected blank value not to resolve, got pod %s", res.Pod.ID)
	}
}
