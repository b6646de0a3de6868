// Package tower is the read-through cache over the tower and pod store.
// Every write completes in the store before the cache changes, so a read
// that follows a write always observes it.
package tower

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"gryns/tower-server/internal/growth"
	"gryns/tower-server/internal/model"
	"gryns/tower-server/internal/plants"
	"gryns/tower-server/internal/resolve"
	"gryns/tower-server/internal/store"
)

var (
	ErrTerminalStage = errors.New("pod is already harvested")
	ErrUnknownPlant  = errors.New("unknown plant")
)

// Repository is the persistent store behind the service.
type Repository interface {
	AllTowers(ctx context.Context) ([]model.Tower, error)
	AllPods(ctx context.Context) ([]model.Pod, error)
	CreateTower(ctx context.Context, slotCount int) (model.Tower, error)
	DeleteTower(ctx context.Context, id string) error
	CreatePod(ctx context.Context, in model.PodInput, explicitID string) (model.Pod, error)
	UpdatePod(ctx context.Context, id string, upd model.PodUpdate) (model.Pod, error)
	DeletePod(ctx context.Context, id string) error
}

// EventType names a change pushed to listeners.
type EventType string

const (
	TowerCreated EventType = "tower.created"
	TowerDeleted EventType = "tower.deleted"
	PodCreated   EventType = "pod.created"
	PodUpdated   EventType = "pod.updated"
	PodDeleted   EventType = "pod.deleted"
)

// Event describes a committed change.
type Event struct {
	Type  EventType    `json:"type"`
	Tower *model.Tower `json:"tower,omitempty"`
	Pod   *model.Pod   `json:"pod,omitempty"`
}

// Service owns tower and pod state for the running process.
type Service struct {
	repo     Repository
	plants   *plants.Index
	resolver *resolve.Resolver
	logger   *slog.Logger

	mu       sync.RWMutex
	towers   map[string]model.Tower
	pods     map[string]model.Pod
	podOrder []string

	listenersMu sync.RWMutex
	listeners   []func(Event)
}

// NewService loads the current state from repo.
func NewService(ctx context.Context, repo Repository, library *plants.Index, resolver *resolve.Resolver, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if resolver == nil {
		resolver = resolve.New(logger, nil)
	}
	s := &Service{repo: repo, plants: library, resolver: resolver, logger: logger}
	if err := s.Refresh(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Refresh replaces the cache with a full read of the store.
func (s *Service) Refresh(ctx context.Context) error {
	towers, err := s.repo.AllTowers(ctx)
	if err != nil {
		return fmt.Errorf("load towers: %w", err)
	}
	pods, err := s.repo.AllPods(ctx)
	if err != nil {
		return fmt.Errorf("load pods: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.towers = make(map[string]model.Tower, len(towers))
	for _, t := range towers {
		s.towers[t.ID] = t
	}
	s.pods = make(map[string]model.Pod, len(pods))
	s.podOrder = s.podOrder[:0]
	for _, p := range pods {
		s.pods[p.ID] = p
		s.podOrder = append(s.podOrder, p.ID)
	}
	return nil
}

// Subscribe registers fn for every committed change.
func (s *Service) Subscribe(fn func(Event)) {
	s.listenersMu.Lock()
	s.listeners = append(s.listeners, fn)
	s.listenersMu.Unlock()
}

func (s *Service) emit(e Event) {
	s.listenersMu.RLock()
	defer s.listenersMu.RUnlock()
	for _, fn := range s.listeners {
		fn(e)
	}
}

// Plants exposes the plant library the service resolves against.
func (s *Service) Plants() *plants.Index {
	return s.plants
}

// Towers returns every tower ordered by index.
func (s *Service) Towers() []model.Tower {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Tower, 0, len(s.towers))
	for _, t := range s.towers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// Tower returns one tower.
func (s *Service) Tower(id string) (model.Tower, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.towers[id]
	return t, ok
}

// Pods returns every pod in stable insertion order.
func (s *Service) Pods() []model.Pod {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Pod, 0, len(s.podOrder))
	for _, id := range s.podOrder {
		out = append(out, s.pods[id])
	}
	return out
}

// Pod returns one pod.
func (s *Service) Pod(id string) (model.Pod, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pods[id]
	return p, ok
}

// PodsByTower returns a tower's pods ordered by slot.
func (s *Service) PodsByTower(towerID string) []model.Pod {
	var out []model.Pod
	for _, p := range s.Pods() {
		if p.TowerID == towerID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SlotNumber < out[j].SlotNumber })
	return out
}

// AvailableSlots lists the free slot numbers of a tower in ascending order.
func (s *Service) AvailableSlots(towerID string) ([]int, error) {
	t, ok := s.Tower(towerID)
	if !ok {
		return nil, fmt.Errorf("tower %s: %w", towerID, store.ErrTowerNotFound)
	}
	used := make(map[int]bool)
	for _, p := range s.PodsByTower(towerID) {
		used[p.SlotNumber] = true
	}
	free := make([]int, 0, t.SlotCount)
	for slot := 1; slot <= t.SlotCount; slot++ {
		if !used[slot] {
			free = append(free, slot)
		}
	}
	return free, nil
}

// CreateTower adds a tower.
func (s *Service) CreateTower(ctx context.Context, slotCount int) (model.Tower, error) {
	t, err := s.repo.CreateTower(ctx, slotCount)
	if err != nil {
		return model.Tower{}, err
	}
	s.mu.Lock()
	s.towers[t.ID] = t
	s.mu.Unlock()

	s.logger.Info("tower created", "tower", t.ID, "label", t.Label(), "slots", t.SlotCount)
	s.emit(Event{Type: TowerCreated, Tower: &t})
	return t, nil
}

// DeleteTower removes a tower and its pods.
func (s *Service) DeleteTower(ctx context.Context, id string) error {
	if err := s.repo.DeleteTower(ctx, id); err != nil {
		return err
	}

	s.mu.Lock()
	t := s.towers[id]
	delete(s.towers, id)
	kept := s.podOrder[:0]
	for _, podID := range s.podOrder {
		if s.pods[podID].TowerID == id {
			delete(s.pods, podID)
			continue
		}
		kept = append(kept, podID)
	}
	s.podOrder = kept
	s.mu.Unlock()

	s.logger.Info("tower deleted", "tower", id)
	s.emit(Event{Type: TowerDeleted, Tower: &t})
	return nil
}

// AddPod creates a pod. A non-empty scanned identifier becomes both the
// pod id and its linked identifier. An empty plant name is filled in from
// the plant library.
func (s *Service) AddPod(ctx context.Context, in model.PodInput, scanned string) (model.Pod, error) {
	if strings.TrimSpace(in.PlantID) == "" {
		return model.Pod{}, ErrUnknownPlant
	}
	if in.PlantName == "" {
		if plant, ok := s.plants.Lookup(in.PlantID); ok {
			in.PlantName = plant.Name
		} else {
			in.PlantName = in.PlantID
		}
	}
	if in.GrowthStage == "" {
		in.GrowthStage = growth.InitialStage()
	}
	if scanned != "" {
		if err := resolve.CheckLinkable(scanned, s.Pods(), ""); err != nil {
			return model.Pod{}, err
		}
		v := scanned
		in.LinkedIdentifier = &v
	}

	p, err := s.repo.CreatePod(ctx, in, scanned)
	if err != nil {
		return model.Pod{}, err
	}
	s.storePod(p)

	s.logger.Info("pod created", "pod", p.ID, "tower", p.TowerID, "slot", p.SlotNumber, "plant", p.PlantID)
	s.emit(Event{Type: PodCreated, Pod: &p})
	return p, nil
}

// UpdatePod applies a partial update.
func (s *Service) UpdatePod(ctx context.Context, id string, upd model.PodUpdate) (model.Pod, error) {
	p, err := s.repo.UpdatePod(ctx, id, upd)
	if err != nil {
		return model.Pod{}, err
	}
	s.storePod(p)
	s.emit(Event{Type: PodUpdated, Pod: &p})
	return p, nil
}

// AdvancePod moves a pod to its next growth stage.
func (s *Service) AdvancePod(ctx context.Context, id string) (model.Pod, error) {
	current, ok := s.Pod(id)
	if !ok {
		return model.Pod{}, fmt.Errorf("pod %s: %w", id, store.ErrPodNotFound)
	}
	plant, _ := s.plants.Lookup(current.PlantID)
	next, ok := growth.NextStage(current.GrowthStage, plant)
	if !ok {
		return model.Pod{}, ErrTerminalStage
	}

	p, err := s.UpdatePod(ctx, id, model.PodUpdate{GrowthStage: &next})
	if err != nil {
		return model.Pod{}, err
	}
	s.logger.Info("pod advanced", "pod", id, "from", current.GrowthStage, "to", next)
	return p, nil
}

// DeletePod removes a pod.
func (s *Service) DeletePod(ctx context.Context, id string) error {
	if err := s.repo.DeletePod(ctx, id); err != nil {
		return err
	}

	s.mu.Lock()
	p := s.pods[id]
	delete(s.pods, id)
	for i, podID := range s.podOrder {
		if podID == id {
			s.podOrder = append(s.podOrder[:i], s.podOrder[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	s.logger.Info("pod deleted", "pod", id)
	s.emit(Event{Type: PodDeleted, Pod: &p})
	return nil
}

// LinkIdentifier attaches a scanned identifier to a pod. Identifiers that
// already reach a different pod are rejected.
func (s *Service) LinkIdentifier(ctx context.Context, podID, raw string) (model.Pod, error) {
	if _, ok := s.Pod(podID); !ok {
		return model.Pod{}, fmt.Errorf("pod %s: %w", podID, store.ErrPodNotFound)
	}
	if err := resolve.CheckLinkable(raw, s.Pods(), podID); err != nil {
		return model.Pod{}, err
	}
	p, err := s.UpdatePod(ctx, podID, model.PodUpdate{LinkedIdentifier: &raw})
	if err != nil {
		return model.Pod{}, err
	}
	s.logger.Info("identifier linked", "pod", podID, "identifier", raw)
	return p, nil
}

// UnlinkIdentifier removes a pod's linked identifier.
func (s *Service) UnlinkIdentifier(ctx context.Context, podID string) (model.Pod, error) {
	return s.UpdatePod(ctx, podID, model.PodUpdate{ClearLinkedIdentifier: true})
}

// ResolveScan maps a scanned value to a pod.
func (s *Service) ResolveScan(ctx context.Context, raw string) resolve.Result {
	return s.resolver.Resolve(ctx, raw, s.Pods())
}

// Describe renders display info for a pod.
func (s *Service) Describe(p model.Pod) growth.Display {
	plant, _ := s.plants.Lookup(p.PlantID)
	return growth.Describe(p, plant)
}

func (s *Service) storePod(p model.Pod) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.pods[p.ID]; !exists {
		s.podOrder = append(s.podOrder, p.ID)
	}
	s.pods[p.ID] = p
}
