package app

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"gryns/tower-server/internal/growth"
	"gryns/tower-server/internal/model"
	"gryns/tower-server/internal/store"
)

type towerView struct {
	model.Tower
	Label string `json:"label"`
	Pods  int    `json:"pods"`
}

func (a *App) towerView(t model.Tower) towerView {
	return towerView{Tower: t, Label: t.Label(), Pods: len(a.towers.PodsByTower(t.ID))}
}

func (a *App) handleListTowers(w http.ResponseWriter, r *http.Request) {
	towers := a.towers.Towers()
	out := make([]towerView, 0, len(towers))
	for _, t := range towers {
		out = append(out, a.towerView(t))
	}
	a.writeJSON(w, http.StatusOK, out)
}

func (a *App) handleCreateTower(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SlotCount *int `json:"slot_count"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			return
		}
	}
	slots := a.cfg.DefaultSlots
	if req.SlotCount != nil {
		slots = *req.SlotCount
	}

	t, err := a.towers.CreateTower(r.Context(), slots)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, a.towerView(t))
}

func (a *App) handleGetTower(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	t, ok := a.towers.Tower(id)
	if !ok {
		a.writeError(w, r, store.ErrTowerNotFound)
		return
	}

	pods := a.towers.PodsByTower(id)
	displays := make([]growth.Display, 0, len(pods))
	for _, p := range pods {
		displays = append(displays, a.towers.Describe(p))
	}
	a.writeJSON(w, http.StatusOK, struct {
		towerView
		PodDetails []growth.Display `json:"pod_details"`
	}{a.towerView(t), displays})
}

func (a *App) handleDeleteTower(w http.ResponseWriter, r *http.Request) {
	if err := a.towers.DeleteTower(r.Context(), mux.Vars(r)["id"]); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleAvailableSlots(w http.ResponseWriter, r *http.Request) {
	slots, err := a.towers.AvailableSlots(mux.Vars(r)["id"])
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string][]int{"available": slots})
}

func (a *App) handleListPods(w http.ResponseWriter, r *http.Request) {
	var pods []model.Pod
	if towerID := r.URL.Query().Get("tower_id"); towerID != "" {
		pods = a.towers.PodsByTower(towerID)
	} else {
		pods = a.towers.Pods()
	}
	if pods == nil {
		pods = []model.Pod{}
	}
	a.writeJSON(w, http.StatusOK, pods)
}

type createPodRequest struct {
	model.PodInput
	GrowthStage string `json:"growth_stage"`
	// ScannedIdentifier becomes the pod id and its linked identifier.
	ScannedIdentifier string `json:"scanned_identifier"`
}

func (a *App) handleCreatePod(w http.ResponseWriter, r *http.Request) {
	var req createPodRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	in := req.PodInput
	if req.GrowthStage != "" {
		stage, err := model.ParseGrowthStage(req.GrowthStage)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		in.GrowthStage = stage
	}

	p, err := a.towers.AddPod(r.Context(), in, strings.TrimSpace(req.ScannedIdentifier))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, a.towers.Describe(p))
}

func (a *App) handleGetPod(w http.ResponseWriter, r *http.Request) {
	p, ok := a.towers.Pod(mux.Vars(r)["id"])
	if !ok {
		a.writeError(w, r, store.ErrPodNotFound)
		return
	}
	a.writeJSON(w, http.StatusOK, a.towers.Describe(p))
}

func (a *App) handleUpdatePod(w http.ResponseWriter, r *http.Request) {
	var req struct {
		model.PodUpdate
		GrowthStage *string `json:"growth_stage"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	upd := req.PodUpdate
	if req.GrowthStage != nil {
		stage, err := model.ParseGrowthStage(*req.GrowthStage)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		upd.GrowthStage = &stage
	}
	if upd.Empty() {
		a.writeJSON(w, http.StatusBadRequest, errorBody{Error: "no supported fields provided"})
		return
	}

	p, err := a.towers.UpdatePod(r.Context(), mux.Vars(r)["id"], upd)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, a.towers.Describe(p))
}

func (a *App) handleDeletePod(w http.ResponseWriter, r *http.Request) {
	if err := a.towers.DeletePod(r.Context(), mux.Vars(r)["id"]); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleAdvancePod(w http.ResponseWriter, r *http.Request) {
	p, err := a.towers.AdvancePod(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, a.towers.Describe(p))
}

func (a *App) handleLinkIdentifier(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Identifier string `json:"identifier"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	p, err := a.towers.LinkIdentifier(r.Context(), mux.Vars(r)["id"], strings.TrimSpace(req.Identifier))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, p)
}

func (a *App) handleUnlinkIdentifier(w http.ResponseWriter, r *http.Request) {
	p, err := a.towers.UnlinkIdentifier(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, p)
}

func (a *App) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	res := a.towers.ResolveScan(r.Context(), strings.TrimSpace(req.Value))
	if !res.Found() {
		a.writeError(w, r, res.Err())
		return
	}
	a.writeJSON(w, http.StatusOK, struct {
		Value   string          `json:"value"`
		Anomaly bool            `json:"anomaly"`
		Matches []string        `json:"matches"`
		Pod     growth.Display `json:"pod"`
	}{res.Value, res.Anomaly(), res.Matches, a.towers.Describe(*res.Pod)})
}

func (a *App) handleListPlants(w http.ResponseWriter, r *http.Request) {
	if q := strings.TrimSpace(r.URL.Query().Get("q")); q != "" {
		a.writeJSON(w, http.StatusOK, a.plants.Search(q))
		return
	}
	a.writeJSON(w, http.StatusOK, a.plants.All())
}

func (a *App) handleGetPlant(w http.ResponseWriter, r *http.Request) {
	plant, ok := a.plants.Lookup(mux.Vars(r)["id"])
	if !ok {
		http.Error(w, "plant not found", http.StatusNotFound)
		return
	}
	a.writeJSON(w, http.StatusOK, plant)
}

func (a *App) handlePerenualSearch(w http.ResponseWriter, r *http.Request) {
	if !a.perenual.Enabled() {
		http.Error(w, "plant search not configured", http.StatusServiceUnavailable)
		return
	}
	res, err := a.perenual.Search(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		a.logger.Warn("perenual search failed", "error", err)
		http.Error(w, "plant search failed", http.StatusBadGateway)
		return
	}
	a.writeJSON(w, http.StatusOK, res)
}

func (a *App) handlePerenualSpecies(w http.ResponseWriter, r *http.Request) {
	if !a.perenual.Enabled() {
		http.Error(w, "plant search not configured", http.StatusServiceUnavailable)
		return
	}
	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "invalid species id", http.StatusBadRequest)
		return
	}
	lookup, err := a.perenual.Enrich(r.Context(), id)
	if err != nil {
		a.logger.Warn("perenual lookup failed", "species", id, "error", err)
		http.Error(w, "plant lookup failed", http.StatusBadGateway)
		return
	}
	a.writeJSON(w, http.StatusOK, lookup)
}
