package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"gryns/tower-server/internal/config"
	"gryns/tower-server/internal/export"
)

func (a *App) routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", a.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", a.handleReadyz).Methods(http.MethodGet)
	r.HandleFunc("/ws/events", a.handleEvents).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/towers", a.handleListTowers).Methods(http.MethodGet)
	api.HandleFunc("/towers", a.handleCreateTower).Methods(http.MethodPost)
	api.HandleFunc("/towers/{id}", a.handleGetTower).Methods(http.MethodGet)
	api.HandleFunc("/towers/{id}", a.handleDeleteTower).Methods(http.MethodDelete)
	api.HandleFunc("/towers/{id}/slots", a.handleAvailableSlots).Methods(http.MethodGet)

	api.HandleFunc("/pods", a.handleListPods).Methods(http.MethodGet)
	api.HandleFunc("/pods", a.handleCreatePod).Methods(http.MethodPost)
	api.HandleFunc("/pods/{id}", a.handleGetPod).Methods(http.MethodGet)
	api.HandleFunc("/pods/{id}", a.handleUpdatePod).Methods(http.MethodPatch)
	api.HandleFunc("/pods/{id}", a.handleDeletePod).Methods(http.MethodDelete)
	api.HandleFunc("/pods/{id}/advance", a.handleAdvancePod).Methods(http.MethodPost)
	api.HandleFunc("/pods/{id}/identifier", a.handleLinkIdentifier).Methods(http.MethodPut)
	api.HandleFunc("/pods/{id}/identifier", a.handleUnlinkIdentifier).Methods(http.MethodDelete)

	api.HandleFunc("/plants", a.handleListPlants).Methods(http.MethodGet)
	api.HandleFunc("/plants/{id}", a.handleGetPlant).Methods(http.MethodGet)
	api.HandleFunc("/perenual/search", a.handlePerenualSearch).Methods(http.MethodGet)
	api.HandleFunc("/perenual/species/{id:[0-9]+}", a.handlePerenualSpecies).Methods(http.MethodGet)

	api.HandleFunc("/resolve", a.handleResolve).Methods(http.MethodPost)
	api.HandleFunc("/scans", a.handleStartScan).Methods(http.MethodPost)
	api.HandleFunc("/scans/capabilities", a.handleScanCapabilities).Methods(http.MethodGet)
	api.HandleFunc("/scans/{id}", a.handleGetScan).Methods(http.MethodGet)
	api.HandleFunc("/scans/{id}", a.handleCancelScan).Methods(http.MethodDelete)
	api.HandleFunc("/nfc/format", a.handleFormatTag).Methods(http.MethodPost)

	api.HandleFunc("/scan-events", a.handleRecentScanEvents).Methods(http.MethodGet)
	api.HandleFunc("/anomalies", a.handleRecentAnomalies).Methods(http.MethodGet)
	api.HandleFunc("/export/pods", a.handleExportPods).Methods(http.MethodGet)
	api.HandleFunc("/config", a.handleConfig)
	api.HandleFunc("/admin/wipe", a.handleWipeDatabase)

	return r
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (a *App) handleReadyz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if a.store == nil || a.broker == nil || a.towers == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"starting"}`))
		return
	}
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}

func (a *App) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.serveConfig(w, r)
	case http.MethodPost:
		a.updateConfig(w, r)
	default:
		methodNotAllowed(w, "GET, POST")
	}
}

func (a *App) serveConfig(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	persisted, err := a.store.AppConfig(ctx)
	if err != nil {
		a.logger.Error("failed to load app config", "error", err)
		http.Error(w, "failed to load config", http.StatusInternalServerError)
		return
	}

	active := map[string]any{
		"http_port":         a.cfg.HTTPPort,
		"mqtt_bind":         a.cfg.MQTTBindAddress,
		"mqtt_upstream":     a.cfg.MQTTUpstream,
		"database_path":     a.cfg.DatabasePath,
		"log_level":         a.cfg.LogLevel,
		"plant_library":     a.cfg.PlantLibrary,
		"nfc_enabled":       a.cfg.NFCEnabled,
		"qr_enabled":        a.cfg.QREnabled,
		"scan_timeout":      a.cfg.ScanTimeout.String(),
		"qr_frame_interval": a.cfg.QRFrameInterval.String(),
		"mdns":              a.cfg.MDNSEnabled,
		"default_slots":     a.cfg.DefaultSlots,
		"perenual_enabled":  a.perenual.Enabled(),
	}

	a.writeJSON(w, http.StatusOK, struct {
		Active    map[string]any    `json:"active"`
		Persisted map[string]string `json:"persisted"`
	}{Active: active, Persisted: persisted})
}

func (a *App) updateConfig(w http.ResponseWriter, r *http.Request) {
	var req struct {
		HTTPPort     *int `json:"http_port"`
		DefaultSlots *int `json:"default_slots"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	type updateResult struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	updates := []updateResult{}

	if req.HTTPPort != nil {
		port := *req.HTTPPort
		if port < 1 || port > 65535 {
			http.Error(w, "http_port must be between 1 and 65535", http.StatusBadRequest)
			return
		}
		updates = append(updates, updateResult{Key: configHTTPPort, Value: strconv.Itoa(port)})
	}
	if req.DefaultSlots != nil {
		n := *req.DefaultSlots
		if n != config.ClampSlots(n) {
			http.Error(w, "default_slots must be between 1 and 99", http.StatusBadRequest)
			return
		}
		updates = append(updates, updateResult{Key: configDefaultSlots, Value: strconv.Itoa(n)})
	}

	if len(updates) == 0 {
		a.writeJSON(w, http.StatusBadRequest, errorBody{Error: "no supported fields provided"})
		return
	}

	for _, u := range updates {
		if err := a.store.UpsertAppConfig(ctx, u.Key, u.Value); err != nil {
			a.logger.Error("failed to update config", "key", u.Key, "error", err)
			http.Error(w, "failed to persist config", http.StatusInternalServerError)
			return
		}
	}

	a.writeJSON(w, http.StatusOK, struct {
		Updates         []updateResult `json:"updates"`
		RequiresRestart bool           `json:"requires_restart"`
	}{Updates: updates, RequiresRestart: true})
}

func (a *App) handleRecentScanEvents(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	events, err := a.store.RecentScanEvents(ctx, queryLimit(r, 50))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, events)
}

func (a *App) handleRecentAnomalies(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	anomalies, err := a.store.RecentAnomalies(ctx, queryLimit(r, 25))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, anomalies)
}

func queryLimit(r *http.Request, def int) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 || limit > 500 {
		return def
	}
	return limit
}

func (a *App) handleExportPods(w http.ResponseWriter, r *http.Request) {
	rows := export.Rows(a.towers.Towers(), a.towers.Pods(), a.plants)
	stamp := time.Now().UTC().Format("20060102")

	switch strings.ToLower(r.URL.Query().Get("format")) {
	case "", "csv":
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=gryns_pods_%s.csv", stamp))
		if err := export.WriteCSV(w, rows); err != nil {
			a.logger.Error("export: failed to write row", "error", err)
		}
	case "parquet":
		w.Header().Set("Content-Type", "application/vnd.apache.parquet")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=gryns_pods_%s.parquet", stamp))
		if err := export.WriteParquet(w, rows); err != nil {
			a.logger.Error("export: failed to write parquet", "error", err)
		}
	default:
		http.Error(w, "format must be csv or parquet", http.StatusBadRequest)
		return
	}
	a.logger.Info("export: pods written", "rows", len(rows))
}

func (a *App) handleWipeDatabase(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}

	if a.store == nil {
		http.Error(w, "store not initialized", http.StatusServiceUnavailable)
		return
	}

	var body struct {
		Confirm string `json:"confirm"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	if strings.ToLower(strings.TrimSpace(body.Confirm)) != "wipe" {
		http.Error(w, "confirmation required", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := a.store.WipeData(ctx); err != nil {
		a.logger.Error("wipe: failed", "error", err)
		http.Error(w, "failed to wipe data", http.StatusInternalServerError)
		return
	}
	if err := a.towers.Refresh(ctx); err != nil {
		a.logger.Error("wipe: failed to reload towers", "error", err)
		http.Error(w, "failed to reload state", http.StatusInternalServerError)
		return
	}

	a.logger.Warn("wipe: towers, pods and scan history cleared")
	a.hub.broadcast("data.wiped", nil)
	w.WriteHeader(http.StatusNoContent)
}
