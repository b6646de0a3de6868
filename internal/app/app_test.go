package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"gryns/tower-server/internal/config"
	"gryns/tower-server/internal/mqttbroker"
	"gryns/tower-server/internal/scan"
)

func newTestApp(t *testing.T, mutate ...func(*config.Config)) (*App, *httptest.Server) {
	t.Helper()
	return newLoggedTestApp(t, slog.New(slog.NewTextHandler(io.Discard, nil)), mutate...)
}

func newLoggedTestApp(t *testing.T, logger *slog.Logger, mutate ...func(*config.Config)) (*App, *httptest.Server) {
	t.Helper()
	cfg := config.Config{
		DatabasePath:    filepath.Join(t.TempDir(), "gryns.db"),
		NFCEnabled:      true,
		QREnabled:       true,
		ScanTimeout:     3 * time.Second,
		QRFrameInterval: 10 * time.Millisecond,
		DefaultSlots:    12,
		PerenualBaseURL: "http://127.0.0.1:1",
	}
	for _, fn := range mutate {
		fn(&cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := New(cfg, logger)
	if err := a.setup(ctx); err != nil {
		cancel()
		t.Fatalf("setup: %v", err)
	}
	srv := httptest.NewServer(a.routes())
	t.Cleanup(func() {
		srv.Close()
		cancel()
		a.teardown()
	})
	return a, srv
}

func doJSON(t *testing.T, method, url string, body any, out any) int {
	t.Helper()
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		data, _ := io.ReadAll(resp.Body)
		if len(data) > 0 {
			if err := json.Unmarshal(data, out); err != nil {
				t.Fatalf("decode %s %s response %q: %v", method, url, data, err)
			}
		}
	}
	return resp.StatusCode
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type towerResp struct {
	ID        string `json:"id"`
	Label     string `json:"label"`
	SlotCount int    `json:"slot_count"`
}

type podResp struct {
	Pod struct {
		ID               string  `json:"id"`
		GrowthStage      string  `json:"growth_stage"`
		LinkedIdentifier *string `json:"linked_identifier"`
	} `json:"pod"`
	StageName    string `json:"stage_name"`
	AdvanceLabel string `json:"advance_label"`
}

func createTowerAndPod(t *testing.T, srv *httptest.Server, plant string) (towerResp, podResp) {
	t.Helper()
	var tw towerResp
	if code := doJSON(t, http.MethodPost, srv.URL+"/api/towers", map[string]any{}, &tw); code != http.StatusCreated {
		t.Fatalf("Expected 201 creating tower, got %d", code)
	}
	var p podResp
	code := doJSON(t, http.MethodPost, srv.URL+"/api/pods", map[string]any{
		"tower_id": tw.ID, "plant_id": plant, "slot_number": 1, "growth_stage": "growing",
	}, &p)
	if code != http.StatusCreated {
		t.Fatalf("Expected 201 creating pod, got %d", code)
	}
	return tw, p
}

func TestTowerAndPodLifecycle(t *testing.T) {
	_, srv := newTestApp(t)
	tw, p := createTowerAndPod(t, srv, "basil")

	if tw.Label != "Tower 1" || tw.SlotCount != 12 {
		t.Errorf("Expected Tower 1 with 12 slots, got %+v", tw)
	}
	if p.AdvanceLabel != "Time to Harvest" {
		t.Errorf("Expected basil harvest label, got %q", p.AdvanceLabel)
	}

	var slots map[string][]int
	doJSON(t, http.MethodGet, srv.URL+"/api/towers/"+tw.ID+"/slots", nil, &slots)
	if len(slots["available"]) != 11 || slots["available"][0] != 2 {
		t.Errorf("Expected slots 2..12 free, got %v", slots["available"])
	}

	code := doJSON(t, http.MethodPost, srv.URL+"/api/pods", map[string]any{
		"tower_id": tw.ID, "plant_id": "kale", "slot_number": 1,
	}, nil)
	if code != http.StatusConflict {
		t.Errorf("Expected 409 for occupied slot, got %d", code)
	}

	var advanced podResp
	if code := doJSON(t, http.MethodPost, srv.URL+"/api/pods/"+p.Pod.ID+"/advance", nil, &advanced); code != http.StatusOK {
		t.Fatalf("Expected 200 advancing, got %d", code)
	}
	if advanced.Pod.GrowthStage != "harvested" || advanced.StageName != "Harvested" {
		t.Errorf("Expected harvested pod, got %+v", advanced)
	}
	if code := doJSON(t, http.MethodPost, srv.URL+"/api/pods/"+p.Pod.ID+"/advance", nil, nil); code != http.StatusConflict {
		t.Errorf("Expected 409 advancing a harvested pod, got %d", code)
	}

	if code := doJSON(t, http.MethodDelete, srv.URL+"/api/towers/"+tw.ID, nil, nil); code != http.StatusNoContent {
		t.Fatalf("Expected 204 deleting tower, got %d", code)
	}
	if code := doJSON(t, http.MethodGet, srv.URL+"/api/pods/"+p.Pod.ID, nil, nil); code != http.StatusNotFound {
		t.Errorf("Expected pod to be deleted with its tower, got %d", code)
	}
}

func TestCreateTowerRejectsBadSlotCount(t *testing.T) {
	_, srv := newTestApp(t)
	for _, n := range []int{0, 100} {
		if code := doJSON(t, http.MethodPost, srv.URL+"/api/towers", map[string]int{"slot_count": n}, nil); code != http.StatusBadRequest {
			t.Errorf("Expected 400 for %d slots, got %d", n, code)
		}
	}
}

func TestIdentifierLinkingAndResolve(t *testing.T) {
	_, srv := newTestApp(t)
	tw, a := createTowerAndPod(t, srv, "basil")
	var b podResp
	doJSON(t, http.MethodPost, srv.URL+"/api/pods", map[string]any{"tower_id": tw.ID, "plant_id": "kale", "slot_number": 2}, &b)

	if code := doJSON(t, http.MethodPut, srv.URL+"/api/pods/"+a.Pod.ID+"/identifier", map[string]string{"identifier": "QR-7"}, nil); code != http.StatusOK {
		t.Fatalf("Expected 200 linking, got %d", code)
	}

	var body errorBody
	code := doJSON(t, http.MethodPut, srv.URL+"/api/pods/"+b.Pod.ID+"/identifier", map[string]string{"identifier": "QR-7"}, &body)
	if code != http.StatusConflict || body.Kind != "duplicate_identifier" {
		t.Errorf("Expected 409 duplicate_identifier, got %d %+v", code, body)
	}

	var res struct {
		Pod podResp `json:"pod"`
	}
	if code := doJSON(t, http.MethodPost, srv.URL+"/api/resolve", map[string]string{"value": " QR-7 "}, &res); code != http.StatusOK {
		t.Fatalf("Expected 200 resolving, got %d", code)
	}
	if res.Pod.Pod.ID != a.Pod.ID {
		t.Errorf("Expected %s, got %s", a.Pod.ID, res.Pod.Pod.ID)
	}
	if code := doJSON(t, http.MethodPost, srv.URL+"/api/resolve", map[string]string{"value": "nope"}, nil); code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown identifier, got %d", code)
	}
}

func publishReading(a *App, tech scan.Technology, payload string) {
	a.handleMQTTPublish(context.Background(), mqttbroker.PublishMessage{
		ClientID: "reader-1",
		Topic:    scan.ReadTopic(tech, "reader-1"),
		Payload:  []byte(payload),
	})
}

type scanResp struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Result *struct {
		Outcome scan.Outcome `json:"outcome"`
		Pod     *podResp     `json:"pod"`
		Error   *errorBody   `json:"error"`
	} `json:"result"`
}

func startScan(t *testing.T, srv *httptest.Server, body map[string]string) scanResp {
	t.Helper()
	var s scanResp
	if code := doJSON(t, http.MethodPost, srv.URL+"/api/scans", body, &s); code != http.StatusAccepted {
		t.Fatalf("Expected 202 starting scan, got %d", code)
	}
	return s
}

func waitScan(t *testing.T, srv *httptest.Server, id string) scanResp {
	t.Helper()
	var s scanResp
	eventually(t, "scan result", func() bool {
		s = scanResp{}
		doJSON(t, http.MethodGet, srv.URL+"/api/scans/"+id, nil, &s)
		return s.Result != nil
	})
	return s
}

func TestNavigateScanResolvesPod(t *testing.T) {
	a, srv := newTestApp(t)
	_, p := createTowerAndPod(t, srv, "basil")

	s := startScan(t, srv, map[string]string{"technology": "nfc"})
	eventually(t, "nfc subscriber", func() bool { return a.feed.Subscribers(scan.NFC) == 1 })

	if code := doJSON(t, http.MethodPost, srv.URL+"/api/scans", map[string]string{"technology": "nfc"}, nil); code != http.StatusConflict {
		t.Errorf("Expected 409 for a second nfc session, got %d", code)
	}

	publishReading(a, scan.NFC, fmt.Sprintf(`{"value":%q}`, p.Pod.ID))
	got := waitScan(t, srv, s.ID)
	if got.Result.Outcome.Kind != scan.KindValue || got.Result.Pod == nil || got.Result.Pod.Pod.ID != p.Pod.ID {
		t.Fatalf("Expected scan to resolve to %s, got %+v", p.Pod.ID, got.Result)
	}

	var events []struct {
		SessionID string `json:"session_id"`
		PodID     string `json:"pod_id"`
	}
	eventually(t, "scan event", func() bool {
		doJSON(t, http.MethodGet, srv.URL+"/api/scan-events", nil, &events)
		return len(events) == 1
	})
	if events[0].SessionID != s.ID || events[0].PodID != p.Pod.ID {
		t.Errorf("Expected scan event for %s, got %+v", s.ID, events[0])
	}
}

func TestLinkScanAttachesIdentifier(t *testing.T) {
	a, srv := newTestApp(t)
	_, p := createTowerAndPod(t, srv, "basil")

	s := startScan(t, srv, map[string]string{"technology": "qr", "mode": "link", "pod_id": p.Pod.ID})
	eventually(t, "qr subscriber", func() bool { return a.feed.Subscribers(scan.QR) == 1 })

	publishReading(a, scan.QR, `{"error":"no_code"}`)
	publishReading(a, scan.QR, `{"value":"https://gryns.io/p/42"}`)

	got := waitScan(t, srv, s.ID)
	if got.Result.Pod == nil || got.Result.Pod.Pod.LinkedIdentifier == nil || *got.Result.Pod.Pod.LinkedIdentifier != "https://gryns.io/p/42" {
		t.Fatalf("Expected identifier to be linked, got %+v", got.Result)
	}
}

func TestCancelScan(t *testing.T) {
	a, srv := newTestApp(t)
	s := startScan(t, srv, map[string]string{"technology": "nfc"})
	eventually(t, "nfc subscriber", func() bool { return a.feed.Subscribers(scan.NFC) == 1 })

	var got scanResp
	if code := doJSON(t, http.MethodDelete, srv.URL+"/api/scans/"+s.ID, nil, &got); code != http.StatusOK {
		t.Fatalf("Expected 200 cancelling, got %d", code)
	}
	if got.Result == nil || got.Result.Outcome.Kind != scan.KindCancelled || got.Result.Error != nil {
		t.Errorf("Expected silent cancelled outcome, got %+v", got.Result)
	}
	if a.feed.Subscribers(scan.NFC) != 0 {
		t.Error("Expected scanner subscription to be released")
	}

	// A new session can start once the old one settled.
	startScan(t, srv, map[string]string{"technology": "nfc"})
}

func TestScanErrorsMapToStatuses(t *testing.T) {
	_, srv := newTestApp(t, func(c *config.Config) { c.QREnabled = false })

	var body struct {
		Result *struct {
			Error *errorBody `json:"error"`
		} `json:"result"`
	}
	code := doJSON(t, http.MethodPost, srv.URL+"/api/scans", map[string]string{"technology": "qr"}, &body)
	if code != http.StatusNotImplemented {
		t.Fatalf("Expected 501 for disabled qr, got %d", code)
	}
	if body.Result == nil || body.Result.Error == nil || body.Result.Error.Supported == nil || *body.Result.Error.Supported {
		t.Errorf("Expected supported=false, got %+v", body.Result)
	}

	var caps map[string]capability
	doJSON(t, http.MethodGet, srv.URL+"/api/scans/capabilities", nil, &caps)
	if caps["qr"].Supported || !caps["nfc"].Supported {
		t.Errorf("Expected only nfc supported, got %+v", caps)
	}
}

func TestDeviceErrorCarriesFormatHint(t *testing.T) {
	a, srv := newTestApp(t)
	s := startScan(t, srv, map[string]string{"technology": "nfc"})
	eventually(t, "nfc subscriber", func() bool { return a.feed.Subscribers(scan.NFC) == 1 })

	publishReading(a, scan.NFC, `{"error":"tag_unreadable"}`)
	got := waitScan(t, srv, s.ID)
	if got.Result.Error == nil || got.Result.Error.Hint != "try formatting the tag" {
		t.Errorf("Expected device error hint, got %+v", got.Result)
	}
}

func TestBadScannerPayloadIsRecorded(t *testing.T) {
	a, _ := newTestApp(t)
	publishReading(a, scan.NFC, `not json`)

	var n int
	if err := a.store.DB().QueryRow(`SELECT COUNT(*) FROM ingestion_errors;`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("Expected one ingestion error, got %d", n)
	}
}

func TestWipeRequiresConfirmation(t *testing.T) {
	a, srv := newTestApp(t)
	createTowerAndPod(t, srv, "basil")

	if code := doJSON(t, http.MethodPost, srv.URL+"/api/admin/wipe", map[string]string{"confirm": "yes"}, nil); code != http.StatusBadRequest {
		t.Errorf("Expected 400 without confirmation, got %d", code)
	}
	if code := doJSON(t, http.MethodPost, srv.URL+"/api/admin/wipe", map[string]string{"confirm": "WIPE"}, nil); code != http.StatusNoContent {
		t.Fatalf("Expected 204, got %d", code)
	}
	if len(a.towers.Towers()) != 0 || len(a.towers.Pods()) != 0 {
		t.Error("Expected cache to be empty after wipe")
	}
	if code := doJSON(t, http.MethodGet, srv.URL+"/api/admin/wipe", nil, nil); code != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", code)
	}
}

func TestExportPodsCSV(t *testing.T) {
	_, srv := newTestApp(t)
	createTowerAndPod(t, srv, "basil")

	resp, err := http.Get(srv.URL + "/api/export/pods")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if !strings.Contains(resp.Header.Get("Content-Disposition"), "gryns_pods_") {
		t.Errorf("Expected attachment header, got %q", resp.Header.Get("Content-Disposition"))
	}
	records, err := csv.NewReader(resp.Body).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 || records[1][1] != "Tower 1" {
		t.Errorf("Expected one exported pod on Tower 1, got %v", records)
	}
}

func TestConfigUpdate(t *testing.T) {
	_, srv := newTestApp(t)
	if code := doJSON(t, http.MethodPost, srv.URL+"/api/config", map[string]int{"default_slots": 200}, nil); code != http.StatusBadRequest {
		t.Errorf("Expected 400 for out of range slots, got %d", code)
	}
	var resp struct {
		RequiresRestart bool `json:"requires_restart"`
	}
	if code := doJSON(t, http.MethodPost, srv.URL+"/api/config", map[string]int{"default_slots": 8}, &resp); code != http.StatusOK || !resp.RequiresRestart {
		t.Errorf("Expected 200 requiring restart, got %d %+v", code, resp)
	}
	var cfg struct {
		Persisted map[string]string `json:"persisted"`
	}
	doJSON(t, http.MethodGet, srv.URL+"/api/config", nil, &cfg)
	if cfg.Persisted["default_slots"] != "8" {
		t.Errorf("Expected persisted default_slots 8, got %v", cfg.Persisted)
	}
}

func TestEventsWebsocket(t *testing.T) {
	a, srv := newTestApp(t)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	eventually(t, "ws registration", func() bool { return a.hub.count() == 1 })

	doJSON(t, http.MethodPost, srv.URL+"/api/towers", map[string]int{"slot_count": 6}, nil)

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != "tower.created" {
		t.Errorf("Expected tower.created, got %s", msg.Type)
	}
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestFormatTag(t *testing.T) {
	logs := &lockedBuffer{}
	a, srv := newLoggedTestApp(t, slog.New(slog.NewTextHandler(logs, nil)))

	type formatResp struct {
		Status string `json:"status"`
		Marker string `json:"marker"`
	}
	done := make(chan formatResp, 1)
	codes := make(chan int, 1)
	go func() {
		var got formatResp
		codes <- doJSON(t, http.MethodPost, srv.URL+"/api/nfc/format", nil, &got)
		done <- got
	}()

	eventually(t, "format subscriber", func() bool { return a.feed.Subscribers(scan.NFC) == 1 })
	publishReading(a, scan.NFC, `{"kind":"format_result"}`)

	if code := <-codes; code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	if got := <-done; got.Status != "formatted" || got.Marker != scan.HandshakeMarker {
		t.Errorf("Expected formatted with %s, got %+v", scan.HandshakeMarker, got)
	}
	if n := strings.Count(logs.String(), "nfc tag formatted"); n != 1 {
		t.Errorf("Expected one format log line, got %d", n)
	}
}

func TestNoStaticRoutes(t *testing.T) {
	_, srv := newTestApp(t)
	for _, path := range []string{"/", "/static/app.js"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("Expected 404 for %s, got %d", path, resp.StatusCode)
		}
	}
}
