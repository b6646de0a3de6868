package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"gryns/tower-server/internal/growth"
	"gryns/tower-server/internal/model"
	"gryns/tower-server/internal/scan"
)

// Scan modes.
const (
	// ModeNavigate resolves the scanned value to a pod.
	ModeNavigate = "navigate"
	// ModeLink attaches the scanned value to a pod.
	ModeLink = "link"
)

// scanJob follows a session to its outcome and applies the mode.
type scanJob struct {
	session *scan.Session
	mode    string
	podID   string

	done   chan struct{}
	result scanResult
}

type scanResult struct {
	Outcome scan.Outcome    `json:"outcome"`
	Pod     *growth.Display `json:"pod,omitempty"`
	Anomaly bool            `json:"anomaly,omitempty"`
	Error   *errorBody      `json:"error,omitempty"`
	Status  int             `json:"-"`
}

type scanView struct {
	scan.Info
	Mode   string      `json:"mode"`
	PodID  string      `json:"pod_id,omitempty"`
	Result *scanResult `json:"result,omitempty"`
}

func (j *scanJob) view() scanView {
	v := scanView{Info: j.session.Info(), Mode: j.mode, PodID: j.podID}
	select {
	case <-j.done:
		res := j.result
		v.Result = &res
	default:
	}
	return v
}

func (a *App) handleStartScan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Technology string `json:"technology"`
		Mode       string `json:"mode"`
		PodID      string `json:"pod_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	tech, err := scan.ParseTechnology(req.Technology)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Mode == "" {
		req.Mode = ModeNavigate
	}
	switch req.Mode {
	case ModeNavigate:
	case ModeLink:
		if _, ok := a.towers.Pod(req.PodID); !ok {
			http.Error(w, "link mode needs an existing pod_id", http.StatusBadRequest)
			return
		}
	default:
		http.Error(w, "mode must be navigate or link", http.StatusBadRequest)
		return
	}

	// Sessions outlive the request; the scan timeout bounds them instead.
	ctx, cancel := context.WithTimeout(a.ctx, a.cfg.ScanTimeout)
	session, err := a.scanner.Start(ctx, tech)
	if err != nil {
		cancel()
		a.writeError(w, r, err)
		return
	}

	job := &scanJob{session: session, mode: req.Mode, podID: req.PodID, done: make(chan struct{})}
	a.scansMu.Lock()
	a.pruneJobsLocked(time.Now().Add(-scanRetention))
	a.scans[session.ID] = job
	a.scansMu.Unlock()

	go func() {
		defer cancel()
		a.follow(job)
	}()

	if r.URL.Query().Get("wait") != "" {
		select {
		case <-job.done:
			a.writeScanResult(w, job)
		case <-r.Context().Done():
			session.Cancel()
		}
		return
	}

	// Unsupported technologies settle immediately; report them directly.
	if o, ok := session.Outcome(); ok && o.Kind == scan.KindError {
		<-job.done
		a.writeScanResult(w, job)
		return
	}
	a.writeJSON(w, http.StatusAccepted, job.view())
}

func (a *App) writeScanResult(w http.ResponseWriter, job *scanJob) {
	status := job.result.Status
	if status == 0 {
		status = http.StatusOK
	}
	a.writeJSON(w, status, job.view())
}

// follow waits for a session, then resolves or links its value.
func (a *App) follow(job *scanJob) {
	<-job.session.Done()
	outcome, _ := job.session.Outcome()
	job.result = scanResult{Outcome: outcome, Status: http.StatusOK}

	ctx, cancel := context.WithTimeout(a.ctx, 5*time.Second)
	defer cancel()

	event := model.ScanEvent{
		SessionID:  job.session.ID,
		Technology: string(job.session.Technology),
		Kind:       string(outcome.Kind),
		Value:      outcome.Value,
		ErrorKind:  string(outcome.Error),
		RecordedAt: time.Now().UTC(),
	}

	switch outcome.Kind {
	case scan.KindCancelled:
		// Cancellation is silent.
	case scan.KindError:
		a.failJob(job, outcome.Err())
	case scan.KindValue:
		var err error
		switch job.mode {
		case ModeLink:
			err = a.linkScanned(ctx, job, outcome.Value)
		default:
			err = a.navigateScanned(ctx, job, outcome.Value)
		}
		if err != nil {
			a.failJob(job, err)
		}
	}
	if job.result.Pod != nil {
		event.PodID = job.result.Pod.Pod.ID
	}

	if err := a.store.InsertScanEvent(ctx, event); err != nil {
		a.logger.Error("failed to persist scan event", "session", job.session.ID, "error", err)
	}
	close(job.done)
	a.hub.broadcast("scan.completed", job.view())
}

func (a *App) navigateScanned(ctx context.Context, job *scanJob, value string) error {
	res := a.towers.ResolveScan(ctx, value)
	if !res.Found() {
		return res.Err()
	}
	d := a.towers.Describe(*res.Pod)
	job.result.Pod = &d
	job.result.Anomaly = res.Anomaly()
	return nil
}

func (a *App) linkScanned(ctx context.Context, job *scanJob, value string) error {
	p, err := a.towers.LinkIdentifier(ctx, job.podID, value)
	if err != nil {
		return err
	}
	d := a.towers.Describe(p)
	job.result.Pod = &d
	return nil
}

func (a *App) failJob(job *scanJob, err error) {
	status, body := errorResponse(err)
	job.result.Status = status
	job.result.Error = &body
	if status >= http.StatusInternalServerError && !errors.Is(err, scan.ErrNotSupported) {
		a.logger.Warn("scan failed", "session", job.session.ID, "error", err)
	}
}

// scanSettled runs inside the session's settle step and must not block.
func (a *App) scanSettled(info scan.Info) {
	kind := ""
	if info.Outcome != nil {
		kind = string(info.Outcome.Kind)
	}
	a.logger.Info("scan session settled", "session", info.ID, "technology", info.Technology, "status", info.Status, "outcome", kind)
	go a.hub.broadcast("scan.settled", info)
}

// scanRetention is how long finished sessions stay queryable.
const scanRetention = 10 * time.Minute

func (a *App) pruneJobsLocked(before time.Time) {
	for id, j := range a.scans {
		select {
		case <-j.done:
			if j.session.StartedAt.Before(before) {
				delete(a.scans, id)
			}
		default:
		}
	}
}

func (a *App) job(id string) (*scanJob, bool) {
	a.scansMu.Lock()
	defer a.scansMu.Unlock()
	j, ok := a.scans[id]
	return j, ok
}

func (a *App) handleGetScan(w http.ResponseWriter, r *http.Request) {
	job, ok := a.job(mux.Vars(r)["id"])
	if !ok {
		http.Error(w, "scan session not found", http.StatusNotFound)
		return
	}
	a.writeJSON(w, http.StatusOK, job.view())
}

// handleCancelScan cancels a session. Cancelling a settled session is a
// no-op that returns its outcome.
func (a *App) handleCancelScan(w http.ResponseWriter, r *http.Request) {
	job, ok := a.job(mux.Vars(r)["id"])
	if !ok {
		http.Error(w, "scan session not found", http.StatusNotFound)
		return
	}
	job.session.Cancel()
	<-job.done
	a.writeJSON(w, http.StatusOK, job.view())
}

type capability struct {
	Supported bool     `json:"supported"`
	Reason    string   `json:"reason,omitempty"`
	Scanners  []string `json:"scanners"`
	Active    string   `json:"active_session,omitempty"`
}

func (a *App) handleScanCapabilities(w http.ResponseWriter, r *http.Request) {
	since := time.Now().Add(-5 * time.Minute)
	out := make(map[scan.Technology]capability, 2)
	for _, tech := range []scan.Technology{scan.NFC, scan.QR} {
		c := capability{Supported: true, Scanners: a.feed.Scanners(tech, since)}
		if err := a.scanner.Supported(tech); err != nil {
			c.Supported, c.Reason = false, err.Error()
		}
		if s, ok := a.scanner.Active(tech); ok {
			c.Active = s.ID
		}
		if c.Scanners == nil {
			c.Scanners = []string{}
		}
		out[tech] = c
	}
	a.writeJSON(w, http.StatusOK, out)
}

// handleFormatTag writes the handshake marker to the next NFC tag.
func (a *App) handleFormatTag(w http.ResponseWriter, r *http.Request) {
	timeout := a.cfg.ScanTimeout
	if v := r.URL.Query().Get("timeout"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			timeout = time.Duration(secs) * time.Second
		}
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	err := a.scanner.FormatTag(ctx)
	switch {
	case err == nil:
		a.writeJSON(w, http.StatusOK, map[string]string{"status": "formatted", "marker": scan.HandshakeMarker})
	case scan.Classify(err) == scan.Cancelled:
		a.writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
	default:
		a.writeError(w, r, err)
	}
}
