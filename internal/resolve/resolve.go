// Package resolve maps scanned identifiers to pods.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gryns/tower-server/internal/model"
)

var (
	// ErrNotFound is returned when no pod carries the scanned identifier.
	ErrNotFound = errors.New("no pod matches identifier")
	// ErrDuplicateIdentifier marks a link that would make an identifier resolve to two pods.
	ErrDuplicateIdentifier = errors.New("identifier already in use")
	// ErrEmptyIdentifier rejects blank identifiers in linking mode.
	ErrEmptyIdentifier = errors.New("identifier is empty")
)

// Result is the outcome of resolving a raw scanned value.
type Result struct {
	Value   string     `json:"value"`
	Pod     *model.Pod `json:"pod,omitempty"`
	Matches []string   `json:"matches,omitempty"`
}

// Found reports whether a pod matched.
func (r Result) Found() bool {
	return r.Pod != nil
}

// Anomaly reports whether more than one pod matched. The first match in
// list order is still returned.
func (r Result) Anomaly() bool {
	return len(r.Matches) > 1
}

// Err returns ErrNotFound for a miss and nil otherwise.
func (r Result) Err() error {
	if r.Found() {
		return nil
	}
	return ErrNotFound
}

// Resolve finds the pod whose id or linked identifier equals raw. Matching
// is exact and case-sensitive; callers trim input themselves.
func Resolve(raw string, pods []model.Pod) Result {
	res := Result{Value: raw}
	for i := range pods {
		if !pods[i].HasIdentifier(raw) {
			continue
		}
		if res.Pod == nil {
			p := pods[i]
			res.Pod = &p
		}
		res.Matches = append(res.Matches, pods[i].ID)
	}
	return res
}

// DuplicateIdentifierError names the pod that already owns an identifier.
type DuplicateIdentifierError struct {
	Identifier string
	PodID      string
}

func (e *DuplicateIdentifierError) Error() string {
	return fmt.Sprintf("identifier %q already belongs to pod %s", e.Identifier, e.PodID)
}

func (e *DuplicateIdentifierError) Unwrap() error {
	return ErrDuplicateIdentifier
}

// CheckLinkable verifies raw may be attached to the pod selfID (empty for a
// pod not yet created). A miss is the success path; a match on any other
// pod returns a *DuplicateIdentifierError.
func CheckLinkable(raw string, pods []model.Pod, selfID string) error {
	if raw == "" {
		return ErrEmptyIdentifier
	}
	for _, p := range pods {
		if p.ID == selfID {
			continue
		}
		if p.HasIdentifier(raw) {
			return &DuplicateIdentifierError{Identifier: raw, PodID: p.ID}
		}
	}
	return nil
}

// AnomalyRecorder persists identifiers that matched more than one pod.
type AnomalyRecorder interface {
	RecordAnomaly(ctx context.Context, a model.IntegrityAnomaly) error
}

// Resolver wraps Resolve with anomaly reporting.
type Resolver struct {
	logger   *slog.Logger
	recorder AnomalyRecorder
}

// New constructs a Resolver. recorder may be nil.
func New(logger *slog.Logger, recorder AnomalyRecorder) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{logger: logger, recorder: recorder}
}

// Resolve resolves raw against pods. Multiple matches are logged and
// recorded but never fail the lookup.
func (r *Resolver) Resolve(ctx context.Context, raw string, pods []model.Pod) Result {
	res := Resolve(raw, pods)
	if !res.Anomaly() {
		return res
	}

	r.logger.Warn("identifier matches multiple pods", "identifier", raw, "pods", res.Matches, "using", res.Pod.ID)
	if r.recorder == nil {
		return res
	}

	anomaly := model.IntegrityAnomaly{
		Identifier: raw,
		PodIDs:     res.Matches,
		DetectedAt: time.Now().UTC(),
	}
	if err := r.recorder.RecordAnomaly(ctx, anomaly); err != nil {
		r.logger.Error("failed to record integrity anomaly", "identifier", raw, "error", err)
	}
	return res
}
