package dispatch

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/noema-ai/noema/internal/model"
)

// stalePendingAfter is how long a pending decision may sit before the ready
// queue flags it regardless of its review_by date.
const stalePendingAfter = 30 * 24 * time.Hour

type calibrationRequest struct {
	model.CalibrationFilters
	Window model.CalibrationWindow `json:"window,omitempty"`
}

func (d *Dispatcher) handleCalibration(ctx context.Context, call *Call) (any, error) {
	var req calibrationRequest
	if err := decode(call.Params, &req); err != nil {
		return nil, err
	}
	return d.calibration.Report(ctx, req.CalibrationFilters, req.Window)
}

func (d *Dispatcher) handleReasonStats(ctx context.Context, _ *Call) (any, error) {
	return d.calibration.ReasonStats(ctx)
}

func (d *Dispatcher) handleDrift(ctx context.Context, call *Call) (any, error) {
	var req model.CalibrationFilters
	if err := decode(call.Params, &req); err != nil {
		return nil, err
	}
	alerts, err := d.calibration.Drift(ctx, req)
	if err != nil {
		return nil, err
	}
	return struct {
		Alerts []model.DriftAlert `json:"alerts"`
	}{Alerts: alerts}, nil
}

type readyResponse struct {
	Actions []model.ReadyAction `json:"actions"`
	Total   int                 `json:"total"`
}

// handleReady synthesises the queue of outstanding cognitive maintenance:
// overdue reviews, stale pending records, calibration drift, and live
// contradiction edges, highest priority first.
func (d *Dispatcher) handleReady(ctx context.Context, call *Call) (any, error) {
	now := d.now()
	var actions []model.ReadyAction

	pending, err := d.store.ListPending(ctx)
	if err != nil {
		return nil, model.Wrap(model.KindQueryFailed, "list pending decisions", err)
	}
	for _, dec := range pending {
		switch {
		case dec.ReviewBy != nil && dec.ReviewBy.Before(now):
			actions = append(actions, model.ReadyAction{
				Kind:       model.ReadyOverdueReview,
				DecisionID: dec.ID,
				Category:   dec.Category,
				Message:    fmt.Sprintf("review of %s (%s) is overdue since %s", dec.ID, dec.Summary(), dec.ReviewBy.Format("2006-01-02")),
				Priority:   1,
			})
		case now.Sub(dec.CreatedAt) > stalePendingAfter:
			actions = append(actions, model.ReadyAction{
				Kind:       model.ReadyStalePending,
				DecisionID: dec.ID,
				Category:   dec.Category,
				Message:    fmt.Sprintf("%s (%s) has been pending for over 30 days", dec.ID, dec.Summary()),
				Priority:   2,
			})
		}
	}

	alerts, err := d.calibration.Drift(ctx, model.CalibrationFilters{})
	if err != nil {
		d.logger.Warn("drift check for ready queue failed", "error", err)
	}
	for _, a := range alerts {
		if a.Category == "" {
			continue
		}
		actions = append(actions, model.ReadyAction{
			Kind:     model.ReadyDriftAlert,
			Category: a.Category,
			Message:  a.Message,
			Priority: 3,
		})
	}

	contradictions, err := d.graph.Contradictions(ctx)
	if err != nil {
		d.logger.Warn("contradiction scan for ready queue failed", "error", err)
	}
	for _, e := range contradictions {
		actions = append(actions, model.ReadyAction{
			Kind:       model.ReadyContradiction,
			DecisionID: e.SourceID,
			Message:    fmt.Sprintf("decision %s contradicts %s", e.SourceID, e.TargetID),
			Priority:   4,
		})
	}

	sort.SliceStable(actions, func(i, j int) bool {
		if actions[i].Priority != actions[j].Priority {
			return actions[i].Priority < actions[j].Priority
		}
		return actions[i].DecisionID < actions[j].DecisionID
	})
	return readyResponse{Actions: actions, Total: len(actions)}, nil
}
