package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/noema-ai/noema/internal/deliberation"
	"github.com/noema-ai/noema/internal/graph"
	"github.com/noema-ai/noema/internal/model"
	"github.com/noema-ai/noema/internal/service/bridge"
	"github.com/noema-ai/noema/internal/storage"
)

// maxIDSalts bounds re-derivation attempts on content-address collisions.
const maxIDSalts = 8

type recordRequest struct {
	Decision     string                `json:"decision"`
	Confidence   *float64              `json:"confidence"`
	Category     model.Category        `json:"category"`
	Stakes       model.Stakes          `json:"stakes"`
	Context      string                `json:"context,omitempty"`
	Reasons      []model.Reason        `json:"reasons,omitempty"`
	Tags         []string              `json:"tags,omitempty"`
	Pattern      string                `json:"pattern,omitempty"`
	Bridge       *model.Bridge         `json:"bridge,omitempty"`
	Deliberation *model.Deliberation   `json:"deliberation,omitempty"`
	ProjectCtx   *model.ProjectContext `json:"project_context,omitempty"`
	ReviewBy     *time.Time            `json:"review_by,omitempty"`

	// DecisionID selects the tracker session to consume; empty means the
	// agent's pending session.
	DecisionID string `json:"decision_id,omitempty"`
}

type recordResponse struct {
	Decision model.Decision `json:"decision"`
	Linked   int            `json:"linked"`
}

func (d *Dispatcher) handleRecord(ctx context.Context, call *Call) (any, error) {
	var req recordRequest
	if err := decode(call.Params, &req); err != nil {
		return nil, err
	}
	dec, linked, err := d.createDecision(ctx, call.AgentID, req)
	if err != nil {
		return nil, err
	}
	return recordResponse{Decision: dec, Linked: linked}, nil
}

// createDecision is the shared record path for recordDecision and preAction
// auto-record: validate, gate on breakers, extract the bridge, consume the
// tracker session, write with salt retry, bind probes, index, auto-link.
func (d *Dispatcher) createDecision(ctx context.Context, agent string, req recordRequest) (model.Decision, int, error) {
	if agent == "" {
		return model.Decision{}, 0, model.E(model.KindInvalidParams, "agent identity is required to record a decision")
	}
	if req.Confidence == nil {
		return model.Decision{}, 0, model.E(model.KindInvalidParams, "confidence is required")
	}

	now := d.now()
	dec := model.Decision{
		CreatedAt:  now,
		UpdatedAt:  now,
		RecordedBy: agent,
		Decision:   req.Decision,
		Confidence: *req.Confidence,
		Category:   req.Category,
		Stakes:     req.Stakes,
		Context:    req.Context,
		Status:     model.StatusPending,
		Reasons:    append([]model.Reason(nil), req.Reasons...),
		Tags:       req.Tags,
		Pattern:    req.Pattern,
		ProjectCtx: req.ProjectCtx,
		ReviewBy:   req.ReviewBy,
	}
	for i := range dec.Reasons {
		if dec.Reasons[i].Strength == 0 {
			dec.Reasons[i].Strength = model.DefaultReasonStrength
		}
	}
	if err := dec.Validate(); err != nil {
		return model.Decision{}, 0, model.Wrap(model.KindInvalidParams, "invalid decision", err)
	}

	// An open breaker blocks the record before anything is consumed; a
	// half-open breaker admits this record as its probe.
	if violations := d.breakers.Check(agent, dec.Category, dec.Stakes, dec.Tags, true); len(violations) > 0 {
		return model.Decision{}, 0, model.E(model.KindCircuitOpen, violations[0].Message).
			WithDetail("violations", violations)
	}

	if req.Bridge != nil {
		dec.Bridge = req.Bridge
		dec.BridgeMethod = model.BridgeMethodExplicit
	} else {
		res := bridge.Extract(dec.Decision, dec.Context, dec.Reasons)
		dec.Bridge = res.Bridge
		dec.BridgeMethod = res.Method
	}

	session := d.tracker.Consume(agent, req.DecisionID)
	dec.Deliberation = mergeDeliberation(req.Deliberation, session)
	if dec.Deliberation != nil {
		if err := dec.Deliberation.Validate(); err != nil {
			return model.Decision{}, 0, model.Wrap(model.KindAttributionFailed, "deliberation trace is inconsistent", err)
		}
	}

	created := false
	for salt := 0; salt < maxIDSalts; salt++ {
		dec.ID = model.DeriveID(dec.Decision, agent, dec.CreatedAt, salt)
		err := d.store.CreateDecision(ctx, dec)
		if errors.Is(err, storage.ErrDuplicateID) {
			continue
		}
		if err != nil {
			return model.Decision{}, 0, model.Wrap(model.KindRecordFailed, "store decision", err)
		}
		created = true
		break
	}
	if !created {
		return model.Decision{}, 0, model.Ef(model.KindRecordFailed, "could not derive a unique id after %d attempts", maxIDSalts)
	}

	d.breakers.BindProbe(&dec)

	if err := d.indexer.IndexDecision(ctx, &dec); err != nil {
		d.logger.Warn("indexing recorded decision failed", "decision", dec.ID, "error", err)
	}

	linked := 0
	if session != nil {
		if related := session.Related(); len(related) > 0 {
			candidates := make([]graph.Candidate, len(related))
			for i, r := range related {
				candidates[i] = graph.Candidate{ID: r.TargetID, Summary: r.Summary, Distance: r.Distance}
			}
			linked = d.graph.AutoLink(ctx, dec.ID, candidates)
		}
	}
	return dec, linked, nil
}

// mergeDeliberation combines an explicit trace with the consumed tracker
// session: explicit inputs and steps are preserved, tracked inputs are
// appended (deduplicated by input id), and the longer duration wins.
func mergeDeliberation(explicit *model.Deliberation, session *deliberation.Session) *model.Deliberation {
	tracked := sessionTrace(session)
	if explicit == nil {
		return tracked
	}
	merged := &model.Deliberation{
		Inputs:          append([]model.DeliberationInput(nil), explicit.Inputs...),
		Steps:           append([]model.DeliberationStep(nil), explicit.Steps...),
		TotalDurationMS: explicit.TotalDurationMS,
	}
	if tracked == nil {
		return merged
	}
	seen := make(map[string]bool, len(merged.Inputs))
	for _, in := range merged.Inputs {
		seen[in.ID] = true
	}
	for _, in := range tracked.Inputs {
		if !seen[in.ID] {
			seen[in.ID] = true
			merged.Inputs = append(merged.Inputs, in)
		}
	}
	if tracked.TotalDurationMS > merged.TotalDurationMS {
		merged.TotalDurationMS = tracked.TotalDurationMS
	}
	return merged
}

func sessionTrace(session *deliberation.Session) *model.Deliberation {
	if session == nil {
		return nil
	}
	return session.Trace()
}

type updateRequest struct {
	ID         string         `json:"id"`
	Decision   *string        `json:"decision,omitempty"`
	Confidence *float64       `json:"confidence,omitempty"`
	Context    *string        `json:"context,omitempty"`
	Reasons    []model.Reason `json:"reasons,omitempty"`
	Tags       []string       `json:"tags,omitempty"`
	Pattern    *string        `json:"pattern,omitempty"`
	Bridge     *model.Bridge  `json:"bridge,omitempty"`
	ReviewBy   *time.Time     `json:"review_by,omitempty"`
}

func (d *Dispatcher) handleUpdate(ctx context.Context, call *Call) (any, error) {
	var req updateRequest
	if err := decode(call.Params, &req); err != nil {
		return nil, err
	}
	if req.ID == "" {
		return nil, model.E(model.KindInvalidParams, "id is required")
	}

	dec, err := d.store.GetDecision(ctx, req.ID)
	if err != nil {
		return nil, mapStoreErr(err, req.ID)
	}

	if req.Decision != nil {
		dec.Decision = *req.Decision
	}
	if req.Confidence != nil {
		dec.Confidence = *req.Confidence
	}
	if req.Context != nil {
		dec.Context = *req.Context
	}
	if req.Reasons != nil {
		dec.Reasons = req.Reasons
		for i := range dec.Reasons {
			if dec.Reasons[i].Strength == 0 {
				dec.Reasons[i].Strength = model.DefaultReasonStrength
			}
		}
	}
	if req.Tags != nil {
		dec.Tags = req.Tags
	}
	if req.Pattern != nil {
		dec.Pattern = *req.Pattern
	}
	if req.Bridge != nil {
		dec.Bridge = req.Bridge
		dec.BridgeMethod = model.BridgeMethodExplicit
	}
	if req.ReviewBy != nil {
		dec.ReviewBy = req.ReviewBy
	}
	dec.UpdatedAt = d.now()

	if err := dec.Validate(); err != nil {
		return nil, model.Wrap(model.KindInvalidParams, "invalid decision", err)
	}
	if err := d.store.UpdateDecision(ctx, dec); err != nil {
		return nil, mapStoreErr(err, req.ID)
	}
	if err := d.indexer.IndexDecision(ctx, &dec); err != nil {
		d.logger.Warn("indexing updated decision failed", "decision", dec.ID, "error", err)
	}
	return dec, nil
}

type reviewRequest struct {
	ID            string        `json:"id"`
	Outcome       model.Outcome `json:"outcome"`
	OutcomeResult string        `json:"outcome_result,omitempty"`
	Lessons       string        `json:"lessons,omitempty"`
}

func (d *Dispatcher) handleReview(ctx context.Context, call *Call) (any, error) {
	var req reviewRequest
	if err := decode(call.Params, &req); err != nil {
		return nil, err
	}
	if req.ID == "" {
		return nil, model.E(model.KindInvalidParams, "id is required")
	}
	if !model.ValidOutcome(req.Outcome) {
		return nil, model.Ef(model.KindInvalidParams, "unknown outcome %q", req.Outcome)
	}

	dec, err := d.store.ReviewDecision(ctx, req.ID, req.Outcome, req.OutcomeResult, req.Lessons, d.now())
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrImmutable) {
			return nil, mapStoreErr(err, req.ID)
		}
		return nil, model.Wrap(model.KindReviewFailed, "review decision", err)
	}

	// The review settles breakers (probe or failure counting) and changes
	// the record's indexed status.
	d.breakers.RecordOutcome(&dec)
	if err := d.indexer.IndexDecision(ctx, &dec); err != nil {
		d.logger.Warn("indexing reviewed decision failed", "decision", dec.ID, "error", err)
	}
	return dec, nil
}

type getRequest struct {
	ID string `json:"id"`
}

func (d *Dispatcher) handleGet(ctx context.Context, call *Call) (any, error) {
	var req getRequest
	if err := decode(call.Params, &req); err != nil {
		return nil, err
	}
	if req.ID == "" {
		return nil, model.E(model.KindInvalidParams, "id is required")
	}
	dec, err := d.store.GetDecision(ctx, req.ID)
	if err != nil {
		return nil, mapStoreErr(err, req.ID)
	}
	// Strongest reasons first in the response; stored order is untouched.
	dec.Reasons = bridge.Rank(dec.Reasons)
	d.track(call, "d", "", fmt.Sprintf("fetched decision %s: %s", dec.ID, dec.Summary()), nil)
	return dec, nil
}

func (d *Dispatcher) handleList(ctx context.Context, call *Call) (any, error) {
	var req model.ListRequest
	if err := decode(call.Params, &req); err != nil {
		return nil, err
	}
	decisions, total, err := d.store.ListDecisions(ctx, req)
	if err != nil {
		return nil, model.Wrap(model.KindQueryFailed, "list decisions", err)
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 50
	}
	return model.ListResponse{Decisions: decisions, Total: total, Limit: limit, Offset: req.Offset}, nil
}

// mapStoreErr translates storage sentinels into surface error kinds.
func mapStoreErr(err error, id string) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return model.Ef(model.KindNotFound, "decision %s not found", id)
	case errors.Is(err, storage.ErrImmutable):
		return model.Ef(model.KindImmutableField, "decision %s is reviewed and immutable", id)
	default:
		return model.Wrap(model.KindInternal, "storage error", err)
	}
}
