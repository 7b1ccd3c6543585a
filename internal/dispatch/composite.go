package dispatch

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/noema-ai/noema/internal/model"
	"github.com/noema-ai/noema/internal/service/calibration"
)

// DefaultPreActionLimit is the similar-decision pool size for preAction.
const DefaultPreActionLimit = 5

type recordThoughtRequest struct {
	Thought    string `json:"thought"`
	DecisionID string `json:"decision_id,omitempty"`
}

func (d *Dispatcher) handleRecordThought(_ context.Context, call *Call) (any, error) {
	var req recordThoughtRequest
	if err := decode(call.Params, &req); err != nil {
		return nil, err
	}
	if req.Thought == "" {
		return nil, model.E(model.KindInvalidParams, "thought is required")
	}
	if call.AgentID == "" {
		return nil, model.E(model.KindInvalidParams, "agent identity is required to record a thought")
	}

	d.track(call, "t", req.DecisionID, req.Thought, nil)

	inputs := 0
	if s := d.tracker.Peek(call.AgentID, req.DecisionID); s != nil {
		inputs = len(s.Inputs)
	}
	return struct {
		Tracked       bool `json:"tracked"`
		SessionInputs int  `json:"session_inputs"`
	}{Tracked: true, SessionInputs: inputs}, nil
}

type preActionOptions struct {
	QueryLimit int  `json:"query_limit,omitempty"`
	AutoRecord bool `json:"auto_record,omitempty"`
}

type preActionRequest struct {
	Action     string                `json:"action"`
	Category   model.Category        `json:"category,omitempty"`
	Stakes     model.Stakes          `json:"stakes,omitempty"`
	Confidence *float64              `json:"confidence,omitempty"`
	Reasons    []model.Reason        `json:"reasons,omitempty"`
	Tags       []string              `json:"tags,omitempty"`
	Pattern    string                `json:"pattern,omitempty"`
	Project    string                `json:"project,omitempty"`
	ProjectCtx *model.ProjectContext `json:"project_context,omitempty"`
	Options    preActionOptions      `json:"options,omitempty"`
}

type preActionResponse struct {
	Similar     []model.QueryResult   `json:"similar"`
	Guardrails  model.GuardrailResult `json:"guardrails"`
	Calibration string                `json:"calibration"`
	DecisionID  string                `json:"decision_id,omitempty"`
	Degraded    bool                  `json:"degraded,omitempty"`
}

// handlePreAction is the one-call pre-decision bundle: similar precedent,
// guardrail verdict, a calibration one-liner, and optionally the recorded
// decision itself.
func (d *Dispatcher) handlePreAction(ctx context.Context, call *Call) (any, error) {
	var req preActionRequest
	if err := decode(call.Params, &req); err != nil {
		return nil, err
	}
	if req.Action == "" {
		return nil, model.E(model.KindInvalidParams, "action is required")
	}
	limit := req.Options.QueryLimit
	if limit <= 0 {
		limit = DefaultPreActionLimit
	}

	similar, err := d.retriever.Query(ctx, model.QueryRequest{Query: req.Action, Limit: limit})
	if err != nil {
		return nil, err
	}

	// Track the retrieval so a later recordDecision (this call's or a
	// separate one) inherits the precedent as trace and auto-link input.
	related := make([]model.RelatedEdge, 0, len(similar.Results))
	for _, r := range similar.Results {
		related = append(related, model.RelatedEdge{TargetID: r.ID, Summary: r.Summary, Distance: r.Distance})
	}
	d.track(call, "q", "", fmt.Sprintf("queried %q (%d results)", req.Action, len(similar.Results)), related)

	actx := model.ActionContext{
		"description":   req.Action,
		"agent":         call.AgentID,
		"reasons_count": len(req.Reasons),
	}
	if req.Category != "" {
		actx["category"] = string(req.Category)
	}
	if req.Stakes != "" {
		actx["stakes"] = string(req.Stakes)
	}
	if req.Confidence != nil {
		actx["confidence"] = *req.Confidence
	}
	if len(req.Tags) > 0 {
		actx["tags"] = req.Tags
	}
	if req.Project != "" {
		actx["project"] = req.Project
	}

	verdict, err := d.guardrails.Evaluate(ctx, actx)
	if err != nil {
		return nil, err
	}
	breakerViolations := d.breakers.Check(call.AgentID, req.Category, req.Stakes, req.Tags, false)
	verdict.Violations = append(verdict.Violations, breakerViolations...)
	verdict.Allowed = len(verdict.Violations) == 0

	note := d.calibrationNote(ctx, call.AgentID, req.Category)

	resp := preActionResponse{
		Similar:     similar.Results,
		Guardrails:  verdict,
		Calibration: note,
		Degraded:    similar.Degraded,
	}

	if req.Options.AutoRecord && verdict.Allowed {
		confidence := req.Confidence
		if confidence == nil {
			v := model.DefaultReasonStrength
			confidence = &v
		}
		dec, _, err := d.createDecision(ctx, call.AgentID, recordRequest{
			Decision:   req.Action,
			Confidence: confidence,
			Category:   req.Category,
			Stakes:     req.Stakes,
			Reasons:    req.Reasons,
			Tags:       req.Tags,
			Pattern:    req.Pattern,
			ProjectCtx: req.ProjectCtx,
		})
		if err != nil {
			return nil, err
		}
		resp.DecisionID = dec.ID
	}
	return resp, nil
}

func (d *Dispatcher) calibrationNote(ctx context.Context, agent string, category model.Category) string {
	report, err := d.calibration.Report(ctx, model.CalibrationFilters{Agent: agent, Category: category}, model.WindowAll)
	if err != nil {
		d.logger.Warn("calibration note failed", "agent", agent, "error", err)
		return ""
	}
	return calibration.Summary(&report)
}

type sessionContextRequest struct {
	Task    string   `json:"task"`
	Include []string `json:"include,omitempty"`
	Limit   int      `json:"limit,omitempty"`
	Format  string   `json:"format,omitempty"`
}

type sessionContext struct {
	Task        string              `json:"task"`
	Decisions   []model.QueryResult `json:"decisions,omitempty"`
	Guardrails  []model.Guardrail   `json:"guardrails,omitempty"`
	Calibration string              `json:"calibration,omitempty"`
	Ready       []model.ReadyAction `json:"ready,omitempty"`
	Patterns    []string            `json:"patterns,omitempty"`
}

type markdownContext struct {
	Format  string `json:"format"`
	Content string `json:"content"`
}

// handleSessionContext fans out to retrieval, guardrails, calibration, the
// ready queue, and pattern extraction, bundling them for session startup.
func (d *Dispatcher) handleSessionContext(ctx context.Context, call *Call) (any, error) {
	var req sessionContextRequest
	if err := decode(call.Params, &req); err != nil {
		return nil, err
	}
	if req.Task == "" {
		return nil, model.E(model.KindInvalidParams, "task is required")
	}
	switch req.Format {
	case "", "json", "markdown":
	default:
		return nil, model.Ef(model.KindInvalidParams, "unknown format %q", req.Format)
	}
	limit := req.Limit
	if limit <= 0 {
		limit = DefaultPreActionLimit
	}
	include := includeSet(req.Include)

	out := sessionContext{Task: req.Task}

	if include["decisions"] || include["patterns"] {
		resp, err := d.retriever.Query(ctx, model.QueryRequest{Query: req.Task, Limit: limit})
		if err != nil {
			return nil, err
		}
		if include["decisions"] {
			out.Decisions = resp.Results
		}
		if include["patterns"] {
			out.Patterns = d.patternsOf(ctx, resp.Results)
		}
	}
	if include["guardrails"] {
		rules, err := d.guardrails.Rules(ctx, "")
		if err != nil {
			d.logger.Warn("guardrail listing for session context failed", "error", err)
		} else {
			out.Guardrails = rules
		}
	}
	if include["calibration"] {
		out.Calibration = d.calibrationNote(ctx, call.AgentID, "")
	}
	if include["ready"] {
		readyAny, err := d.handleReady(ctx, call)
		if err != nil {
			d.logger.Warn("ready queue for session context failed", "error", err)
		} else if r, ok := readyAny.(readyResponse); ok {
			out.Ready = r.Actions
		}
	}

	if req.Format == "markdown" {
		return markdownContext{Format: "markdown", Content: renderMarkdown(&out)}, nil
	}
	return out, nil
}

var sessionSections = []string{"decisions", "guardrails", "calibration", "ready", "patterns"}

func includeSet(include []string) map[string]bool {
	set := make(map[string]bool, len(sessionSections))
	if len(include) == 0 {
		for _, s := range sessionSections {
			set[s] = true
		}
		return set
	}
	for _, s := range include {
		set[s] = true
	}
	return set
}

// patternsOf collects distinct non-empty pattern strings from the full
// records behind the query hits. The pattern lives on the stored record,
// not on the query projection, so each hit costs one store read.
func (d *Dispatcher) patternsOf(ctx context.Context, results []model.QueryResult) []string {
	seen := make(map[string]bool)
	var patterns []string
	for _, r := range results {
		dec, err := d.store.GetDecision(ctx, r.ID)
		if err != nil {
			continue
		}
		if dec.Pattern != "" && !seen[dec.Pattern] {
			seen[dec.Pattern] = true
			patterns = append(patterns, dec.Pattern)
		}
	}
	sort.Strings(patterns)
	return patterns
}

// renderMarkdown is a deterministic rendering of the JSON context: fixed
// section order, stable list ordering inherited from the inputs.
func renderMarkdown(sc *sessionContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Session context: %s\n", sc.Task)

	if len(sc.Decisions) > 0 {
		b.WriteString("\n## Similar decisions\n")
		for _, r := range sc.Decisions {
			fmt.Fprintf(&b, "- `%s` %s (%s/%s, confidence %.2f, distance %.3f)\n",
				r.ID, r.Summary, r.Category, r.Stakes, r.Confidence, r.Distance)
		}
	}
	if len(sc.Guardrails) > 0 {
		b.WriteString("\n## Active guardrails\n")
		for _, g := range sc.Guardrails {
			fmt.Fprintf(&b, "- **%s** (%s): %s\n", g.ID, g.Action, g.Message)
		}
	}
	if sc.Calibration != "" {
		b.WriteString("\n## Calibration\n")
		b.WriteString(sc.Calibration + "\n")
	}
	if len(sc.Ready) > 0 {
		b.WriteString("\n## Ready queue\n")
		for _, a := range sc.Ready {
			fmt.Fprintf(&b, "- [%s] %s\n", a.Kind, a.Message)
		}
	}
	if len(sc.Patterns) > 0 {
		b.WriteString("\n## Patterns\n")
		for _, p := range sc.Patterns {
			fmt.Fprintf(&b, "- %s\n", p)
		}
	}
	return b.String()
}
