package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"

	"github.com/noema-ai/noema/internal/model"
)

const decisionColumns = `id, created_at, updated_at, reviewed_at, recorded_by,
	 decision, confidence, category, stakes, context, status, outcome,
	 outcome_result, lessons, reasons, tags, pattern, bridge, bridge_method,
	 deliberation, project_context, related, review_by`

// CreateDecision inserts a decision record. Returns ErrDuplicateID on a
// content-address collision so the caller can re-derive with a new salt.
func (db *DB) CreateDecision(ctx context.Context, d model.Decision) error {
	reasons, bridge, delib, projectCtx, related, err := marshalDecisionJSON(d)
	if err != nil {
		return err
	}

	_, err = db.pool.Exec(ctx,
		`INSERT INTO decisions (`+decisionColumns+`, embedding)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24)`,
		d.ID, d.CreatedAt, d.UpdatedAt, d.ReviewedAt, d.RecordedBy,
		d.Decision, d.Confidence, d.Category, d.Stakes, d.Context, d.Status, string(d.Outcome),
		d.OutcomeResult, d.Lessons, reasons, d.Tags, d.Pattern, bridge, d.BridgeMethod,
		delib, projectCtx, related, d.ReviewBy, d.Embedding,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateID
		}
		return fmt.Errorf("storage: create decision: %w", err)
	}
	return nil
}

// GetDecision retrieves a decision by ID.
func (db *DB) GetDecision(ctx context.Context, id string) (model.Decision, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+decisionColumns+` FROM decisions WHERE id = $1`, id)
	d, err := scanDecision(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Decision{}, ErrNotFound
		}
		return model.Decision{}, fmt.Errorf("storage: get decision %s: %w", id, err)
	}
	return d, nil
}

// UpdateDecision replaces a pending record wholesale. Reviewed records are
// immutable except through ReviewOutcomeFields and the edge journal.
func (db *DB) UpdateDecision(ctx context.Context, d model.Decision) error {
	reasons, bridge, delib, projectCtx, related, err := marshalDecisionJSON(d)
	if err != nil {
		return err
	}

	tag, err := db.pool.Exec(ctx,
		`UPDATE decisions SET updated_at=$2, decision=$3, confidence=$4, category=$5,
		 stakes=$6, context=$7, reasons=$8, tags=$9, pattern=$10, bridge=$11,
		 bridge_method=$12, deliberation=$13, project_context=$14, related=$15,
		 review_by=$16, embedding=$17
		 WHERE id = $1 AND status = 'pending'`,
		d.ID, d.UpdatedAt, d.Decision, d.Confidence, d.Category,
		d.Stakes, d.Context, reasons, d.Tags, d.Pattern, bridge,
		d.BridgeMethod, delib, projectCtx, related,
		d.ReviewBy, d.Embedding,
	)
	if err != nil {
		return fmt.Errorf("storage: update decision %s: %w", d.ID, err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish a missing record from a reviewed one.
		var status string
		err := db.pool.QueryRow(ctx, `SELECT status FROM decisions WHERE id = $1`, d.ID).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("storage: update decision %s: %w", d.ID, err)
		}
		return ErrImmutable
	}
	return nil
}

// ReviewDecision transitions a pending record to reviewed with its outcome.
// Returns ErrImmutable when the record was already reviewed.
func (db *DB) ReviewDecision(ctx context.Context, id string, outcome model.Outcome, outcomeResult, lessons string, reviewedAt time.Time) (model.Decision, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Decision{}, fmt.Errorf("storage: begin review: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var status string
	err = tx.QueryRow(ctx, `SELECT status FROM decisions WHERE id = $1 FOR UPDATE`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Decision{}, ErrNotFound
	}
	if err != nil {
		return model.Decision{}, fmt.Errorf("storage: review decision %s: %w", id, err)
	}
	if model.Status(status) == model.StatusReviewed {
		return model.Decision{}, ErrImmutable
	}

	newStatus := model.StatusReviewed
	if outcome == model.OutcomeAbandoned {
		newStatus = model.StatusAbandoned
	}

	row := tx.QueryRow(ctx,
		`UPDATE decisions SET status=$2, outcome=$3, outcome_result=$4, lessons=$5,
		 reviewed_at=$6, updated_at=$6
		 WHERE id = $1
		 RETURNING `+decisionColumns,
		id, newStatus, string(outcome), outcomeResult, lessons, reviewedAt,
	)
	d, err := scanDecision(row)
	if err != nil {
		return model.Decision{}, fmt.Errorf("storage: review decision %s: %w", id, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return model.Decision{}, fmt.Errorf("storage: commit review: %w", err)
	}
	return d, nil
}

// ListDecisions executes a filtered, paginated listing with a total count.
func (db *DB) ListDecisions(ctx context.Context, req model.ListRequest) ([]model.Decision, int, error) {
	where, args := buildDecisionWhereClause(req.Filters, 1)

	var total int
	if err := db.pool.QueryRow(ctx, "SELECT COUNT(*) FROM decisions"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count decisions: %w", err)
	}

	limit := req.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}
	offset := req.Offset
	if offset < 0 {
		offset = 0
	}

	query := fmt.Sprintf(`SELECT `+decisionColumns+` FROM decisions%s ORDER BY created_at DESC LIMIT %d OFFSET %d`,
		where, limit, offset)

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list decisions: %w", err)
	}
	defer rows.Close()

	decisions, err := scanDecisions(rows)
	if err != nil {
		return nil, 0, err
	}
	return decisions, total, nil
}

// AllDecisions returns every record without embeddings, for keyword index builds.
func (db *DB) AllDecisions(ctx context.Context) ([]model.Decision, error) {
	rows, err := db.pool.Query(ctx, `SELECT `+decisionColumns+` FROM decisions ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("storage: all decisions: %w", err)
	}
	defer rows.Close()
	return scanDecisions(rows)
}

// CountDecisions returns the total record count. The keyword index uses this
// as its cheap staleness probe.
func (db *DB) CountDecisions(ctx context.Context) (int, error) {
	var n int
	if err := db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM decisions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count decisions: %w", err)
	}
	return n, nil
}

// GetDecisionsByIDs hydrates a set of records, keyed by ID. Missing IDs are
// silently absent from the result.
func (db *DB) GetDecisionsByIDs(ctx context.Context, ids []string) (map[string]model.Decision, error) {
	if len(ids) == 0 {
		return map[string]model.Decision{}, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+decisionColumns+` FROM decisions WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("storage: get decisions by ids: %w", err)
	}
	defer rows.Close()

	decisions, err := scanDecisions(rows)
	if err != nil {
		return nil, err
	}
	out := make(map[string]model.Decision, len(decisions))
	for _, d := range decisions {
		out[d.ID] = d
	}
	return out, nil
}

// UpdateEmbedding stores a freshly computed embedding on a record.
func (db *DB) UpdateEmbedding(ctx context.Context, id string, embedding pgvector.Vector) error {
	tag, err := db.pool.Exec(ctx, `UPDATE decisions SET embedding = $2 WHERE id = $1`, id, embedding)
	if err != nil {
		return fmt.Errorf("storage: update embedding %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateRelated replaces the materialised related-edge set on a record.
// Allowed on reviewed records: graph edges are not frozen by review.
func (db *DB) UpdateRelated(ctx context.Context, id string, related []model.RelatedEdge) error {
	data, err := json.Marshal(related)
	if err != nil {
		return fmt.Errorf("storage: marshal related: %w", err)
	}
	tag, err := db.pool.Exec(ctx, `UPDATE decisions SET related = $2 WHERE id = $1`, id, string(data))
	if err != nil {
		return fmt.Errorf("storage: update related %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListMissingEmbeddings returns records persisted without a vector (recorded
// during an embedding outage), oldest first, for startup backfill.
func (db *DB) ListMissingEmbeddings(ctx context.Context, limit int) ([]model.Decision, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+decisionColumns+` FROM decisions WHERE embedding IS NULL ORDER BY created_at LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list missing embeddings: %w", err)
	}
	defer rows.Close()
	return scanDecisions(rows)
}

// AllEmbedded streams every record that has a persisted embedding, for
// rebuilding the vector collection without re-calling the provider.
func (db *DB) AllEmbedded(ctx context.Context) ([]model.Decision, []pgvector.Vector, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+decisionColumns+`, embedding FROM decisions WHERE embedding IS NOT NULL ORDER BY created_at`)
	if err != nil {
		return nil, nil, fmt.Errorf("storage: all embedded: %w", err)
	}
	defer rows.Close()

	var decisions []model.Decision
	var vectors []pgvector.Vector
	for rows.Next() {
		d, vec, err := scanDecisionWithEmbedding(rows)
		if err != nil {
			return nil, nil, err
		}
		decisions = append(decisions, d)
		vectors = append(vectors, vec)
	}
	return decisions, vectors, rows.Err()
}

// ListReviewed returns the reviewed/abandoned population for calibration.
func (db *DB) ListReviewed(ctx context.Context, f model.CalibrationFilters) ([]model.Decision, error) {
	conditions := []string{"reviewed_at IS NOT NULL"}
	var args []any
	idx := 1

	if f.Agent != "" {
		conditions = append(conditions, fmt.Sprintf("recorded_by = $%d", idx))
		args = append(args, f.Agent)
		idx++
	}
	if f.Category != "" {
		conditions = append(conditions, fmt.Sprintf("category = $%d", idx))
		args = append(args, string(f.Category))
		idx++
	}
	if f.Stakes != "" {
		conditions = append(conditions, fmt.Sprintf("stakes = $%d", idx))
		args = append(args, string(f.Stakes))
		idx++
	}
	if f.Project != "" {
		conditions = append(conditions, fmt.Sprintf("project_context->>'project' = $%d", idx))
		args = append(args, f.Project)
		idx++
	}
	if f.Feature != "" {
		conditions = append(conditions, fmt.Sprintf("project_context->>'feature' = $%d", idx))
		args = append(args, f.Feature)
		idx++
	}
	if f.DateFrom != nil {
		conditions = append(conditions, fmt.Sprintf("reviewed_at >= $%d", idx))
		args = append(args, *f.DateFrom)
		idx++
	}
	if f.DateTo != nil {
		conditions = append(conditions, fmt.Sprintf("reviewed_at <= $%d", idx))
		args = append(args, *f.DateTo)
	}

	query := `SELECT ` + decisionColumns + ` FROM decisions WHERE ` +
		strings.Join(conditions, " AND ") + ` ORDER BY reviewed_at`
	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list reviewed: %w", err)
	}
	defer rows.Close()
	return scanDecisions(rows)
}

// ListPending returns all pending records, oldest first, for the ready queue.
func (db *DB) ListPending(ctx context.Context) ([]model.Decision, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+decisionColumns+` FROM decisions WHERE status = 'pending' ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("storage: list pending: %w", err)
	}
	defer rows.Close()
	return scanDecisions(rows)
}

// CountRecentByContext counts decisions recorded within the window whose
// context field matches value. Used by temporal guardrail conditions. The
// field is restricted to an allow-list of queryable columns.
func (db *DB) CountRecentByContext(ctx context.Context, field, value string, window time.Duration) (int, error) {
	column, ok := contextColumn(field)
	if !ok {
		return 0, fmt.Errorf("storage: temporal condition on unsupported field %q", field)
	}
	var n int
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM decisions WHERE `+column+` = $1 AND created_at >= $2`,
		value, time.Now().UTC().Add(-window),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: count recent by %s: %w", field, err)
	}
	return n, nil
}

// OutcomeAggregate summarises reviewed outcomes for an aggregate guardrail
// condition over decisions where field = value.
type OutcomeAggregate struct {
	Reviewed      int
	Successes     int
	Failures      int
	AvgConfidence float64
}

// AggregateOutcomes computes success/failure counts and mean confidence over
// reviewed decisions matching field = value.
func (db *DB) AggregateOutcomes(ctx context.Context, field, value string) (OutcomeAggregate, error) {
	column, ok := contextColumn(field)
	if !ok {
		return OutcomeAggregate{}, fmt.Errorf("storage: aggregate condition on unsupported field %q", field)
	}
	var agg OutcomeAggregate
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FILTER (WHERE reviewed_at IS NOT NULL),
		        COUNT(*) FILTER (WHERE outcome = 'success'),
		        COUNT(*) FILTER (WHERE outcome IN ('failure', 'abandoned')),
		        COALESCE(AVG(confidence), 0)
		 FROM decisions WHERE `+column+` = $1`, value,
	).Scan(&agg.Reviewed, &agg.Successes, &agg.Failures, &agg.AvgConfidence)
	if err != nil {
		return OutcomeAggregate{}, fmt.Errorf("storage: aggregate outcomes by %s: %w", field, err)
	}
	return agg, nil
}

// Reset wipes all decisions and edges. Destructive; test and admin use only.
func (db *DB) Reset(ctx context.Context) error {
	if _, err := db.pool.Exec(ctx, `TRUNCATE decisions, decision_edges`); err != nil {
		return fmt.Errorf("storage: reset: %w", err)
	}
	return nil
}

// contextColumn maps guardrail context field names onto queryable columns.
func contextColumn(field string) (string, bool) {
	switch field {
	case "category":
		return "category", true
	case "stakes":
		return "stakes", true
	case "agent", "recorded_by":
		return "recorded_by", true
	case "status":
		return "status", true
	case "pattern":
		return "pattern", true
	case "project":
		return "project_context->>'project'", true
	case "feature":
		return "project_context->>'feature'", true
	}
	return "", false
}

func buildDecisionWhereClause(f model.QueryFilters, startArgIdx int) (string, []any) {
	var conditions []string
	var args []any
	idx := startArgIdx

	if f.Category != "" {
		conditions = append(conditions, fmt.Sprintf("category = $%d", idx))
		args = append(args, string(f.Category))
		idx++
	}
	if f.Stakes != "" {
		conditions = append(conditions, fmt.Sprintf("stakes = $%d", idx))
		args = append(args, string(f.Stakes))
		idx++
	}
	if f.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", idx))
		args = append(args, string(f.Status))
		idx++
	}
	if f.Agent != "" {
		conditions = append(conditions, fmt.Sprintf("recorded_by = $%d", idx))
		args = append(args, f.Agent)
		idx++
	}
	if len(f.Tags) > 0 {
		conditions = append(conditions, fmt.Sprintf("tags && $%d", idx))
		args = append(args, f.Tags)
		idx++
	}
	if f.Project != "" {
		conditions = append(conditions, fmt.Sprintf("project_context->>'project' = $%d", idx))
		args = append(args, f.Project)
		idx++
	}
	if f.DateFrom != nil {
		conditions = append(conditions, fmt.Sprintf("created_at >= $%d", idx))
		args = append(args, *f.DateFrom)
		idx++
	}
	if f.DateTo != nil {
		conditions = append(conditions, fmt.Sprintf("created_at <= $%d", idx))
		args = append(args, *f.DateTo)
		idx++
	}
	if f.Search != "" {
		conditions = append(conditions,
			fmt.Sprintf("(decision ILIKE $%d OR context ILIKE $%d OR pattern ILIKE $%d)", idx, idx, idx))
		args = append(args, "%"+f.Search+"%")
		idx++
	}
	if f.HasOutcome != nil {
		if *f.HasOutcome {
			conditions = append(conditions, "reviewed_at IS NOT NULL")
		} else {
			conditions = append(conditions, "reviewed_at IS NULL")
		}
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

func marshalDecisionJSON(d model.Decision) (reasons, bridge, delib, projectCtx, related *string, err error) {
	mk := func(v any) (*string, error) {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("storage: marshal decision field: %w", err)
		}
		s := string(data)
		return &s, nil
	}

	if reasons, err = mk(d.Reasons); err != nil {
		return
	}
	if d.Bridge != nil {
		if bridge, err = mk(d.Bridge); err != nil {
			return
		}
	}
	if d.Deliberation != nil {
		if delib, err = mk(d.Deliberation); err != nil {
			return
		}
	}
	if d.ProjectCtx != nil {
		if projectCtx, err = mk(d.ProjectCtx); err != nil {
			return
		}
	}
	if related, err = mk(d.Related); err != nil {
		return
	}
	return
}

// row is satisfied by both pgx.Row and pgx.Rows.
type row interface {
	Scan(dest ...any) error
}

func scanDecision(r row) (model.Decision, error) {
	var d model.Decision
	var outcome string
	var reasonsRaw, bridgeRaw, delibRaw, projectRaw, relatedRaw []byte

	err := r.Scan(
		&d.ID, &d.CreatedAt, &d.UpdatedAt, &d.ReviewedAt, &d.RecordedBy,
		&d.Decision, &d.Confidence, &d.Category, &d.Stakes, &d.Context, &d.Status, &outcome,
		&d.OutcomeResult, &d.Lessons, &reasonsRaw, &d.Tags, &d.Pattern, &bridgeRaw, &d.BridgeMethod,
		&delibRaw, &projectRaw, &relatedRaw, &d.ReviewBy,
	)
	if err != nil {
		return model.Decision{}, err
	}
	d.Outcome = model.Outcome(outcome)

	if err := unmarshalDecisionJSON(&d, reasonsRaw, bridgeRaw, delibRaw, projectRaw, relatedRaw); err != nil {
		return model.Decision{}, err
	}
	return d, nil
}

func scanDecisionWithEmbedding(r row) (model.Decision, pgvector.Vector, error) {
	var d model.Decision
	var outcome string
	var vec pgvector.Vector
	var reasonsRaw, bridgeRaw, delibRaw, projectRaw, relatedRaw []byte

	err := r.Scan(
		&d.ID, &d.CreatedAt, &d.UpdatedAt, &d.ReviewedAt, &d.RecordedBy,
		&d.Decision, &d.Confidence, &d.Category, &d.Stakes, &d.Context, &d.Status, &outcome,
		&d.OutcomeResult, &d.Lessons, &reasonsRaw, &d.Tags, &d.Pattern, &bridgeRaw, &d.BridgeMethod,
		&delibRaw, &projectRaw, &relatedRaw, &d.ReviewBy, &vec,
	)
	if err != nil {
		return model.Decision{}, pgvector.Vector{}, fmt.Errorf("storage: scan embedded decision: %w", err)
	}
	d.Outcome = model.Outcome(outcome)

	if err := unmarshalDecisionJSON(&d, reasonsRaw, bridgeRaw, delibRaw, projectRaw, relatedRaw); err != nil {
		return model.Decision{}, pgvector.Vector{}, err
	}
	return d, vec, nil
}

func unmarshalDecisionJSON(d *model.Decision, reasonsRaw, bridgeRaw, delibRaw, projectRaw, relatedRaw []byte) error {
	if len(reasonsRaw) > 0 {
		if err := json.Unmarshal(reasonsRaw, &d.Reasons); err != nil {
			return fmt.Errorf("storage: unmarshal reasons for %s: %w", d.ID, err)
		}
	}
	if len(bridgeRaw) > 0 {
		d.Bridge = &model.Bridge{}
		if err := json.Unmarshal(bridgeRaw, d.Bridge); err != nil {
			return fmt.Errorf("storage: unmarshal bridge for %s: %w", d.ID, err)
		}
	}
	if len(delibRaw) > 0 {
		d.Deliberation = &model.Deliberation{}
		if err := json.Unmarshal(delibRaw, d.Deliberation); err != nil {
			return fmt.Errorf("storage: unmarshal deliberation for %s: %w", d.ID, err)
		}
	}
	if len(projectRaw) > 0 {
		d.ProjectCtx = &model.ProjectContext{}
		if err := json.Unmarshal(projectRaw, d.ProjectCtx); err != nil {
			return fmt.Errorf("storage: unmarshal project context for %s: %w", d.ID, err)
		}
	}
	if len(relatedRaw) > 0 {
		if err := json.Unmarshal(relatedRaw, &d.Related); err != nil {
			return fmt.Errorf("storage: unmarshal related for %s: %w", d.ID, err)
		}
	}
	return nil
}

func scanDecisions(rows pgx.Rows) ([]model.Decision, error) {
	var decisions []model.Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan decision: %w", err)
		}
		decisions = append(decisions, d)
	}
	return decisions, rows.Err()
}
