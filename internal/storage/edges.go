package storage

import (
	"context"
	"fmt"

	"github.com/noema-ai/noema/internal/model"
)

// AppendEdge records a graph edge mutation. Edges are journaled insert-only;
// the latest row per (source, target, type) is the current edge, so weight
// updates and deletions are appends too. A zero weight marks deletion.
func (db *DB) AppendEdge(ctx context.Context, e model.Edge) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO decision_edges (source_id, target_id, edge_type, weight, context, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		e.SourceID, e.TargetID, string(e.Type), e.Weight, e.Context, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: append edge %s->%s: %w", e.SourceID, e.TargetID, err)
	}
	return nil
}

// ListEdges returns the current edge set: the latest journal row per
// (source, target, type), excluding deleted edges.
func (db *DB) ListEdges(ctx context.Context) ([]model.Edge, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT DISTINCT ON (source_id, target_id, edge_type)
		        source_id, target_id, edge_type, weight, context, created_at
		 FROM decision_edges
		 ORDER BY source_id, target_id, edge_type, seq DESC`)
	if err != nil {
		return nil, fmt.Errorf("storage: list edges: %w", err)
	}
	defer rows.Close()

	var edges []model.Edge
	for rows.Next() {
		var e model.Edge
		var edgeType string
		if err := rows.Scan(&e.SourceID, &e.TargetID, &edgeType, &e.Weight, &e.Context, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan edge: %w", err)
		}
		e.Type = model.EdgeType(edgeType)
		if e.Weight > 0 {
			edges = append(edges, e)
		}
	}
	return edges, rows.Err()
}

// EdgesTouching returns the current edges where id appears on either side.
func (db *DB) EdgesTouching(ctx context.Context, id string) ([]model.Edge, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT DISTINCT ON (source_id, target_id, edge_type)
		        source_id, target_id, edge_type, weight, context, created_at
		 FROM decision_edges
		 WHERE source_id = $1 OR target_id = $1
		 ORDER BY source_id, target_id, edge_type, seq DESC`, id)
	if err != nil {
		return nil, fmt.Errorf("storage: edges touching %s: %w", id, err)
	}
	defer rows.Close()

	var edges []model.Edge
	for rows.Next() {
		var e model.Edge
		var edgeType string
		if err := rows.Scan(&e.SourceID, &e.TargetID, &edgeType, &e.Weight, &e.Context, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan edge: %w", err)
		}
		e.Type = model.EdgeType(edgeType)
		if e.Weight > 0 {
			edges = append(edges, e)
		}
	}
	return edges, rows.Err()
}

// CountEdgeMutations returns the total journal length, used to decide when
// salience needs recomputing.
func (db *DB) CountEdgeMutations(ctx context.Context) (int, error) {
	var n int
	if err := db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM decision_edges`).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count edge mutations: %w", err)
	}
	return n, nil
}

// CompactEdges rewrites the journal down to one row per live edge. Safe to
// run online: the journal table is append-only between compactions.
func (db *DB) CompactEdges(ctx context.Context) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin edge compaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		DELETE FROM decision_edges e
		USING (
			SELECT source_id, target_id, edge_type, MAX(seq) AS max_seq
			FROM decision_edges
			GROUP BY source_id, target_id, edge_type
		) latest
		WHERE e.source_id = latest.source_id
		  AND e.target_id = latest.target_id
		  AND e.edge_type = latest.edge_type
		  AND e.seq < latest.max_seq
	`); err != nil {
		return fmt.Errorf("storage: compact edges: %w", err)
	}

	// Drop deletion tombstones now that the history they superseded is gone.
	if _, err := tx.Exec(ctx, `DELETE FROM decision_edges WHERE weight <= 0`); err != nil {
		return fmt.Errorf("storage: drop edge tombstones: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit edge compaction: %w", err)
	}
	return nil
}
