package dispatch

import (
	"context"
	"fmt"

	"github.com/noema-ai/noema/internal/model"
)

type queryResponse struct {
	Results  []model.QueryResult `json:"results"`
	Total    int                 `json:"total"`
	Degraded bool                `json:"degraded,omitempty"`
}

func (d *Dispatcher) handleQuery(ctx context.Context, call *Call) (any, error) {
	var req model.QueryRequest
	if err := decode(call.Params, &req); err != nil {
		return nil, err
	}
	resp, err := d.retriever.Query(ctx, req)
	if err != nil {
		return nil, err
	}

	related := make([]model.RelatedEdge, 0, len(resp.Results))
	for _, r := range resp.Results {
		related = append(related, model.RelatedEdge{
			TargetID: r.ID,
			Summary:  r.Summary,
			Distance: r.Distance,
		})
	}
	d.track(call, "q", "",
		fmt.Sprintf("queried %q (%d results)", req.Query, len(resp.Results)), related)

	return queryResponse{Results: resp.Results, Total: len(resp.Results), Degraded: resp.Degraded}, nil
}

type reindexResponse struct {
	Reindexed         int  `json:"reindexed"`
	Skipped           int  `json:"skipped"`
	ReindexInProgress bool `json:"reindex_in_progress"`
	EdgesCompacted    bool `json:"edges_compacted"`
}

// handleReindex rebuilds the vector backend from the store, compacts the
// edge journal, and recomputes salience. A concurrent reindex attempt is
// answered with reindex_in_progress rather than starting a second rebuild;
// concurrent queries may observe partial results while the rebuild runs.
func (d *Dispatcher) handleReindex(ctx context.Context, call *Call) (any, error) {
	if d.indexer.InProgress() {
		return reindexResponse{ReindexInProgress: true}, nil
	}

	indexed, skipped, err := d.indexer.ReindexAll(ctx)
	if err != nil {
		return nil, err
	}

	compacted := true
	if err := d.store.CompactEdges(ctx); err != nil {
		compacted = false
		d.logger.Warn("edge compaction during reindex failed", "error", err)
	}
	if err := d.graph.Recompute(ctx); err != nil {
		d.logger.Warn("salience recompute during reindex failed", "error", err)
	}
	return reindexResponse{Reindexed: indexed, Skipped: skipped, EdgesCompacted: compacted}, nil
}
