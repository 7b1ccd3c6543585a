package dispatch

import (
	"context"

	"github.com/noema-ai/noema/internal/graph"
	"github.com/noema-ai/noema/internal/model"
)

type linkRequest struct {
	SourceID string         `json:"source_id"`
	TargetID string         `json:"target_id"`
	Type     model.EdgeType `json:"type"`
	Weight   float64        `json:"weight,omitempty"`
	Context  string         `json:"context,omitempty"`
}

func (d *Dispatcher) handleLink(ctx context.Context, call *Call) (any, error) {
	var req linkRequest
	if err := decode(call.Params, &req); err != nil {
		return nil, err
	}
	return d.graph.Link(ctx, model.Edge{
		SourceID: req.SourceID,
		TargetID: req.TargetID,
		Type:     req.Type,
		Weight:   req.Weight,
		Context:  req.Context,
	})
}

type getGraphRequest struct {
	Root      string           `json:"root"`
	Depth     int              `json:"depth,omitempty"`
	EdgeTypes []model.EdgeType `json:"edge_types,omitempty"`
}

func (d *Dispatcher) handleGetGraph(ctx context.Context, call *Call) (any, error) {
	var req getGraphRequest
	if err := decode(call.Params, &req); err != nil {
		return nil, err
	}
	if req.Root == "" {
		return nil, model.E(model.KindInvalidParams, "root is required")
	}
	return d.graph.GetGraph(ctx, req.Root, req.Depth, req.EdgeTypes)
}

type getNeighborsRequest struct {
	ID   string         `json:"id"`
	Type model.EdgeType `json:"type,omitempty"`
}

func (d *Dispatcher) handleGetNeighbors(ctx context.Context, call *Call) (any, error) {
	var req getNeighborsRequest
	if err := decode(call.Params, &req); err != nil {
		return nil, err
	}
	if req.ID == "" {
		return nil, model.E(model.KindInvalidParams, "id is required")
	}
	neighbors, err := d.graph.GetNeighbors(ctx, req.ID, req.Type)
	if err != nil {
		return nil, err
	}
	return struct {
		Neighbors []graph.Neighbor `json:"neighbors"`
	}{Neighbors: neighbors}, nil
}
