package mcp

import (
	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerTools() {
	// noema_query — hybrid retrieval over past decisions.
	s.mcpServer.AddTool(
		mcplib.NewTool("noema_query",
			mcplib.WithDescription("Search past decisions by semantic similarity blended with keyword relevance"),
			mcplib.WithString("agent", mcplib.Description("Calling agent identity")),
			mcplib.WithString("query", mcplib.Description("Natural language search query"), mcplib.Required()),
			mcplib.WithNumber("limit", mcplib.Description("Maximum results to return")),
			mcplib.WithString("retrieval_mode", mcplib.Description("semantic, keyword, or hybrid")),
			mcplib.WithString("bridge_side", mcplib.Description("structure, function, or both")),
			mcplib.WithObject("filters", mcplib.Description("Category, stakes, status, agent, tags, project, and date filters")),
		),
		s.dispatchTool("queryDecisions"),
	)

	// noema_check — guardrail and circuit-breaker verdict for an action.
	s.mcpServer.AddTool(
		mcplib.NewTool("noema_check",
			mcplib.WithDescription("Check a proposed action against guardrails and circuit breakers before acting"),
			mcplib.WithString("agent", mcplib.Description("Calling agent identity")),
			mcplib.WithObject("action", mcplib.Description("Action context: description, category, stakes, confidence, reasons_count, tags"), mcplib.Required()),
		),
		s.dispatchTool("checkGuardrails"),
	)

	// noema_record — record a decision.
	s.mcpServer.AddTool(
		mcplib.NewTool("noema_record",
			mcplib.WithDescription("Record a decision with confidence, reasons, and an optional deliberation trace"),
			mcplib.WithString("agent", mcplib.Description("Calling agent identity"), mcplib.Required()),
			mcplib.WithString("decision", mcplib.Description("What was decided"), mcplib.Required()),
			mcplib.WithNumber("confidence", mcplib.Description("Confidence score 0.0-1.0"), mcplib.Required()),
			mcplib.WithString("category", mcplib.Description("Decision category"), mcplib.Required()),
			mcplib.WithString("stakes", mcplib.Description("low, medium, high, or critical"), mcplib.Required()),
			mcplib.WithString("context", mcplib.Description("Why this decision was needed")),
			mcplib.WithArray("reasons", mcplib.Description("Typed reasons with strengths")),
			mcplib.WithArray("tags", mcplib.Description("Free-form tags")),
			mcplib.WithString("pattern", mcplib.Description("Named pattern this decision instantiates")),
			mcplib.WithObject("bridge", mcplib.Description("Explicit structure/function bridge")),
			mcplib.WithObject("deliberation", mcplib.Description("Explicit deliberation trace")),
			mcplib.WithObject("project_context", mcplib.Description("Project, feature, PR, file, line, commit")),
			mcplib.WithString("review_by", mcplib.Description("RFC3339 review deadline")),
		),
		s.dispatchTool("recordDecision"),
	)

	// noema_update — patch a pending decision.
	s.mcpServer.AddTool(
		mcplib.NewTool("noema_update",
			mcplib.WithDescription("Update mutable fields of a pending decision. Reviewed decisions are immutable."),
			mcplib.WithString("agent", mcplib.Description("Calling agent identity")),
			mcplib.WithString("id", mcplib.Description("Decision id"), mcplib.Required()),
			mcplib.WithString("decision", mcplib.Description("Revised decision text")),
			mcplib.WithNumber("confidence", mcplib.Description("Revised confidence")),
			mcplib.WithString("context", mcplib.Description("Revised context")),
			mcplib.WithArray("reasons", mcplib.Description("Replacement reason list")),
			mcplib.WithArray("tags", mcplib.Description("Replacement tag list")),
			mcplib.WithString("pattern", mcplib.Description("Revised pattern")),
			mcplib.WithString("review_by", mcplib.Description("RFC3339 review deadline")),
		),
		s.dispatchTool("updateDecision"),
	)

	// noema_review — settle a decision with its outcome.
	s.mcpServer.AddTool(
		mcplib.NewTool("noema_review",
			mcplib.WithDescription("Review a decision with its outcome, closing the calibration loop"),
			mcplib.WithString("agent", mcplib.Description("Calling agent identity")),
			mcplib.WithString("id", mcplib.Description("Decision id"), mcplib.Required()),
			mcplib.WithString("outcome", mcplib.Description("success, partial, failure, or abandoned"), mcplib.Required()),
			mcplib.WithString("outcome_result", mcplib.Description("What actually happened")),
			mcplib.WithString("lessons", mcplib.Description("What to remember next time")),
		),
		s.dispatchTool("reviewDecision"),
	)

	// noema_get / noema_list — record reads.
	s.mcpServer.AddTool(
		mcplib.NewTool("noema_get",
			mcplib.WithDescription("Fetch one decision by id"),
			mcplib.WithString("agent", mcplib.Description("Calling agent identity")),
			mcplib.WithString("id", mcplib.Description("Decision id"), mcplib.Required()),
		),
		s.dispatchTool("getDecision"),
	)
	s.mcpServer.AddTool(
		mcplib.NewTool("noema_list",
			mcplib.WithDescription("List decisions with filters and pagination"),
			mcplib.WithString("agent", mcplib.Description("Calling agent identity")),
			mcplib.WithObject("filters", mcplib.Description("Category, stakes, status, agent, tags, project, and date filters")),
			mcplib.WithNumber("limit", mcplib.Description("Page size")),
			mcplib.WithNumber("offset", mcplib.Description("Page offset")),
		),
		s.dispatchTool("listDecisions"),
	)

	// Calibration and insight surface.
	s.mcpServer.AddTool(
		mcplib.NewTool("noema_calibration",
			mcplib.WithDescription("Calibration report: Brier score, accuracy, confidence buckets, habituation"),
			mcplib.WithString("agent", mcplib.Description("Filter to one agent's decisions")),
			mcplib.WithString("category", mcplib.Description("Filter by category")),
			mcplib.WithString("window", mcplib.Description("30d, 60d, 90d, or all")),
		),
		s.dispatchTool("getCalibration"),
	)
	s.mcpServer.AddTool(
		mcplib.NewTool("noema_reason_stats",
			mcplib.WithDescription("Per-reason-type outcome statistics and reasoning diversity"),
			mcplib.WithString("agent", mcplib.Description("Calling agent identity")),
		),
		s.dispatchTool("getReasonStats"),
	)
	s.mcpServer.AddTool(
		mcplib.NewTool("noema_drift",
			mcplib.WithDescription("Detect calibration drift: recent window vs baseline, overall and per category"),
			mcplib.WithString("agent", mcplib.Description("Filter to one agent's decisions")),
		),
		s.dispatchTool("checkDrift"),
	)
	s.mcpServer.AddTool(
		mcplib.NewTool("noema_ready",
			mcplib.WithDescription("Outstanding maintenance: overdue reviews, stale decisions, drift alerts, contradictions"),
			mcplib.WithString("agent", mcplib.Description("Calling agent identity")),
		),
		s.dispatchTool("ready"),
	)

	// Guardrail administration.
	s.mcpServer.AddTool(
		mcplib.NewTool("noema_guardrails",
			mcplib.WithDescription("List active guardrail rules"),
			mcplib.WithString("agent", mcplib.Description("Calling agent identity")),
			mcplib.WithString("scope", mcplib.Description("Restrict to one scope")),
		),
		s.dispatchTool("listGuardrails"),
	)
	s.mcpServer.AddTool(
		mcplib.NewTool("noema_circuit_state",
			mcplib.WithDescription("Inspect circuit breaker states"),
			mcplib.WithString("agent", mcplib.Description("Calling agent identity")),
			mcplib.WithString("scope", mcplib.Description("One scope, e.g. agent:alice or global")),
		),
		s.dispatchTool("getCircuitState"),
	)
	s.mcpServer.AddTool(
		mcplib.NewTool("noema_circuit_reset",
			mcplib.WithDescription("Operator override: close a tripped circuit breaker, optionally via a probe"),
			mcplib.WithString("agent", mcplib.Description("Calling agent identity")),
			mcplib.WithString("scope", mcplib.Description("Breaker scope to reset"), mcplib.Required()),
			mcplib.WithBoolean("probe_first", mcplib.Description("Move to half-open instead of fully closing")),
		),
		s.dispatchTool("resetCircuit"),
	)

	// Deliberation surface.
	s.mcpServer.AddTool(
		mcplib.NewTool("noema_thought",
			mcplib.WithDescription("Record an intermediate thought into the current deliberation session"),
			mcplib.WithString("agent", mcplib.Description("Calling agent identity"), mcplib.Required()),
			mcplib.WithString("thought", mcplib.Description("The thought"), mcplib.Required()),
			mcplib.WithString("decision_id", mcplib.Description("Attach to an existing decision's session")),
		),
		s.dispatchTool("recordThought"),
	)

	// Composite operations.
	s.mcpServer.AddTool(
		mcplib.NewTool("noema_pre_action",
			mcplib.WithDescription("One-call pre-decision bundle: similar precedent, guardrail verdict, calibration note, optional auto-record"),
			mcplib.WithString("agent", mcplib.Description("Calling agent identity"), mcplib.Required()),
			mcplib.WithString("action", mcplib.Description("The action under consideration"), mcplib.Required()),
			mcplib.WithString("category", mcplib.Description("Decision category")),
			mcplib.WithString("stakes", mcplib.Description("low, medium, high, or critical")),
			mcplib.WithNumber("confidence", mcplib.Description("Confidence score 0.0-1.0")),
			mcplib.WithArray("reasons", mcplib.Description("Typed reasons with strengths")),
			mcplib.WithArray("tags", mcplib.Description("Free-form tags")),
			mcplib.WithObject("options", mcplib.Description("query_limit and auto_record")),
		),
		s.dispatchTool("preAction"),
	)
	s.mcpServer.AddTool(
		mcplib.NewTool("noema_session_context",
			mcplib.WithDescription("Session startup bundle: similar decisions, guardrails, calibration, ready queue, patterns"),
			mcplib.WithString("agent", mcplib.Description("Calling agent identity")),
			mcplib.WithString("task", mcplib.Description("What this session is about"), mcplib.Required()),
			mcplib.WithArray("include", mcplib.Description("Subset of sections to include")),
			mcplib.WithNumber("limit", mcplib.Description("Similar-decision count")),
			mcplib.WithString("format", mcplib.Description("json or markdown")),
		),
		s.dispatchTool("getSessionContext"),
	)

	// Graph surface.
	s.mcpServer.AddTool(
		mcplib.NewTool("noema_link",
			mcplib.WithDescription("Create a typed edge between two decisions"),
			mcplib.WithString("agent", mcplib.Description("Calling agent identity")),
			mcplib.WithString("source_id", mcplib.Description("Source decision id"), mcplib.Required()),
			mcplib.WithString("target_id", mcplib.Description("Target decision id"), mcplib.Required()),
			mcplib.WithString("type", mcplib.Description("depends_on, supersedes, contradicts, refines, relates_to, caused_by, or blocks"), mcplib.Required()),
			mcplib.WithNumber("weight", mcplib.Description("Edge weight in (0,1], default 1")),
			mcplib.WithString("context", mcplib.Description("Why the edge exists")),
		),
		s.dispatchTool("linkDecisions"),
	)
	s.mcpServer.AddTool(
		mcplib.NewTool("noema_graph",
			mcplib.WithDescription("Bounded graph traversal from a root decision"),
			mcplib.WithString("agent", mcplib.Description("Calling agent identity")),
			mcplib.WithString("root", mcplib.Description("Root decision id"), mcplib.Required()),
			mcplib.WithNumber("depth", mcplib.Description("Traversal depth, max 5")),
			mcplib.WithArray("edge_types", mcplib.Description("Restrict to these edge types")),
		),
		s.dispatchTool("getGraph"),
	)
	s.mcpServer.AddTool(
		mcplib.NewTool("noema_neighbors",
			mcplib.WithDescription("Direct neighbors of a decision, ordered by edge weight"),
			mcplib.WithString("agent", mcplib.Description("Calling agent identity")),
			mcplib.WithString("id", mcplib.Description("Decision id"), mcplib.Required()),
			mcplib.WithString("type", mcplib.Description("Restrict to one edge type")),
		),
		s.dispatchTool("getNeighbors"),
	)

	// Operations.
	s.mcpServer.AddTool(
		mcplib.NewTool("noema_reindex",
			mcplib.WithDescription("Rebuild the vector index from the store, compact the edge journal, recompute salience"),
			mcplib.WithString("agent", mcplib.Description("Calling agent identity")),
		),
		s.dispatchTool("reindex"),
	)
}
