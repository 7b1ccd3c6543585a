package guardrail

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/noema-ai/noema/internal/model"
)

// Source supplies declarative guardrail documents. Implementations are
// re-scanned by the engine on its cache TTL.
type Source interface {
	Load(ctx context.Context) ([]model.Guardrail, error)
}

// StaticSource serves a fixed rule set, used for built-ins and tests.
type StaticSource struct {
	Rules []model.Guardrail
}

// Load returns the fixed rule set.
func (s *StaticSource) Load(_ context.Context) ([]model.Guardrail, error) {
	return s.Rules, nil
}

// DirSource scans a directory for *.json guardrail documents. Each file
// holds either a single rule object or an array of rules.
type DirSource struct {
	Dir string
}

// Load reads and validates every rule file in the directory. A missing
// directory is treated as an empty rule set.
func (s *DirSource) Load(_ context.Context) ([]model.Guardrail, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("guardrail: read dir %s: %w", s.Dir, err)
	}

	var rules []model.Guardrail
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(s.Dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("guardrail: read %s: %w", path, err)
		}

		var batch []model.Guardrail
		if err := json.Unmarshal(data, &batch); err != nil {
			var single model.Guardrail
			if err := json.Unmarshal(data, &single); err != nil {
				return nil, fmt.Errorf("guardrail: parse %s: %w", path, err)
			}
			batch = []model.Guardrail{single}
		}
		for i := range batch {
			if err := batch[i].Validate(); err != nil {
				return nil, fmt.Errorf("guardrail: %s: %w", path, err)
			}
		}
		rules = append(rules, batch...)
	}

	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
	return rules, nil
}

// MultiSource concatenates several sources in order.
type MultiSource []Source

// Load concatenates the rule sets of all member sources.
func (m MultiSource) Load(ctx context.Context) ([]model.Guardrail, error) {
	var rules []model.Guardrail
	for _, s := range m {
		batch, err := s.Load(ctx)
		if err != nil {
			return nil, err
		}
		rules = append(rules, batch...)
	}
	return rules, nil
}

// Builtins returns the default rule set active when no external documents
// are configured.
func Builtins() []model.Guardrail {
	return []model.Guardrail{
		{
			ID:          "critical-requires-reasons",
			Description: "critical-stakes decisions must state at least one reason",
			Conditions: []model.Condition{
				{Field: "stakes", Operator: model.OpEq, Value: "critical"},
			},
			Requirements: []model.Requirement{
				{Field: "reasons_count", Operator: model.OpGte, Value: 1, Description: "state at least one reason"},
			},
			Action:  model.ActionBlock,
			Message: "critical decisions require explicit reasoning",
		},
		{
			ID:          "high-stakes-low-confidence",
			Description: "flag low-confidence actions at high or critical stakes",
			Conditions: []model.Condition{
				{Field: "stakes", Operator: model.OpIn, Value: []any{"high", "critical"}},
			},
			Requirements: []model.Requirement{
				{Field: "confidence", Operator: model.OpGte, Value: 0.5, Description: "raise confidence or gather more context"},
			},
			Action:  model.ActionWarn,
			Message: "low confidence at elevated stakes",
		},
	}
}
