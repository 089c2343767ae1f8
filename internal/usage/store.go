// Package usage provides token usage and cost accounting for LLM
// interactions. Records are not a side table: each one is appended to
// the shared event log as a usage-kind event, so accounting lives in
// the same durable, replayable log as everything else instead of a
// separate database.
package usage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nugget/ikigai/internal/config"
	"github.com/nugget/ikigai/internal/model"
)

// Record represents a single LLM interaction's token usage and cost.
type Record struct {
	Timestamp      time.Time
	RequestID      string
	AgentUUID      string // agent the request was made on behalf of
	ConversationID string
	Model          string
	Provider       string // "anthropic", "ollama"
	InputTokens    int
	OutputTokens   int
	CostUSD        float64
	Role           string // "interactive", "delegate", "scheduled", "auxiliary"
	TaskName       string // "email_poll", "periodic_reflection", etc. (empty for interactive)
}

// Summary holds aggregated token usage and cost totals.
type Summary struct {
	TotalRecords      int
	TotalInputTokens  int64
	TotalOutputTokens int64
	TotalCostUSD      float64
}

// GroupedSummary pairs a group key (model name, role, or task name) with
// its aggregated Summary. Ordered by TotalCostUSD descending.
type GroupedSummary struct {
	Key     string
	Summary Summary
}

// Backend is the narrow slice of internal/store.Store a Store needs:
// appending a usage event and reading back the full event log to
// aggregate over. Kept as an interface so tests can supply an
// in-memory fake instead of a real EventStore.
type Backend interface {
	Append(agentUUID string, kind model.Kind, content string, data map[string]any) (int64, error)
	QueryEvents() ([]model.Event, error)
}

// Store accounts token usage through a Backend event log.
type Store struct {
	backend Backend
}

// NewStore wraps backend (normally an *internal/store.Store already
// opened against the session's database).
func NewStore(backend Backend) *Store {
	return &Store{backend: backend}
}

// Record appends rec as a usage-kind event. rec.Timestamp is not
// stored: the event log's own CreatedAt stamping at append time is what
// Summary later reads back, so no clock call is needed here.
func (s *Store) Record(_ context.Context, rec Record) error {
	data := map[string]any{
		"request_id":      rec.RequestID,
		"conversation_id": rec.ConversationID,
		"model":           rec.Model,
		"provider":        rec.Provider,
		"input_tokens":    rec.InputTokens,
		"output_tokens":   rec.OutputTokens,
		"cost_usd":        rec.CostUSD,
		"role":            rec.Role,
		"task_name":       rec.TaskName,
	}
	if _, err := s.backend.Append(rec.AgentUUID, model.KindUsage, "", data); err != nil {
		return fmt.Errorf("append usage event: %w", err)
	}
	return nil
}

// usageEvents returns every KindUsage event in [start, end), decoded
// into Records, from the full event log.
func (s *Store) usageEvents(start, end time.Time) ([]Record, error) {
	events, err := s.backend.QueryEvents()
	if err != nil {
		return nil, fmt.Errorf("query usage events: %w", err)
	}

	var out []Record
	for _, e := range events {
		if e.Kind != model.KindUsage {
			continue
		}
		if e.CreatedAt.Before(start) || !e.CreatedAt.Before(end) {
			continue
		}
		out = append(out, decodeUsageRecord(e))
	}
	return out, nil
}

func decodeUsageRecord(e model.Event) Record {
	rec := Record{Timestamp: e.CreatedAt, AgentUUID: e.AgentUUID}
	if e.Data == nil {
		return rec
	}
	rec.RequestID, _ = e.Data["request_id"].(string)
	rec.ConversationID, _ = e.Data["conversation_id"].(string)
	rec.Model, _ = e.Data["model"].(string)
	rec.Provider, _ = e.Data["provider"].(string)
	rec.Role, _ = e.Data["role"].(string)
	rec.TaskName, _ = e.Data["task_name"].(string)
	rec.InputTokens = asInt(e.Data["input_tokens"])
	rec.OutputTokens = asInt(e.Data["output_tokens"])
	rec.CostUSD = asFloat(e.Data["cost_usd"])
	return rec
}

// asInt/asFloat tolerate the two numeric shapes a usage event's Data
// may carry: Go ints when the event was never round-tripped through
// JSON (tests, in-process), or float64 once encoding/json has decoded
// it back from the stored column.
func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	default:
		return 0
	}
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	default:
		return 0
	}
}

// Summary returns aggregated totals for records within [start, end).
func (s *Store) Summary(start, end time.Time) (*Summary, error) {
	records, err := s.usageEvents(start, end)
	if err != nil {
		return nil, err
	}
	sum := &Summary{}
	for _, r := range records {
		sum.TotalRecords++
		sum.TotalInputTokens += int64(r.InputTokens)
		sum.TotalOutputTokens += int64(r.OutputTokens)
		sum.TotalCostUSD += r.CostUSD
	}
	return sum, nil
}

// SummaryByModel returns per-model aggregated totals for records within
// [start, end), ordered by cost descending.
func (s *Store) SummaryByModel(start, end time.Time) ([]GroupedSummary, error) {
	return s.summaryGroupedBy(start, end, func(r Record) string { return r.Model })
}

// SummaryByRole returns per-role aggregated totals for records within
// [start, end), ordered by cost descending.
func (s *Store) SummaryByRole(start, end time.Time) ([]GroupedSummary, error) {
	return s.summaryGroupedBy(start, end, func(r Record) string { return r.Role })
}

// SummaryByTask returns per-task aggregated totals for records within
// [start, end), ordered by cost descending. Records with empty
// TaskName are grouped under the key "".
func (s *Store) SummaryByTask(start, end time.Time) ([]GroupedSummary, error) {
	return s.summaryGroupedBy(start, end, func(r Record) string { return r.TaskName })
}

func (s *Store) summaryGroupedBy(start, end time.Time, key func(Record) string) ([]GroupedSummary, error) {
	records, err := s.usageEvents(start, end)
	if err != nil {
		return nil, err
	}

	groups := make(map[string]*Summary)
	var order []string
	for _, r := range records {
		k := key(r)
		g, ok := groups[k]
		if !ok {
			g = &Summary{}
			groups[k] = g
			order = append(order, k)
		}
		g.TotalRecords++
		g.TotalInputTokens += int64(r.InputTokens)
		g.TotalOutputTokens += int64(r.OutputTokens)
		g.TotalCostUSD += r.CostUSD
	}

	result := make([]GroupedSummary, 0, len(order))
	for _, k := range order {
		result = append(result, GroupedSummary{Key: k, Summary: *groups[k]})
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Summary.TotalCostUSD > result[j].Summary.TotalCostUSD
	})
	return result, nil
}

// ResolveProvider guesses the owning provider from a model name. Anthropic
// models carry a "claude-" prefix; everything else is assumed to be a
// locally-hosted Ollama model.
func ResolveProvider(modelName string) string {
	if strings.HasPrefix(modelName, "claude-") {
		return "anthropic"
	}
	return "ollama"
}

// ComputeCost calculates the USD cost for a model's token usage based
// on the pricing table. Models not in the table are treated as free
// (local/Ollama models).
func ComputeCost(modelName string, inputTokens, outputTokens int, pricing map[string]config.PricingEntry) float64 {
	entry, ok := pricing[modelName]
	if !ok {
		return 0
	}
	cost := float64(inputTokens) / 1_000_000.0 * entry.InputPerMillion
	cost += float64(outputTokens) / 1_000_000.0 * entry.OutputPerMillion
	return cost
}
