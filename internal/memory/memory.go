// Package memory keeps the append-only iteration history for a run and
// renders it into later prompts under a token budget.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/masonhq/mason/internal/budget"
	"github.com/masonhq/mason/internal/model"
)

// TruncationMarker is prepended to a render whenever older entries were
// dropped or cut to fit the budget.
const TruncationMarker = "[earlier iterations truncated]"

// Store is the durable backing for memory entries.
type Store interface {
	AppendMemory(ctx context.Context, runID string, summaryJSON []byte) error
	ListMemory(ctx context.Context, runID string) ([][]byte, error)
}

// Memory is the in-process view over the persisted history. Append is
// the only mutator; Render is the only reader.
type Memory struct {
	runID    string
	store    Store
	budgeter budget.Budgeter
	entries  []model.IterationSummary
}

// Load initializes memory from the store. A missing or corrupt persisted
// history is treated as empty, not a fatal error.
func Load(ctx context.Context, store Store, runID string) *Memory {
	m := &Memory{runID: runID, store: store}
	rows, err := store.ListMemory(ctx, runID)
	if err != nil {
		log.Warn().Err(err).Str("run_id", runID).Msg("memory history unreadable, starting empty")
		return m
	}
	for _, raw := range rows {
		var s model.IterationSummary
		if err := json.Unmarshal(raw, &s); err != nil {
			log.Warn().Err(err).Str("run_id", runID).Msg("skipping corrupt memory entry")
			continue
		}
		m.entries = append(m.entries, s)
	}
	return m
}

// Append persists the summary, then adds it to the in-process log.
func (m *Memory) Append(ctx context.Context, s model.IterationSummary) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal iteration summary: %w", err)
	}
	if err := m.store.AppendMemory(ctx, m.runID, raw); err != nil {
		return fmt.Errorf("persist iteration summary: %w", err)
	}
	m.entries = append(m.entries, s)
	return nil
}

// Len returns the number of recorded iterations.
func (m *Memory) Len() int {
	return len(m.entries)
}

// Last returns the most recent summary, if any.
func (m *Memory) Last() (model.IterationSummary, bool) {
	if len(m.entries) == 0 {
		return model.IterationSummary{}, false
	}
	return m.entries[len(m.entries)-1], true
}

// Render returns the history oldest-to-newest within the token budget.
// When the budget is tight the oldest entries are dropped or truncated
// first, and the render starts with an explicit truncation marker.
func (m *Memory) Render(totalBudget int) string {
	if len(m.entries) == 0 {
		return ""
	}

	texts := make([]string, len(m.entries))
	for i, e := range m.entries {
		texts[i] = renderEntry(e)
	}

	// Walk newest to oldest, keeping whole entries while they fit.
	remaining := totalBudget - budget.EstimateTokens(TruncationMarker)
	keepFrom := len(texts)
	for i := len(texts) - 1; i >= 0; i-- {
		cost := budget.EstimateTokens(texts[i]) + 1
		if cost > remaining {
			break
		}
		remaining -= cost
		keepFrom = i
	}

	truncated := keepFrom > 0
	// Spend leftover budget on a truncated slice of the newest entry that
	// did not fit whole.
	var parts []string
	if truncated && remaining > 0 && keepFrom > 0 {
		cut := m.budgeter.Truncate(texts[keepFrom-1], remaining)
		if cut != "" {
			parts = append(parts, cut)
		}
	}
	parts = append(parts, texts[keepFrom:]...)

	if len(parts) == 0 {
		return TruncationMarker
	}
	if truncated {
		parts = append([]string{TruncationMarker}, parts...)
	}
	return strings.Join(parts, "\n")
}

func renderEntry(e model.IterationSummary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "### Iteration %d\n", e.Iteration)
	fmt.Fprintf(&b, "plan: %s\n", e.PlanDigest)
	fmt.Fprintf(&b, "build: %s\n", e.BuildDigest)
	fmt.Fprintf(&b, "verify: %s\n", e.VerifyDigest)
	if e.RCADigest != "" {
		fmt.Fprintf(&b, "rca: %s\n", e.RCADigest)
	}
	return b.String()
}
