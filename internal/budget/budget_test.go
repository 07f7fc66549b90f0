package budget

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestEstimateTokensRoundsUp(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("a"))
	assert.Equal(t, 1, EstimateTokens("abcd"))
	assert.Equal(t, 2, EstimateTokens("abcde"))
}

func TestFitNeverExceedsBudget(t *testing.T) {
	sections := []Section{
		{Name: "a", Text: strings.Repeat("x", 4000), Weight: 1},
		{Name: "b", Text: strings.Repeat("y", 4000), Weight: 1},
		{Name: "c", Text: strings.Repeat("z", 4000), Weight: 2},
	}
	out := Budgeter{}.Fit(sections, 500)

	total := 0
	for _, text := range out {
		total += EstimateTokens(text)
	}
	assert.LessOrEqual(t, total, 500)
}

func TestFitRedistributesSpareBudget(t *testing.T) {
	sections := []Section{
		{Name: "small", Text: "tiny", Weight: 1},
		{Name: "big", Text: strings.Repeat("x", 4000), Weight: 1},
	}
	out := Budgeter{}.Fit(sections, 600)

	assert.Equal(t, "tiny", out["small"])
	// The big section should get nearly all of the spare budget, not
	// just its proportional half.
	assert.Greater(t, EstimateTokens(out["big"]), 400)
}

func TestFitHonorsHardCap(t *testing.T) {
	sections := []Section{
		{Name: "capped", Text: strings.Repeat("x", 4000), Weight: 1, HardCap: 50},
		{Name: "other", Text: "", Weight: 1},
	}
	out := Budgeter{}.Fit(sections, 1000)
	assert.LessOrEqual(t, EstimateTokens(out["capped"]), 50)
}

func TestTruncateInsertsElisionMarker(t *testing.T) {
	lines := make([]string, 200)
	for i := range lines {
		lines[i] = strings.Repeat("a", 20)
	}
	text := strings.Join(lines, "\n")

	got := Budgeter{}.Truncate(text, 100)
	assert.Contains(t, got, strings.TrimSpace(ElisionMarker))
	assert.LessOrEqual(t, EstimateTokens(got), 100)
	// Head and tail both survive.
	assert.True(t, strings.HasPrefix(got, "aaaa"))
	assert.True(t, strings.HasSuffix(got, "aaaa"))
}

func TestTruncateKeepsShortTextIntact(t *testing.T) {
	got := Budgeter{}.Truncate("hello world", 100)
	assert.Equal(t, "hello world", got)
}

func TestTruncateNeverSplitsRunes(t *testing.T) {
	// Multi-byte content without newlines, so the cut cannot hide behind
	// a line-boundary trim.
	text := strings.Repeat("héllo wörld ", 200)
	for _, budget := range []int{1, 5, 13, 50, 100, 333} {
		got := Budgeter{}.Truncate(text, budget)
		assert.True(t, utf8.ValidString(got), "budget %d produced invalid UTF-8", budget)
		assert.LessOrEqual(t, EstimateTokens(got), budget)
	}
}
