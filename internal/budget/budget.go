// Package budget allocates a token budget across named prompt sections
// and truncates overflowing sections without hiding that content was cut.
package budget

import (
	"strings"
	"unicode/utf8"
)

// ElisionMarker is inserted between the kept head and tail of a
// truncated section so the model never mistakes the text for complete.
const ElisionMarker = "\n[... content elided to fit context budget ...]\n"

// Section is one named piece of a prompt.
type Section struct {
	Name string
	Text string
	// Weight sets the section's share of the proportional allocation.
	Weight int
	// HardCap bounds the section's tokens regardless of spare budget.
	// Zero means no per-section cap.
	HardCap int
}

// Budgeter fits sections into a total token budget.
type Budgeter struct {
	// HeadFraction of a truncated section kept at the front; the rest of
	// the allocation keeps the tail. Defaults to 0.7.
	HeadFraction float64
}

// EstimateTokens approximates token count as chars/4, rounded up so the
// estimate never undercounts.
func EstimateTokens(s string) int {
	return (len(s) + 3) / 4
}

// Fit returns each section's (possibly truncated) text such that the
// summed token estimate is at most budget. Sections are allocated
// proportionally to weight; spare budget from short sections is
// redistributed, but a section never exceeds its hard cap.
func (b Budgeter) Fit(sections []Section, totalBudget int) map[string]string {
	out := make(map[string]string, len(sections))
	if totalBudget <= 0 {
		for _, s := range sections {
			out[s.Name] = ""
		}
		return out
	}

	need := make([]int, len(sections))
	alloc := make([]int, len(sections))
	totalWeight := 0
	for i, s := range sections {
		need[i] = EstimateTokens(s.Text)
		w := s.Weight
		if w <= 0 {
			w = 1
		}
		totalWeight += w
	}

	remaining := totalBudget
	for i, s := range sections {
		w := s.Weight
		if w <= 0 {
			w = 1
		}
		share := totalBudget * w / totalWeight
		alloc[i] = min3(share, need[i], capOf(s))
		remaining -= alloc[i]
	}

	// Second pass: hand spare budget to sections still short of their
	// need, in input order, respecting hard caps.
	for i, s := range sections {
		if remaining <= 0 {
			break
		}
		limit := min3(need[i], capOf(s), alloc[i]+remaining)
		if limit > alloc[i] {
			remaining -= limit - alloc[i]
			alloc[i] = limit
		}
	}

	for i, s := range sections {
		out[s.Name] = b.Truncate(s.Text, alloc[i])
	}
	return out
}

// Truncate reduces text to at most maxTokens, keeping a head and a tail
// portion with an explicit elision marker between them.
func (b Budgeter) Truncate(text string, maxTokens int) string {
	if EstimateTokens(text) <= maxTokens {
		return text
	}
	if maxTokens <= 0 {
		return ""
	}
	headFrac := b.HeadFraction
	if headFrac <= 0 || headFrac >= 1 {
		headFrac = 0.7
	}

	markerTokens := EstimateTokens(ElisionMarker)
	keep := maxTokens - markerTokens
	if keep <= 0 {
		// Budget too small for head+marker+tail; keep a bare prefix.
		return text[:runeFloor(text, maxTokens*4-3)]
	}

	headChars := int(float64(keep*4) * headFrac)
	tailChars := keep*4 - headChars
	if headChars > len(text) {
		headChars = len(text)
	}
	if tailChars > len(text)-headChars {
		tailChars = len(text) - headChars
	}

	// Cut indexes land on rune boundaries so a multi-byte character is
	// never split.
	head := text[:runeFloor(text, headChars)]
	tail := text[runeCeil(text, len(text)-tailChars):]
	// Cut at line boundaries where possible so the model sees whole lines.
	if i := strings.LastIndexByte(head, '\n'); i > headChars/2 {
		head = head[:i]
	}
	if i := strings.IndexByte(tail, '\n'); i >= 0 && i < tailChars/2 {
		tail = tail[i+1:]
	}
	return head + ElisionMarker + tail
}

// runeFloor moves an index down to the nearest rune start.
func runeFloor(text string, i int) int {
	for i > 0 && i < len(text) && !utf8.RuneStart(text[i]) {
		i--
	}
	return i
}

// runeCeil moves an index up to the nearest rune start.
func runeCeil(text string, i int) int {
	for i > 0 && i < len(text) && !utf8.RuneStart(text[i]) {
		i++
	}
	return i
}

func capOf(s Section) int {
	if s.HardCap <= 0 {
		return int(^uint(0) >> 1)
	}
	return s.HardCap
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
