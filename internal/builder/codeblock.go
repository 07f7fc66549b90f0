package builder

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
)

// Model output is messy: fences may be unterminated, prose may surround
// the code, and multi-file responses label blocks only in nearby text.
// The extractors here are deliberately tolerant.

var (
	fencedRe     = regexp.MustCompile("(?s)```(?:python)?\n(.*?)```")
	incompleteRe = regexp.MustCompile("(?sm)```(?:python)?\n(.*)$")
)

// minimum sizes below which a block is treated as a throwaway example
// rather than the actual file content
const (
	substantialBlock = 100
	incompleteBlock  = 200
)

func codeBlocks(text string) []string {
	var blocks []string
	for _, m := range fencedRe.FindAllStringSubmatch(text, -1) {
		blocks = append(blocks, m[1])
	}
	// An unterminated fence usually means the model ran out of tokens
	// mid-file. Salvage the tail if it looks like real content.
	if len(blocks) == 0 || (len(blocks) == 1 && len(strings.TrimSpace(blocks[0])) < incompleteBlock) {
		if m := incompleteRe.FindStringSubmatch(text); m != nil {
			tail := m[1]
			if len(strings.TrimSpace(tail)) > incompleteBlock {
				log.Warn().Int("chars", len(tail)).Msg("salvaged unterminated code block")
				blocks = append(blocks, tail)
			}
		}
	}
	return blocks
}

// ExtractCode pulls the code for a single target file out of a model
// response: the largest substantial fenced block wins, falling back to
// the first block of any size.
func ExtractCode(text string) string {
	blocks := codeBlocks(text)
	if len(blocks) == 0 {
		return ""
	}
	best := ""
	for _, b := range blocks {
		if len(strings.TrimSpace(b)) > substantialBlock && len(b) > len(best) {
			best = b
		}
	}
	if best == "" {
		best = blocks[0]
	}
	return strings.TrimSpace(best) + "\n"
}

// ExtractNamedBlocks maps fenced blocks in a multi-file response to the
// given target paths. A block belongs to a target when the target's base
// name appears in the text shortly before the block; unmatched targets
// are filled positionally from the remaining blocks.
func ExtractNamedBlocks(text string, targets []string) map[string]string {
	blocks := codeBlocks(text)
	if len(blocks) == 0 {
		return nil
	}

	result := make(map[string]string)
	used := make(map[int]bool)
	for _, target := range targets {
		name := filepath.Base(target)
		for i, block := range blocks {
			if used[i] {
				continue
			}
			start := strings.Index(text, "```python\n"+block)
			if start == -1 {
				start = strings.Index(text, "```\n"+block)
			}
			if start == -1 {
				continue
			}
			contextStart := start - 500
			if contextStart < 0 {
				contextStart = 0
			}
			if strings.Contains(text[contextStart:start], name) {
				result[target] = strings.TrimSpace(block) + "\n"
				used[i] = true
				break
			}
		}
	}

	if len(result) == 0 {
		log.Warn().Msg("no filename matches in response, assigning blocks in order")
		for i, target := range targets {
			if i < len(blocks) {
				result[target] = strings.TrimSpace(blocks[i]) + "\n"
			}
		}
	}
	return result
}
