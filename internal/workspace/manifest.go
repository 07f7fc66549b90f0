package workspace

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// FileInfo is the lightweight symbol inventory of one generated file,
// used to tell later build steps what is already available for import.
type FileInfo struct {
	Path      string
	Size      int
	Functions []string
	Classes   []string
	Imports   []string
}

// Exports lists importable top-level names.
func (f FileInfo) Exports() []string {
	out := make([]string, 0, len(f.Functions)+len(f.Classes))
	out = append(out, f.Functions...)
	out = append(out, f.Classes...)
	return out
}

var (
	funcRe   = regexp.MustCompile(`(?m)^def (\w+)\(`)
	classRe  = regexp.MustCompile(`(?m)^class (\w+)`)
	importRe = regexp.MustCompile(`(?m)^(?:import|from) (\w+)`)
)

// Analyze extracts symbols from a workspace file. Unreadable files
// yield an empty inventory rather than an error.
func (w *Workspace) Analyze(rel string) FileInfo {
	info := FileInfo{Path: rel}
	content, err := w.ReadFile(rel)
	if err != nil {
		return info
	}
	info.Size = len(content)
	for _, m := range funcRe.FindAllStringSubmatch(content, -1) {
		info.Functions = append(info.Functions, m[1])
	}
	for _, m := range classRe.FindAllStringSubmatch(content, -1) {
		info.Classes = append(info.Classes, m[1])
	}
	seen := map[string]bool{}
	for _, m := range importRe.FindAllStringSubmatch(content, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			info.Imports = append(info.Imports, m[1])
		}
	}
	sort.Strings(info.Imports)
	return info
}

// Manifest renders the inventory of already-built files for a prompt.
func Manifest(infos []FileInfo) string {
	if len(infos) == 0 {
		return "(no files built yet - this is the first file)"
	}
	var b strings.Builder
	for _, info := range infos {
		fmt.Fprintf(&b, "- %s (%d bytes)\n", info.Path, info.Size)
		if len(info.Functions) > 0 {
			fmt.Fprintf(&b, "  functions: %s\n", strings.Join(info.Functions, ", "))
		}
		if len(info.Classes) > 0 {
			fmt.Fprintf(&b, "  classes: %s\n", strings.Join(info.Classes, ", "))
		}
		module := strings.TrimSuffix(info.Path, ".py")
		module = strings.ReplaceAll(module, "/", ".")
		if exports := info.Exports(); len(exports) > 0 {
			fmt.Fprintf(&b, "  import: from %s import %s\n", module, strings.Join(exports, ", "))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
