// Package workspace owns the directory tree a run generates code into.
// The builder writes through it and the verifier reads through it; the
// core assumes exclusive ownership for the duration of a task.
package workspace

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/masonhq/mason/internal/executor"
	"github.com/masonhq/mason/internal/model"
)

// Workspace wraps a project directory.
type Workspace struct {
	root    string
	exec    executor.Runner
	python  string
	timeout time.Duration
}

// New constructs a workspace over root. python is the interpreter used
// for syntax checks; empty means "python3".
func New(root string, exec executor.Runner, python string) *Workspace {
	if python == "" {
		python = "python3"
	}
	return &Workspace{root: root, exec: exec, python: python, timeout: 30 * time.Second}
}

// Root returns the workspace directory.
func (w *Workspace) Root() string {
	return w.root
}

// Path resolves a workspace-relative path.
func (w *Workspace) Path(rel string) string {
	return filepath.Join(w.root, rel)
}

// Exists reports whether a workspace file exists.
func (w *Workspace) Exists(rel string) bool {
	info, err := os.Stat(w.Path(rel))
	return err == nil && !info.IsDir()
}

// ReadFile reads a workspace file.
func (w *Workspace) ReadFile(rel string) (string, error) {
	data, err := os.ReadFile(w.Path(rel))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", rel, err)
	}
	return string(data), nil
}

// WriteFile writes a workspace file, creating parent directories.
func (w *Workspace) WriteFile(rel, content string) error {
	path := w.Path(rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir for %s: %w", rel, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", rel, err)
	}
	return nil
}

// SourceFiles lists python files relative to root, sorted, skipping
// hidden directories and caches.
func (w *Workspace) SourceFiles() ([]string, error) {
	var out []string
	err := filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if path != w.root && (strings.HasPrefix(name, ".") || name == "__pycache__") {
				return filepath.SkipDir
			}
			return nil
		}
		if filepath.Ext(name) != ".py" {
			return nil
		}
		rel, err := filepath.Rel(w.root, path)
		if err != nil {
			return err
		}
		out = append(out, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk workspace: %w", err)
	}
	sort.Strings(out)
	return out, nil
}

// IsTestFile reports whether a path follows pytest naming conventions.
func IsTestFile(rel string) bool {
	base := filepath.Base(rel)
	return strings.HasPrefix(base, "test_") || strings.HasSuffix(base, "_test.py")
}

// SourceForTest maps a test file to the module it exercises.
func SourceForTest(rel string) string {
	dir := filepath.Dir(rel)
	base := filepath.Base(rel)
	var src string
	switch {
	case strings.HasPrefix(base, "test_"):
		src = strings.TrimPrefix(base, "test_")
	case strings.HasSuffix(base, "_test.py"):
		src = strings.TrimSuffix(base, "_test.py") + ".py"
	default:
		return ""
	}
	if dir == "." {
		return src
	}
	return filepath.Join(dir, src)
}

var syntaxLocRe = regexp.MustCompile(`File "([^"]+)", line (\d+)`)

// CheckSyntax compiles one file, returning a SyntaxError naming the file
// and line on failure, or nil when the file is valid.
func (w *Workspace) CheckSyntax(ctx context.Context, rel string) (*model.SyntaxError, error) {
	res, err := w.exec.Run(ctx, executor.Command{
		Name:    w.python,
		Args:    []string{"-m", "py_compile", rel},
		Dir:     w.root,
		Timeout: w.timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("syntax check %s: %w", rel, err)
	}
	if res.ExitCode == 0 && !res.TimedOut {
		return nil, nil
	}

	se := &model.SyntaxError{File: rel, Message: lastLine(res.Stderr)}
	if m := syntaxLocRe.FindStringSubmatch(res.Stderr); m != nil {
		if line, convErr := strconv.Atoi(m[2]); convErr == nil {
			se.Line = line
		}
		if f, relErr := filepath.Rel(w.root, m[1]); relErr == nil && !strings.HasPrefix(f, "..") {
			se.File = f
		} else {
			se.File = m[1]
		}
	}
	return se, nil
}

// CheckAllSyntax compiles every source file and returns the first
// failure, or nil when the tree is clean.
func (w *Workspace) CheckAllSyntax(ctx context.Context) (*model.SyntaxError, error) {
	files, err := w.SourceFiles()
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		se, err := w.CheckSyntax(ctx, f)
		if err != nil {
			return nil, err
		}
		if se != nil {
			return se, nil
		}
	}
	return nil, nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) == 0 {
		return ""
	}
	return strings.TrimSpace(lines[len(lines)-1])
}

// Snippet returns numbered lines around a 1-based line for inline error
// context.
func (w *Workspace) Snippet(rel string, line, radius int) string {
	content, err := w.ReadFile(rel)
	if err != nil {
		return ""
	}
	lines := strings.Split(content, "\n")
	start := line - 1 - radius
	if start < 0 {
		start = 0
	}
	end := line + radius
	if end > len(lines) {
		end = len(lines)
	}
	var b strings.Builder
	for i := start; i < end; i++ {
		marker := "  "
		if i == line-1 {
			marker = "> "
		}
		fmt.Fprintf(&b, "%s%4d | %s\n", marker, i+1, lines[i])
	}
	return b.String()
}
