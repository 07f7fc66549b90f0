package verifier

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/masonhq/mason/internal/executor"
	"github.com/masonhq/mason/internal/model"
	"github.com/masonhq/mason/internal/workspace"
)

// scriptRunner simulates py_compile, pytest and shell commands from
// markers in the target file or scripted shell results.
type scriptRunner struct {
	shell map[string]executor.Result
}

func (r *scriptRunner) Run(_ context.Context, cmd executor.Command) (executor.Result, error) {
	if cmd.Name == "sh" {
		if res, ok := r.shell[cmd.Args[1]]; ok {
			return res, nil
		}
		return executor.Result{}, nil
	}
	rel := cmd.Args[2]
	data, err := os.ReadFile(filepath.Join(cmd.Dir, rel))
	if err != nil {
		return executor.Result{Stderr: "not found", ExitCode: 2}, nil
	}
	content := string(data)
	switch cmd.Args[1] {
	case "py_compile":
		if strings.Contains(content, "SYNTAXERR") {
			stderr := fmt.Sprintf("  File %q, line 2\nSyntaxError: invalid syntax", filepath.Join(cmd.Dir, rel))
			return executor.Result{Stderr: stderr, ExitCode: 1}, nil
		}
		return executor.Result{}, nil
	case "pytest":
		if strings.Contains(content, "FAILS") {
			return executor.Result{Stdout: "1 failed, 1 passed", ExitCode: 1}, nil
		}
		if strings.Contains(content, "HANGS") {
			return executor.Result{ExitCode: -1, TimedOut: true}, nil
		}
		return executor.Result{Stdout: "2 passed", ExitCode: 0}, nil
	}
	return executor.Result{}, fmt.Errorf("unexpected command %v", cmd.Args)
}

func newVerifier(t *testing.T) (*Verifier, *workspace.Workspace, *scriptRunner) {
	t.Helper()
	runner := &scriptRunner{shell: map[string]executor.Result{}}
	ws := workspace.New(t.TempDir(), runner, "")
	return New(ws, runner), ws, runner
}

func plan(criteria ...model.DoDCriterion) model.Plan {
	return model.Plan{
		TaskID:    "t1",
		Iteration: 1,
		Steps: []model.BuildStep{
			{Path: "stack.py", Role: model.RoleSource},
			{Path: "test_stack.py", Role: model.RoleTest},
		},
		Criteria: criteria,
	}
}

func TestVerifyOneResultPerCriterion(t *testing.T) {
	v, ws, _ := newVerifier(t)
	require.NoError(t, ws.WriteFile("stack.py", "class Stack: pass\n"))
	require.NoError(t, ws.WriteFile("test_stack.py", "def test_ok(): pass\n"))

	p := plan(
		model.DoDCriterion{ID: "AC1", Kind: model.CheckFileExists, TargetFile: "stack.py"},
		model.DoDCriterion{ID: "AC2", Kind: model.CheckTestPass, TargetFile: "test_stack.py"},
		model.DoDCriterion{ID: "AC3", Kind: model.CheckCommand, Command: "true"},
	)
	report, err := v.Verify(context.Background(), p, 1)
	require.NoError(t, err)

	require.Len(t, report.Results, len(p.Criteria))
	assert.True(t, report.AllPassed())
	assert.Equal(t, 3, report.PassCount())
}

func TestVerifySyntaxErrorShortCircuits(t *testing.T) {
	v, ws, runner := newVerifier(t)
	require.NoError(t, ws.WriteFile("stack.py", "def broken(:  # SYNTAXERR\n"))
	require.NoError(t, ws.WriteFile("test_stack.py", "def test_ok(): pass\n"))

	p := plan(
		model.DoDCriterion{ID: "AC1", Kind: model.CheckFileExists, TargetFile: "stack.py"},
		model.DoDCriterion{ID: "AC2", Kind: model.CheckTestPass, TargetFile: "test_stack.py"},
	)
	report, err := v.Verify(context.Background(), p, 1)
	require.NoError(t, err)

	require.NotNil(t, report.SyntaxFailure)
	assert.Equal(t, "stack.py", report.SyntaxFailure.File)
	assert.Equal(t, 2, report.SyntaxFailure.Line)
	require.Len(t, report.Results, 2)
	for _, res := range report.Results {
		assert.Equal(t, model.CriterionError, res.Status)
		assert.Equal(t, model.CategorySyntax, res.Category)
	}
	assert.Equal(t, model.CategorySyntax, report.DominantCategory())
	// No pytest ran; the shell runner saw nothing either.
	_ = runner
}

func TestVerifyFailingTests(t *testing.T) {
	v, ws, _ := newVerifier(t)
	require.NoError(t, ws.WriteFile("stack.py", "class Stack: pass\n"))
	require.NoError(t, ws.WriteFile("test_stack.py", "def test_bad(): pass  # FAILS\n"))

	p := plan(model.DoDCriterion{ID: "AC1", Kind: model.CheckTestPass, TargetFile: "test_stack.py"})
	report, err := v.Verify(context.Background(), p, 1)
	require.NoError(t, err)

	require.Len(t, report.Results, 1)
	assert.Equal(t, model.CriterionFail, report.Results[0].Status)
	assert.Equal(t, model.CategoryTestFail, report.Results[0].Category)
	assert.Contains(t, report.Results[0].Stdout, "1 failed")
	assert.Equal(t, []string{"AC1"}, report.FailingIDs())
}

func TestVerifyTimeoutIsError(t *testing.T) {
	v, ws, _ := newVerifier(t)
	require.NoError(t, ws.WriteFile("stack.py", "class Stack: pass\n"))
	require.NoError(t, ws.WriteFile("test_stack.py", "def test_slow(): pass  # HANGS\n"))

	p := plan(model.DoDCriterion{ID: "AC1", Kind: model.CheckTestPass, TargetFile: "test_stack.py"})
	report, err := v.Verify(context.Background(), p, 1)
	require.NoError(t, err)

	assert.Equal(t, model.CriterionError, report.Results[0].Status)
	assert.Equal(t, model.CategoryTimeout, report.Results[0].Category)
}

func TestVerifyMissingFileFails(t *testing.T) {
	v, _, _ := newVerifier(t)
	p := plan(model.DoDCriterion{ID: "AC1", Kind: model.CheckFileExists, TargetFile: "stack.py"})
	report, err := v.Verify(context.Background(), p, 1)
	require.NoError(t, err)

	assert.Equal(t, model.CriterionFail, report.Results[0].Status)
	assert.Equal(t, model.CategoryMissing, report.Results[0].Category)
}

func TestVerifyCommandCriterion(t *testing.T) {
	v, ws, runner := newVerifier(t)
	require.NoError(t, ws.WriteFile("stack.py", "class Stack: pass\n"))
	runner.shell["python3 -c 'import stack'"] = executor.Result{ExitCode: 0}
	runner.shell["false"] = executor.Result{ExitCode: 1, Stderr: "nope"}

	p := plan(
		model.DoDCriterion{ID: "AC1", Kind: model.CheckCommand, Command: "python3 -c 'import stack'"},
		model.DoDCriterion{ID: "AC2", Kind: model.CheckCommand, Command: "false"},
	)
	report, err := v.Verify(context.Background(), p, 1)
	require.NoError(t, err)

	assert.Equal(t, model.CriterionPass, report.Results[0].Status)
	assert.Equal(t, model.CriterionFail, report.Results[1].Status)
	assert.Equal(t, model.CategoryCommand, report.Results[1].Category)
}

func TestVerifyExcludesStaleTests(t *testing.T) {
	v, ws, _ := newVerifier(t)
	// test_old.py survives from an earlier iteration; old.py is gone and
	// the plan no longer mentions it.
	require.NoError(t, ws.WriteFile("stack.py", "class Stack: pass\n"))
	require.NoError(t, ws.WriteFile("test_old.py", "def test_old(): pass\n"))

	p := plan(model.DoDCriterion{ID: "AC1", Kind: model.CheckTestPass, TargetFile: "test_old.py"})
	report, err := v.Verify(context.Background(), p, 1)
	require.NoError(t, err)

	assert.Equal(t, model.CriterionError, report.Results[0].Status)
	assert.Contains(t, report.Results[0].Stderr, "no longer exists")
}

func TestVerifyIsIdempotent(t *testing.T) {
	v, ws, _ := newVerifier(t)
	require.NoError(t, ws.WriteFile("stack.py", "class Stack: pass\n"))
	require.NoError(t, ws.WriteFile("test_stack.py", "def test_bad(): pass  # FAILS\n"))

	p := plan(
		model.DoDCriterion{ID: "AC1", Kind: model.CheckFileExists, TargetFile: "stack.py"},
		model.DoDCriterion{ID: "AC2", Kind: model.CheckTestPass, TargetFile: "test_stack.py"},
	)
	first, err := v.Verify(context.Background(), p, 1)
	require.NoError(t, err)
	second, err := v.Verify(context.Background(), p, 1)
	require.NoError(t, err)

	assert.Equal(t, first.PassCount(), second.PassCount())
	assert.Equal(t, first.FailingIDs(), second.FailingIDs())
	assert.Equal(t, model.Fingerprint(first), model.Fingerprint(second))
}
