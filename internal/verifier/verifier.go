// Package verifier checks a workspace against a plan's definition-of-done
// criteria and produces one pass/fail/error entry per criterion.
package verifier

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/masonhq/mason/internal/executor"
	"github.com/masonhq/mason/internal/model"
	"github.com/masonhq/mason/internal/workspace"
)

// Verifier derives its checks from what is actually on disk at verify
// time, never from plan-time guesses. Verification has no model calls
// and no side effects on the workspace, so re-running it on an unchanged
// tree yields the same report.
type Verifier struct {
	ws      *workspace.Workspace
	exec    executor.Runner
	timeout time.Duration
}

// New constructs a Verifier sharing the workspace's runner.
func New(ws *workspace.Workspace, exec executor.Runner) *Verifier {
	return &Verifier{ws: ws, exec: exec, timeout: 60 * time.Second}
}

// Verify produces a report with exactly one result per plan criterion.
// A syntax error anywhere in the tree short-circuits: every criterion is
// marked error and no tests run, since their results would be noise.
func (v *Verifier) Verify(ctx context.Context, plan model.Plan, iteration int) (model.VerificationReport, error) {
	report := model.VerificationReport{
		Iteration: iteration,
		CreatedAt: time.Now().UTC(),
	}

	se, err := v.ws.CheckAllSyntax(ctx)
	if err != nil {
		return report, fmt.Errorf("syntax pre-check: %w", err)
	}
	if se != nil {
		log.Info().Str("file", se.File).Int("line", se.Line).Msg("syntax pre-check failed, skipping execution")
		report.SyntaxFailure = se
		for _, c := range plan.Criteria {
			report.Results = append(report.Results, model.CriterionResult{
				CriterionID: c.ID,
				Description: c.Description,
				Status:      model.CriterionError,
				Stderr:      se.Error(),
				ExitCode:    -1,
				Category:    model.CategorySyntax,
			})
		}
		return report, nil
	}

	stale := v.staleTests(plan)
	for _, c := range plan.Criteria {
		res := v.check(ctx, plan, c, stale)
		res.CriterionID = c.ID
		res.Description = c.Description
		report.Results = append(report.Results, res)
	}
	return report, nil
}

// staleTests finds test files on disk whose source module is no longer a
// plan target. Their results would judge code the plan already walked
// away from.
func (v *Verifier) staleTests(plan model.Plan) map[string]bool {
	planned := make(map[string]bool)
	for _, p := range plan.TargetPaths() {
		planned[p] = true
	}
	files, err := v.ws.SourceFiles()
	if err != nil {
		return nil
	}
	stale := make(map[string]bool)
	for _, f := range files {
		if !workspace.IsTestFile(f) {
			continue
		}
		src := workspace.SourceForTest(f)
		if src == "" {
			continue
		}
		if !planned[src] && !v.ws.Exists(src) {
			stale[f] = true
		}
	}
	return stale
}

func (v *Verifier) check(ctx context.Context, plan model.Plan, c model.DoDCriterion, stale map[string]bool) model.CriterionResult {
	switch c.Kind {
	case model.CheckFileExists:
		return v.checkFileExists(c)
	case model.CheckTestPass:
		return v.checkTests(ctx, c, stale)
	case model.CheckCommand:
		return v.checkCommand(ctx, c)
	default:
		return model.CriterionResult{
			Status:   model.CriterionError,
			Stderr:   fmt.Sprintf("unknown verification type %q", c.Kind),
			ExitCode: -1,
			Category: model.CategoryCommand,
		}
	}
}

func (v *Verifier) checkFileExists(c model.DoDCriterion) model.CriterionResult {
	if c.TargetFile == "" {
		return model.CriterionResult{
			Status:   model.CriterionError,
			Stderr:   "file-exists criterion without target_file",
			ExitCode: -1,
			Category: model.CategoryMissing,
		}
	}
	if v.ws.Exists(c.TargetFile) {
		return model.CriterionResult{Status: model.CriterionPass}
	}
	return model.CriterionResult{
		Status:   model.CriterionFail,
		Stderr:   fmt.Sprintf("%s does not exist", c.TargetFile),
		ExitCode: 1,
		Category: model.CategoryMissing,
	}
}

func (v *Verifier) checkTests(ctx context.Context, c model.DoDCriterion, stale map[string]bool) model.CriterionResult {
	target := c.TargetFile
	if target == "" {
		return model.CriterionResult{
			Status:   model.CriterionError,
			Stderr:   "test-pass criterion without target_file",
			ExitCode: -1,
			Category: model.CategoryMissing,
		}
	}
	if stale[target] {
		return model.CriterionResult{
			Status:   model.CriterionError,
			Stderr:   fmt.Sprintf("%s tests a module that no longer exists", target),
			ExitCode: -1,
			Category: model.CategoryMissing,
		}
	}
	if !v.ws.Exists(target) {
		return model.CriterionResult{
			Status:   model.CriterionFail,
			Stderr:   fmt.Sprintf("%s does not exist", target),
			ExitCode: 1,
			Category: model.CategoryMissing,
		}
	}

	outcome, err := v.ws.RunTests(ctx, target, v.timeout)
	if err != nil {
		return model.CriterionResult{
			Status:   model.CriterionError,
			Stderr:   err.Error(),
			ExitCode: -1,
			Category: model.CategoryCommand,
		}
	}
	res := model.CriterionResult{
		Stdout:   outcome.Output,
		ExitCode: outcome.ExitCode,
	}
	switch {
	case outcome.TimedOut:
		res.Status = model.CriterionError
		res.Category = model.CategoryTimeout
		res.Stderr = "test run timed out"
	case outcome.AllPassed():
		res.Status = model.CriterionPass
	default:
		res.Status = model.CriterionFail
		res.Category = model.CategoryTestFail
	}
	return res
}

func (v *Verifier) checkCommand(ctx context.Context, c model.DoDCriterion) model.CriterionResult {
	if c.Command == "" {
		return model.CriterionResult{
			Status:   model.CriterionError,
			Stderr:   "command criterion without command",
			ExitCode: -1,
			Category: model.CategoryCommand,
		}
	}
	res, err := v.exec.Run(ctx, executor.Command{
		Name:    "sh",
		Args:    []string{"-c", c.Command},
		Dir:     v.ws.Root(),
		Timeout: v.timeout,
	})
	if err != nil {
		return model.CriterionResult{
			Status:   model.CriterionError,
			Stderr:   err.Error(),
			ExitCode: -1,
			Category: model.CategoryCommand,
		}
	}
	out := model.CriterionResult{
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
		ExitCode: res.ExitCode,
	}
	switch {
	case res.TimedOut:
		out.Status = model.CriterionError
		out.Category = model.CategoryTimeout
	case res.ExitCode == 0:
		out.Status = model.CriterionPass
	default:
		out.Status = model.CriterionFail
		out.Category = model.CategoryCommand
	}
	return out
}
