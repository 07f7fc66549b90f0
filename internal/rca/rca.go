// Package rca diagnoses a failed iteration: it assembles budgeted
// evidence from the workspace, asks the model for a five-whys causal
// chain, and insists on concrete, file-scoped edits rather than advice.
package rca

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/masonhq/mason/internal/budget"
	"github.com/masonhq/mason/internal/gateway"
	"github.com/masonhq/mason/internal/gitx"
	"github.com/masonhq/mason/internal/model"
	"github.com/masonhq/mason/internal/workspace"
)

const systemPrompt = `You are the failure-analysis component of an autonomous coding loop.
An iteration failed verification. Work from the evidence only.
Produce:
- a five-step "why" chain, each step explaining the previous one, ending
  at the root cause
- the root cause as one sentence
- concrete_edits: file-scoped fixes. Each edit names an existing file
  (or a new file to add), an action (add/modify/delete), and a specific
  change. "Fix the bug" or "improve error handling" are not edits.`

// hard caps (tokens) per evidence sub-section, applied through the
// budgeter so a huge diff cannot crowd out the failing test output
const (
	capFileListing = 256
	capDiffStat    = 256
	capDiff        = 1536
	capTestFile    = 1536
	capSourceFile  = 1536
	capFailOutput  = 1024
)

// minimum length for an edit detail before it counts as concrete
const minEditDetail = 15

// Engine produces RCAResults for failed verification reports.
type Engine struct {
	gw             gateway.Client
	ws             *workspace.Workspace
	budgeter       budget.Budgeter
	evidenceBudget int
	temperature    float32
}

// New constructs an Engine. The evidence budget defaults to a quarter
// of the gateway's context window.
func New(gw gateway.Client, ws *workspace.Workspace) *Engine {
	return &Engine{
		gw:             gw,
		ws:             ws,
		evidenceBudget: gw.ContextWindow() / 4,
		temperature:    0.2,
	}
}

type rcaPayload struct {
	Whys      []string `json:"whys"`
	RootCause string   `json:"root_cause"`
	Edits     []struct {
		File   string `json:"file"`
		Action string `json:"action"`
		Detail string `json:"detail"`
	} `json:"concrete_edits"`
}

// Analyze diagnoses a failing report. A structurally valid response
// whose edits are vague or name files that do not exist gets one
// regeneration with the rejection reasons spelled out.
func (e *Engine) Analyze(ctx context.Context, plan model.Plan, report model.VerificationReport) (model.RCAResult, error) {
	if report.AllPassed() {
		return model.RCAResult{}, fmt.Errorf("rca: nothing to analyze, all criteria pass")
	}

	sections := e.evidence(ctx, plan, report)
	payload, err := e.ask(ctx, sections)
	if err != nil {
		return model.RCAResult{}, err
	}

	if problems := e.reject(plan, payload); len(problems) > 0 {
		log.Debug().Strs("problems", problems).Msg("rca edits rejected, regenerating once")
		retry := append(sections, budget.Section{
			Name: "correction",
			Text: "Your previous analysis was rejected:\n- " + strings.Join(problems, "\n- ") +
				"\nName real files and specific changes.",
			Weight: 4,
		})
		payload, err = e.ask(ctx, retry)
		if err != nil {
			return model.RCAResult{}, err
		}
		if problems := e.reject(plan, payload); len(problems) > 0 {
			return model.RCAResult{}, fmt.Errorf("rca: edits still vague after retry: %s", strings.Join(problems, "; "))
		}
	}

	result := model.RCAResult{
		Whys:      payload.Whys,
		RootCause: payload.RootCause,
		CreatedAt: time.Now().UTC(),
	}
	for _, edit := range payload.Edits {
		result.Edits = append(result.Edits, model.ConcreteEdit{
			File:   edit.File,
			Action: model.EditAction(edit.Action),
			Detail: edit.Detail,
		})
	}
	return result, nil
}

func (e *Engine) ask(ctx context.Context, sections []budget.Section) (rcaPayload, error) {
	resp, err := e.gw.Generate(ctx, gateway.Request{
		System:      systemPrompt,
		Sections:    sections,
		Schema:      rcaSchema,
		SchemaName:  "rca",
		Temperature: e.temperature,
	})
	if err != nil {
		return rcaPayload{}, fmt.Errorf("generate rca: %w", err)
	}
	var payload rcaPayload
	if err := json.Unmarshal(resp.Object, &payload); err != nil {
		return rcaPayload{}, fmt.Errorf("decode rca: %w", err)
	}
	return payload, nil
}

// reject lists everything wrong with the proposed edits. Empty means
// acceptable.
func (e *Engine) reject(plan model.Plan, payload rcaPayload) []string {
	var problems []string
	if len(payload.Edits) == 0 {
		problems = append(problems, "concrete_edits is empty")
	}
	planned := make(map[string]bool)
	for _, p := range plan.TargetPaths() {
		planned[p] = true
	}
	for _, edit := range payload.Edits {
		switch {
		case edit.File == "":
			problems = append(problems, "an edit has no file")
		case edit.Action == string(model.EditAdd):
			// New files only need to be plausible targets.
			if !strings.HasSuffix(edit.File, ".py") {
				problems = append(problems, fmt.Sprintf("%s: added files must be Python sources", edit.File))
			}
		case !e.ws.Exists(edit.File) && !planned[edit.File]:
			problems = append(problems, fmt.Sprintf("%s does not exist in the workspace", edit.File))
		}
		if edit.Action != string(model.EditDelete) && len(strings.TrimSpace(edit.Detail)) < minEditDetail {
			problems = append(problems, fmt.Sprintf("%s: detail %q is too vague", edit.File, edit.Detail))
		}
	}
	return problems
}

// evidence assembles the budgeted context sections. Each sub-section is
// hard-capped so no single one can starve the rest; the budgeter then
// fits the whole set into the evidence budget.
func (e *Engine) evidence(ctx context.Context, plan model.Plan, report model.VerificationReport) []budget.Section {
	sections := []budget.Section{
		{Name: "failing criteria", Text: renderFailures(plan, report), Weight: 6, HardCap: capFailOutput},
	}

	if files, err := e.ws.SourceFiles(); err == nil && len(files) > 0 {
		sections = append(sections, budget.Section{
			Name: "workspace files", Text: strings.Join(files, "\n"), Weight: 1, HardCap: capFileListing,
		})
	}

	root := e.ws.Root()
	if gitx.Available(ctx, root) {
		if stat := gitx.DiffStat(ctx, root); stat != "" {
			sections = append(sections, budget.Section{
				Name: "change summary", Text: stat, Weight: 2, HardCap: capDiffStat,
			})
		}
		if diff := gitx.Diff(ctx, root); diff != "" {
			sections = append(sections, budget.Section{
				Name: "changes since last good state", Text: diff, Weight: 3, HardCap: capDiff,
			})
		}
	}

	for _, rel := range failingFiles(plan, report) {
		content, err := e.ws.ReadFile(rel)
		if err != nil {
			continue
		}
		limit := capSourceFile
		name := "failing source " + rel
		if workspace.IsTestFile(rel) {
			limit = capTestFile
			name = "failing test " + rel
		}
		sections = append(sections, budget.Section{Name: name, Text: content, Weight: 4, HardCap: limit})
	}

	// Pre-fit against the evidence budget so the request never relies on
	// the gateway's last-resort truncation to stay inside the window.
	fitted := e.budgeter.Fit(sections, e.evidenceBudget)
	for i := range sections {
		sections[i].Text = fitted[sections[i].Name]
	}
	return sections
}

// failingFiles maps failing criteria back to the workspace files they
// implicate, test files first.
func failingFiles(plan model.Plan, report model.VerificationReport) []string {
	seen := make(map[string]bool)
	var tests, sources []string
	add := func(rel string) {
		if rel == "" || seen[rel] {
			return
		}
		seen[rel] = true
		if workspace.IsTestFile(rel) {
			tests = append(tests, rel)
			if src := workspace.SourceForTest(rel); src != "" && !seen[src] {
				seen[src] = true
				sources = append(sources, src)
			}
			return
		}
		sources = append(sources, rel)
	}
	for _, res := range report.Results {
		if res.Status == model.CriterionPass {
			continue
		}
		if c, ok := plan.Criterion(res.CriterionID); ok {
			add(c.TargetFile)
		}
	}
	return append(tests, sources...)
}

func renderFailures(plan model.Plan, report model.VerificationReport) string {
	var b strings.Builder
	if report.SyntaxFailure != nil {
		b.WriteString(report.SyntaxFailure.Error() + "\n")
	}
	for _, res := range report.Results {
		if res.Status == model.CriterionPass {
			continue
		}
		desc := res.Description
		if desc == "" {
			if c, ok := plan.Criterion(res.CriterionID); ok {
				desc = c.Description
			}
		}
		fmt.Fprintf(&b, "[%s] %s: %s (exit %d)\n", res.CriterionID, res.Status, desc, res.ExitCode)
		if out := strings.TrimSpace(res.Stdout); out != "" {
			b.WriteString(out + "\n")
		}
		if errOut := strings.TrimSpace(res.Stderr); errOut != "" {
			b.WriteString(errOut + "\n")
		}
	}
	return b.String()
}
