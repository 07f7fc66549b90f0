// Package planner turns a task description, and on replans the prior
// failure context, into a validated build plan with definition-of-done
// criteria the verifier can check mechanically.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/masonhq/mason/internal/budget"
	"github.com/masonhq/mason/internal/gateway"
	"github.com/masonhq/mason/internal/model"
)

const systemPrompt = `You are the planning component of an autonomous coding loop.
Produce a build plan for the task: the ordered files to generate and the
definition-of-done criteria that verify the result.
Rules:
- Every criterion must be mechanically checkable: a shell command, a file
  existence check, or a test run. No criteria that need human judgment.
- Test files use pytest naming (test_<module>.py).
- Keep the plan small and focused on what the task asks for, nothing extra.
- On a replan, keep criteria that already pass word-for-word unchanged and
  do not grow the criteria list; fix what failed.`

// ReplanContext carries what the previous iteration learned.
type ReplanContext struct {
	Prev   model.Plan
	Report model.VerificationReport
	RCA    *model.RCAResult
}

// Planner generates plans through the model gateway.
type Planner struct {
	gw          gateway.Client
	temperature float32
}

// New constructs a Planner.
func New(gw gateway.Client) *Planner {
	return &Planner{gw: gw, temperature: 0.2}
}

type planPayload struct {
	Summary  string `json:"summary"`
	Steps    []struct {
		Path      string   `json:"path"`
		DependsOn []string `json:"depends_on"`
		Role      string   `json:"role"`
		Summary   string   `json:"summary"`
	} `json:"steps"`
	Criteria []struct {
		ID          string `json:"id"`
		Description string `json:"description"`
		Kind        string `json:"verification_type"`
		TargetFile  string `json:"target_file"`
		Command     string `json:"command"`
	} `json:"criteria"`
}

// Generate produces the plan for an iteration. A structurally valid but
// empty response (no steps or no criteria) gets exactly one bounded
// retry with a corrective instruction.
func (p *Planner) Generate(ctx context.Context, task model.Task, iteration int, memoryRendered string, rep *ReplanContext) (model.Plan, error) {
	sections := p.sections(task, memoryRendered, rep)

	payload, err := p.ask(ctx, sections)
	if err != nil {
		return model.Plan{}, err
	}

	if reason := emptyReason(payload); reason != "" {
		log.Debug().Str("reason", reason).Msg("plan rejected, retrying once")
		retrySections := append(sections, budget.Section{
			Name:   "correction",
			Text:   "Your previous plan was rejected: " + reason + ". Produce a complete plan.",
			Weight: 2,
		})
		payload, err = p.ask(ctx, retrySections)
		if err != nil {
			return model.Plan{}, err
		}
		if reason := emptyReason(payload); reason != "" {
			return model.Plan{}, fmt.Errorf("planner: %s after retry", reason)
		}
	}

	plan := toPlan(task, iteration, payload)
	plan = dedupeSteps(plan)
	if rep != nil {
		plan = preservePassing(plan, rep)
	}
	log.Info().Int("iteration", iteration).
		Int("steps", len(plan.Steps)).Int("criteria", len(plan.Criteria)).
		Str("complexity", estimateComplexity(plan)).
		Msg("plan generated")
	return plan, nil
}

// estimateComplexity buckets a plan by the work it implies, for run logs.
func estimateComplexity(plan model.Plan) string {
	score := len(plan.Steps) + len(plan.Criteria)/2
	switch {
	case score <= 3:
		return "simple"
	case score <= 7:
		return "medium"
	default:
		return "complex"
	}
}

func (p *Planner) ask(ctx context.Context, sections []budget.Section) (planPayload, error) {
	resp, err := p.gw.Generate(ctx, gateway.Request{
		System:      systemPrompt,
		Sections:    sections,
		Schema:      planSchema,
		SchemaName:  "plan",
		Temperature: p.temperature,
	})
	if err != nil {
		return planPayload{}, fmt.Errorf("generate plan: %w", err)
	}
	var payload planPayload
	if err := json.Unmarshal(resp.Object, &payload); err != nil {
		return planPayload{}, fmt.Errorf("decode plan: %w", err)
	}
	return payload, nil
}

func (p *Planner) sections(task model.Task, memoryRendered string, rep *ReplanContext) []budget.Section {
	sections := []budget.Section{
		{Name: "task", Text: task.Description, Weight: 4, HardCap: 2048},
	}
	if rep != nil {
		sections = append(sections, budget.Section{
			Name: "previous plan", Text: renderPrevPlan(rep.Prev), Weight: 3, HardCap: 2048,
		})
		sections = append(sections, budget.Section{
			Name: "failed criteria", Text: renderFailures(rep), Weight: 4, HardCap: 2048,
		})
		if rep.RCA != nil {
			sections = append(sections, budget.Section{
				Name: "root cause analysis", Text: renderRCA(rep.RCA), Weight: 4, HardCap: 2048,
			})
		}
	}
	if memoryRendered != "" {
		sections = append(sections, budget.Section{
			Name: "iteration history", Text: memoryRendered, Weight: 2, HardCap: 2048,
		})
	}
	return sections
}

func emptyReason(payload planPayload) string {
	if len(payload.Steps) == 0 {
		return "no build steps"
	}
	if len(payload.Criteria) == 0 {
		return "no definition-of-done criteria"
	}
	for _, s := range payload.Steps {
		if strings.TrimSpace(s.Path) == "" {
			return "build step with empty path"
		}
	}
	return ""
}

func toPlan(task model.Task, iteration int, payload planPayload) model.Plan {
	plan := model.Plan{
		TaskID:    task.ID,
		Iteration: iteration,
		Summary:   payload.Summary,
		CreatedAt: time.Now().UTC(),
	}
	for _, s := range payload.Steps {
		role := model.StepRole(s.Role)
		if role != model.RoleTest {
			role = model.RoleSource
		}
		plan.Steps = append(plan.Steps, model.BuildStep{
			Path:      strings.TrimSpace(s.Path),
			DependsOn: s.DependsOn,
			Role:      role,
			Summary:   s.Summary,
		})
	}
	for i, c := range payload.Criteria {
		id := strings.TrimSpace(c.ID)
		if id == "" {
			id = fmt.Sprintf("AC%d", i+1)
		}
		plan.Criteria = append(plan.Criteria, model.DoDCriterion{
			ID:          id,
			Description: c.Description,
			Kind:        model.CriterionKind(c.Kind),
			TargetFile:  c.TargetFile,
			Command:     c.Command,
		})
	}
	return plan
}

// dedupeSteps keeps the first occurrence of a duplicated target path and
// merges the later occurrences' dependencies into it.
func dedupeSteps(plan model.Plan) model.Plan {
	index := make(map[string]int)
	var steps []model.BuildStep
	for _, s := range plan.Steps {
		if i, seen := index[s.Path]; seen {
			steps[i].DependsOn = mergeUnique(steps[i].DependsOn, s.DependsOn)
			continue
		}
		index[s.Path] = len(steps)
		steps = append(steps, s)
	}
	plan.Steps = steps
	return plan
}

// preservePassing re-inserts previously passing criteria verbatim when
// the replan dropped or reworded them, and keeps the criteria count from
// inflating past the previous plan's scope.
func preservePassing(plan model.Plan, rep *ReplanContext) model.Plan {
	passing := map[string]model.DoDCriterion{}
	for _, res := range rep.Report.Results {
		if res.Status != model.CriterionPass {
			continue
		}
		if c, ok := rep.Prev.Criterion(res.CriterionID); ok {
			passing[c.ID] = c
		}
	}

	out := plan.Criteria[:0:0]
	seen := map[string]bool{}
	for _, c := range plan.Criteria {
		if prev, ok := passing[c.ID]; ok {
			// Word-for-word preservation beats the model's rewording.
			c = prev
		}
		out = append(out, c)
		seen[c.ID] = true
	}
	for _, prev := range rep.Prev.Criteria {
		if _, isPassing := passing[prev.ID]; isPassing && !seen[prev.ID] {
			out = append(out, prev)
			seen[prev.ID] = true
		}
	}

	// Criteria count tracks project scope, not iteration count. Passing
	// criteria hold their slots first; new ones fill what remains, so the
	// count never exceeds the previous plan's.
	if max := len(rep.Prev.Criteria); len(out) > max {
		slots := max - len(passing)
		if slots < 0 {
			slots = 0
		}
		trimmed := out[:0:0]
		for _, c := range out {
			if _, isPassing := passing[c.ID]; isPassing {
				trimmed = append(trimmed, c)
			} else if slots > 0 {
				trimmed = append(trimmed, c)
				slots--
			} else {
				log.Debug().Str("criterion", c.ID).Msg("dropping criterion beyond previous scope")
			}
		}
		out = trimmed
	}
	plan.Criteria = out
	return plan
}

func renderPrevPlan(prev model.Plan) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Iteration %d planned files: %s\n", prev.Iteration, strings.Join(prev.TargetPaths(), ", "))
	b.WriteString("Criteria:\n")
	for _, c := range prev.Criteria {
		fmt.Fprintf(&b, "- [%s] %s (%s)\n", c.ID, c.Description, c.Kind)
	}
	return b.String()
}

func renderFailures(rep *ReplanContext) string {
	var b strings.Builder
	for _, res := range rep.Report.Results {
		if res.Status == model.CriterionPass {
			fmt.Fprintf(&b, "- [%s] PASSING (preserve this): %s\n", res.CriterionID, res.Description)
			continue
		}
		fmt.Fprintf(&b, "- [%s] FAILING: %s\n", res.CriterionID, res.Description)
		if res.Stderr != "" {
			fmt.Fprintf(&b, "  stderr: %s\n", strings.TrimSpace(res.Stderr))
		}
	}
	return b.String()
}

func renderRCA(rca *model.RCAResult) string {
	var b strings.Builder
	b.WriteString("Root cause: " + rca.RootCause + "\n")
	for i, why := range rca.Whys {
		fmt.Fprintf(&b, "%d. %s\n", i+1, why)
	}
	b.WriteString("Required edits:\n")
	for _, e := range rca.Edits {
		fmt.Fprintf(&b, "- %s %s: %s\n", e.Action, e.File, e.Detail)
	}
	return b.String()
}

func mergeUnique(a, b []string) []string {
	seen := make(map[string]bool, len(a))
	out := append([]string(nil), a...)
	for _, s := range a {
		seen[s] = true
	}
	for _, s := range b {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
