// Package builder turns a plan into workspace files. Source files are
// generated single-shot with an inline lint gate; test files go through
// multi-wave candidate sampling scored by actually running the tests.
package builder

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/masonhq/mason/internal/budget"
	"github.com/masonhq/mason/internal/gateway"
	"github.com/masonhq/mason/internal/model"
	"github.com/masonhq/mason/internal/workspace"
)

const systemPrompt = `You are the code-generation component of an autonomous coding loop.
You write complete, runnable Python files.
Rules:
- Respond with exactly one fenced code block containing the full file.
- No placeholders, no "..." elisions, no TODO stubs.
- Tests use pytest with plain assert statements.
- When required edits are listed, apply every one of them.`

const monolithicSystemPrompt = `You are the code-generation component of an autonomous coding loop.
Write every requested file completely.
Rules:
- One fenced code block per file, with the file name on the line before its block.
- No placeholders, no "..." elisions, no TODO stubs.`

// Sampling controls multi-wave test-file generation.
type Sampling struct {
	Wave1       []float32
	Wave2       []float32
	Parallelism int
	TestTimeout time.Duration
}

// DefaultSampling mirrors the two temperature ladders candidates are
// drawn from: wave 1 explores, wave 2 re-rolls lower after enrichment.
func DefaultSampling() Sampling {
	return Sampling{
		Wave1:       []float32{0.3, 0.6, 0.8, 1.0},
		Wave2:       []float32{0.2, 0.5, 0.7, 0.9},
		Parallelism: 4,
		TestTimeout: 60 * time.Second,
	}
}

// Input is everything one build pass consumes.
type Input struct {
	Task      model.Task
	Plan      model.Plan
	Iteration int
	// RCA carries the concrete edits from the previous iteration's
	// diagnosis; they lead the prompt ahead of all other context.
	RCA *model.RCAResult
	// Passing lists criteria that already pass and must keep passing.
	Passing []model.DoDCriterion
	Memory  string
	// FullRewrite switches to a single monolithic generation pass.
	FullRewrite bool
}

// Builder generates plan targets into the workspace.
type Builder struct {
	gw       gateway.Client
	ws       *workspace.Workspace
	sampling Sampling
}

// New constructs a Builder with default sampling.
func New(gw gateway.Client, ws *workspace.Workspace) *Builder {
	return &Builder{gw: gw, ws: ws, sampling: DefaultSampling()}
}

// NewWithSampling constructs a Builder with explicit sampling settings.
func NewWithSampling(gw gateway.Client, ws *workspace.Workspace, s Sampling) *Builder {
	return &Builder{gw: gw, ws: ws, sampling: s}
}

// Build generates every plan target and returns one artifact per file
// written. Single-file plans and full rewrites use one monolithic pass;
// everything else builds file by file in dependency order.
func (b *Builder) Build(ctx context.Context, in Input) ([]model.BuildArtifact, error) {
	if len(in.Plan.Steps) == 0 {
		return nil, fmt.Errorf("build: plan has no steps")
	}
	if in.FullRewrite || len(in.Plan.Steps) == 1 {
		return b.monolithic(ctx, in)
	}
	return b.sequential(ctx, in)
}

func (b *Builder) sequential(ctx context.Context, in Input) ([]model.BuildArtifact, error) {
	steps := orderSteps(in.Plan.Steps)
	var artifacts []model.BuildArtifact
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return artifacts, err
		}
		var (
			art model.BuildArtifact
			err error
		)
		if step.Role == model.RoleTest {
			art, err = b.buildTestFile(ctx, in, step)
		} else {
			art, err = b.buildSourceFile(ctx, in, step)
		}
		if err != nil {
			return artifacts, err
		}
		artifacts = append(artifacts, art)
	}
	return artifacts, nil
}

// orderSteps sorts build steps so that a file comes after the files it
// depends on. Dependencies outside the plan are ignored; cycles fall
// back to plan order for the files involved.
func orderSteps(steps []model.BuildStep) []model.BuildStep {
	index := make(map[string]int, len(steps))
	for i, s := range steps {
		index[s.Path] = i
	}

	indegree := make([]int, len(steps))
	dependents := make([][]int, len(steps))
	for i, s := range steps {
		for _, dep := range s.DependsOn {
			j, ok := index[dep]
			if !ok || j == i {
				continue
			}
			indegree[i]++
			dependents[j] = append(dependents[j], i)
		}
	}

	var ready []int
	for i, d := range indegree {
		if d == 0 {
			ready = append(ready, i)
		}
	}
	var ordered []model.BuildStep
	done := make([]bool, len(steps))
	for len(ready) > 0 {
		sort.Ints(ready)
		i := ready[0]
		ready = ready[1:]
		ordered = append(ordered, steps[i])
		done[i] = true
		for _, j := range dependents[i] {
			indegree[j]--
			if indegree[j] == 0 {
				ready = append(ready, j)
			}
		}
	}
	for i, s := range steps {
		if !done[i] {
			log.Warn().Str("path", s.Path).Msg("dependency cycle, keeping plan order")
			ordered = append(ordered, s)
		}
	}
	return ordered
}

func (b *Builder) buildSourceFile(ctx context.Context, in Input, step model.BuildStep) (model.BuildArtifact, error) {
	sections := b.fileSections(in, step)
	const temp = 0.3

	content, err := b.generateFile(ctx, sections, temp)
	if err != nil {
		return model.BuildArtifact{}, fmt.Errorf("build %s: %w", step.Path, err)
	}
	if err := b.ws.WriteFile(step.Path, content); err != nil {
		return model.BuildArtifact{}, err
	}

	content, err = b.lintGate(ctx, in, step, sections, content, temp)
	if err != nil {
		return model.BuildArtifact{}, err
	}
	return b.artifact(in, step, content, temp), nil
}

// lintGate syntax-checks the freshly written file and, on failure, feeds
// the error with surrounding context back for one in-turn repair. The
// repair costs a model call, never an iteration.
func (b *Builder) lintGate(ctx context.Context, in Input, step model.BuildStep, sections []budget.Section, content string, temp float32) (string, error) {
	se, err := b.ws.CheckSyntax(ctx, step.Path)
	if err != nil {
		return "", err
	}
	if se == nil {
		return content, nil
	}

	log.Debug().Str("path", step.Path).Int("line", se.Line).Msg("lint gate failed, attempting repair")
	repairSections := append(sections, budget.Section{
		Name: "syntax error to fix",
		Text: fmt.Sprintf("Your file failed to compile: %s\n\nContext:\n%s\nRewrite the complete file with this fixed.",
			se.Error(), b.ws.Snippet(se.File, se.Line, 3)),
		Weight: 4, HardCap: 2048,
	})
	repaired, err := b.generateFile(ctx, repairSections, temp)
	if err != nil {
		log.Warn().Err(err).Str("path", step.Path).Msg("lint repair generation failed, keeping original")
		return content, nil
	}
	if err := b.ws.WriteFile(step.Path, repaired); err != nil {
		return "", err
	}
	if se2, err := b.ws.CheckSyntax(ctx, step.Path); err != nil {
		return "", err
	} else if se2 != nil {
		// The repair made it no better; restore the first attempt.
		log.Warn().Str("path", step.Path).Msg("lint repair still invalid, restoring first attempt")
		if err := b.ws.WriteFile(step.Path, content); err != nil {
			return "", err
		}
		return content, nil
	}
	return repaired, nil
}

// candidate is one sampled test-file generation.
type candidate struct {
	wave        int
	temperature float32
	content     string
	outcome     workspace.TestOutcome
	scored      bool
	genErr      error
}

// buildTestFile samples candidates at rising temperatures and picks by
// actual test execution. Wave 2 runs only when every wave-1 candidate
// fails, with its prompts enriched by the best wave-1 error output.
func (b *Builder) buildTestFile(ctx context.Context, in Input, step model.BuildStep) (model.BuildArtifact, error) {
	sections := b.fileSections(in, step)

	wave1, err := b.runWave(ctx, in, step, sections, 1, b.sampling.Wave1)
	if err != nil {
		return model.BuildArtifact{}, err
	}
	if winner := firstAllPassing(wave1); winner != nil {
		return b.commitCandidate(in, step, *winner)
	}

	best := bestCandidate(wave1)
	wave2Sections := sections
	if best != nil && best.outcome.Output != "" {
		wave2Sections = append(sections, budget.Section{
			Name: "previous attempt output",
			Text: "A previous attempt failed with the output below. Avoid this failure.\n\n" +
				best.outcome.Output,
			Weight:  4,
			HardCap: 2048,
		})
	}
	wave2, err := b.runWave(ctx, in, step, wave2Sections, 2, b.sampling.Wave2)
	if err != nil {
		return model.BuildArtifact{}, err
	}
	if winner := firstAllPassing(wave2); winner != nil {
		return b.commitCandidate(in, step, *winner)
	}

	all := append(wave1, wave2...)
	winner := bestCandidate(all)
	if winner == nil {
		return model.BuildArtifact{}, fmt.Errorf("build %s: no candidate generated", step.Path)
	}
	log.Info().Str("path", step.Path).
		Int("passed", winner.outcome.Passed).Int("failed", winner.outcome.Failed).
		Float32("temperature", winner.temperature).
		Msg("no candidate fully passing, selecting best partial")
	return b.commitCandidate(in, step, *winner)
}

// runWave generates one batch of candidates in parallel, then scores
// them one at a time in temperature order so selection is deterministic
// and the workspace sees a single writer.
func (b *Builder) runWave(ctx context.Context, in Input, step model.BuildStep, sections []budget.Section, wave int, temps []float32) ([]candidate, error) {
	cands := make([]candidate, len(temps))
	g, gctx := errgroup.WithContext(ctx)
	limit := b.sampling.Parallelism
	if limit <= 0 {
		limit = 1
	}
	g.SetLimit(limit)
	for i, temp := range temps {
		i, temp := i, temp
		cands[i] = candidate{wave: wave, temperature: temp}
		g.Go(func() error {
			content, err := b.generateFile(gctx, sections, temp)
			if err != nil {
				// One bad sample should not sink the wave.
				cands[i].genErr = err
				return nil
			}
			cands[i].content = content
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	generated := 0
	for i := range cands {
		if cands[i].genErr == nil {
			generated++
		} else {
			log.Warn().Err(cands[i].genErr).Int("wave", wave).
				Float32("temperature", cands[i].temperature).
				Msg("candidate generation failed")
		}
	}
	if generated == 0 {
		return nil, fmt.Errorf("build %s: wave %d produced no candidates: %w", step.Path, wave, firstGenErr(cands))
	}

	for i := range cands {
		if cands[i].genErr != nil {
			continue
		}
		if err := b.scoreCandidate(ctx, step, &cands[i]); err != nil {
			return nil, err
		}
		if cands[i].outcome.AllPassed() {
			// later candidates stay unscored
			break
		}
	}
	return cands, nil
}

func (b *Builder) scoreCandidate(ctx context.Context, step model.BuildStep, c *candidate) error {
	if err := b.ws.WriteFile(step.Path, c.content); err != nil {
		return err
	}
	se, err := b.ws.CheckSyntax(ctx, step.Path)
	if err != nil {
		return err
	}
	if se != nil {
		c.outcome = workspace.TestOutcome{ExitCode: 1, Output: se.Error()}
		c.scored = true
		return nil
	}
	outcome, err := b.ws.RunTests(ctx, step.Path, b.sampling.TestTimeout)
	if err != nil {
		return err
	}
	c.outcome = outcome
	c.scored = true
	return nil
}

func firstAllPassing(cands []candidate) *candidate {
	for i := range cands {
		if cands[i].scored && cands[i].outcome.AllPassed() {
			return &cands[i]
		}
	}
	return nil
}

// bestCandidate picks the scored candidate with the highest pass count;
// ties go to the lowest temperature.
func bestCandidate(cands []candidate) *candidate {
	var best *candidate
	for i := range cands {
		c := &cands[i]
		if !c.scored {
			continue
		}
		switch {
		case best == nil,
			c.outcome.Passed > best.outcome.Passed,
			c.outcome.Passed == best.outcome.Passed && c.temperature < best.temperature:
			best = c
		}
	}
	return best
}

func (b *Builder) commitCandidate(in Input, step model.BuildStep, c candidate) (model.BuildArtifact, error) {
	// The last scored candidate is what is on disk; the winner may be an
	// earlier one.
	if err := b.ws.WriteFile(step.Path, c.content); err != nil {
		return model.BuildArtifact{}, err
	}
	log.Debug().Str("path", step.Path).Int("wave", c.wave).
		Float32("temperature", c.temperature).Int("passed", c.outcome.Passed).
		Msg("committed winning candidate")
	return b.artifact(in, step, c.content, c.temperature), nil
}

func firstGenErr(cands []candidate) error {
	for _, c := range cands {
		if c.genErr != nil {
			return c.genErr
		}
	}
	return nil
}

func (b *Builder) monolithic(ctx context.Context, in Input) ([]model.BuildArtifact, error) {
	targets := in.Plan.TargetPaths()
	sections := b.commonSections(in)
	var listing strings.Builder
	listing.WriteString("Write the following files:\n")
	for _, step := range in.Plan.Steps {
		fmt.Fprintf(&listing, "- %s", step.Path)
		if step.Summary != "" {
			fmt.Fprintf(&listing, ": %s", step.Summary)
		}
		listing.WriteString("\n")
	}
	sections = append(sections, budget.Section{Name: "files to write", Text: listing.String(), Weight: 4, HardCap: 1024})

	const temp = 0.3
	resp, err := b.gw.Generate(ctx, gateway.Request{
		System:      monolithicSystemPrompt,
		Sections:    sections,
		Temperature: temp,
	})
	if err != nil {
		return nil, fmt.Errorf("monolithic build: %w", err)
	}
	files := ExtractNamedBlocks(resp.Text, targets)
	if len(files) == 0 {
		return nil, fmt.Errorf("monolithic build: no code blocks in response")
	}

	var artifacts []model.BuildArtifact
	for _, step := range in.Plan.Steps {
		content, ok := files[step.Path]
		if !ok {
			log.Warn().Str("path", step.Path).Msg("monolithic response missing file")
			continue
		}
		if err := b.ws.WriteFile(step.Path, content); err != nil {
			return artifacts, err
		}
		content, err = b.lintGate(ctx, in, step, sections, content, temp)
		if err != nil {
			return artifacts, err
		}
		artifacts = append(artifacts, b.artifact(in, step, content, temp))
	}
	if len(artifacts) == 0 {
		return nil, fmt.Errorf("monolithic build: response matched none of %d targets", len(targets))
	}
	return artifacts, nil
}

func (b *Builder) generateFile(ctx context.Context, sections []budget.Section, temp float32) (string, error) {
	resp, err := b.gw.Generate(ctx, gateway.Request{
		System:      systemPrompt,
		Sections:    sections,
		Temperature: temp,
	})
	if err != nil {
		return "", err
	}
	content := ExtractCode(resp.Text)
	if content == "" {
		return "", fmt.Errorf("no code block in response")
	}
	return content, nil
}

// commonSections is the context shared by every generation in a pass.
// RCA edits always come first so they survive budget pressure and model
// attention alike.
func (b *Builder) commonSections(in Input) []budget.Section {
	var sections []budget.Section
	if in.RCA != nil && len(in.RCA.Edits) > 0 {
		sections = append(sections, budget.Section{
			Name: "required edits", Text: renderEdits(in.RCA), Weight: 6, HardCap: 2048,
		})
	}
	sections = append(sections, budget.Section{Name: "task", Text: in.Task.Description, Weight: 4, HardCap: 2048})
	if in.Plan.Summary != "" {
		sections = append(sections, budget.Section{Name: "plan", Text: in.Plan.Summary, Weight: 2, HardCap: 1024})
	}
	if len(in.Passing) > 0 {
		sections = append(sections, budget.Section{
			Name: "criteria that already pass", Text: renderPassing(in.Passing), Weight: 3, HardCap: 1024,
		})
	}
	if in.Memory != "" {
		sections = append(sections, budget.Section{
			Name: "iteration history", Text: in.Memory, Weight: 1, HardCap: 2048,
		})
	}
	return sections
}

func (b *Builder) fileSections(in Input, step model.BuildStep) []budget.Section {
	sections := b.commonSections(in)

	if files, err := b.ws.SourceFiles(); err == nil {
		infos := make([]workspace.FileInfo, 0, len(files))
		for _, f := range files {
			infos = append(infos, b.ws.Analyze(f))
		}
		sections = append(sections, budget.Section{
			Name: "files already built", Text: workspace.Manifest(infos), Weight: 2, HardCap: 2048,
		})
	}

	for _, dep := range step.DependsOn {
		if src, err := b.ws.ReadFile(dep); err == nil {
			sections = append(sections, budget.Section{
				Name: "source of " + dep, Text: src, Weight: 3, HardCap: 4096,
			})
		}
	}
	if step.Role == model.RoleTest {
		if srcPath := workspace.SourceForTest(step.Path); srcPath != "" && !contains(step.DependsOn, srcPath) {
			if src, err := b.ws.ReadFile(srcPath); err == nil {
				sections = append(sections, budget.Section{
					Name: "module under test (" + srcPath + ")", Text: src, Weight: 4, HardCap: 4096,
				})
			}
		}
	}

	// Fix mode: after iteration one the file usually exists; show it and
	// ask for targeted edits instead of a blind rewrite.
	if in.Iteration > 1 {
		if existing, err := b.ws.ReadFile(step.Path); err == nil {
			sections = append(sections, budget.Section{
				Name: "current content of " + step.Path,
				Text: existing + "\nPrefer targeted edits to this content over a full rewrite. Preserve behavior that passing criteria depend on.",
				Weight: 4, HardCap: 4096,
			})
		}
	}

	task := fmt.Sprintf("Write the complete content of %s.", step.Path)
	if step.Summary != "" {
		task += " Purpose: " + step.Summary
	}
	sections = append(sections, budget.Section{Name: "file to write", Text: task, Weight: 4, HardCap: 512})
	return sections
}

func (b *Builder) artifact(in Input, step model.BuildStep, content string, temp float32) model.BuildArtifact {
	return model.BuildArtifact{
		Path:        step.Path,
		Content:     content,
		Model:       b.gw.Model(),
		Temperature: temp,
		Iteration:   in.Iteration,
		CreatedAt:   time.Now().UTC(),
	}
}

func renderEdits(rca *model.RCAResult) string {
	var b strings.Builder
	b.WriteString("Apply these edits from the failure diagnosis. They are mandatory.\n")
	b.WriteString("Root cause: " + rca.RootCause + "\n")
	for _, e := range rca.Edits {
		fmt.Fprintf(&b, "- %s %s: %s\n", e.Action, e.File, e.Detail)
	}
	return b.String()
}

func renderPassing(passing []model.DoDCriterion) string {
	var b strings.Builder
	b.WriteString("These criteria already pass. Do not break them:\n")
	for _, c := range passing {
		fmt.Fprintf(&b, "- [%s] %s\n", c.ID, c.Description)
	}
	return b.String()
}

func contains(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}
