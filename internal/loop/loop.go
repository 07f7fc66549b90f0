// Package loop runs the plan-build-verify-repair cycle for one task
// until every criterion passes or a budget runs out.
package loop

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/masonhq/mason/internal/builder"
	"github.com/masonhq/mason/internal/config"
	"github.com/masonhq/mason/internal/db"
	"github.com/masonhq/mason/internal/gitx"
	"github.com/masonhq/mason/internal/memory"
	"github.com/masonhq/mason/internal/model"
	"github.com/masonhq/mason/internal/planner"
	"github.com/masonhq/mason/internal/snapshot"
	"github.com/masonhq/mason/internal/workspace"
)

// The loop depends on each phase through a narrow interface so tests
// can script phases without a model endpoint.
type planPhase interface {
	Generate(ctx context.Context, task model.Task, iteration int, memoryRendered string, rep *planner.ReplanContext) (model.Plan, error)
}

type buildPhase interface {
	Build(ctx context.Context, in builder.Input) ([]model.BuildArtifact, error)
}

type verifyPhase interface {
	Verify(ctx context.Context, plan model.Plan, iteration int) (model.VerificationReport, error)
}

type rcaPhase interface {
	Analyze(ctx context.Context, plan model.Plan, report model.VerificationReport) (model.RCAResult, error)
}

// Loop orchestrates one run.
type Loop struct {
	cfg      config.Config
	masonDir string
	ws       *workspace.Workspace
	store    *db.Store

	planner  planPhase
	builder  buildPhase
	verifier verifyPhase
	rca      rcaPhase
}

// Result summarizes a completed run.
type Result struct {
	RunID         string
	Status        model.RunStatus
	Iterations    int
	PassCount     int
	CriteriaCount int
	Report        model.VerificationReport
	RCA           *model.RCAResult
}

// New wires a Loop from its phases.
func New(cfg config.Config, masonDir string, ws *workspace.Workspace, store *db.Store, p planPhase, b buildPhase, v verifyPhase, r rcaPhase) *Loop {
	return &Loop{
		cfg:      cfg,
		masonDir: masonDir,
		ws:       ws,
		store:    store,
		planner:  p,
		builder:  b,
		verifier: v,
		rca:      r,
	}
}

func newRunID() (string, error) {
	buf := make([]byte, 3)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("run id: %w", err)
	}
	ts := time.Now().UTC().Format("20060102-150405")
	return fmt.Sprintf("%s-%s", ts, hex.EncodeToString(buf)), nil
}

// Run executes the loop for one task. The returned Result always names
// a terminal status; err is non-nil only for infrastructure failures
// that prevented the loop from reaching one.
func (l *Loop) Run(ctx context.Context, task model.Task) (res Result, err error) {
	lock, ok, err := TryAcquireRunLock(l.masonDir)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return Result{}, fmt.Errorf("another run is active in %s", l.masonDir)
	}
	defer func() { _ = lock.Release() }()

	runID, err := newRunID()
	if err != nil {
		return Result{}, err
	}
	runDir := filepath.Join(l.masonDir, "runs", runID)
	if err := os.MkdirAll(filepath.Join(runDir, "iterations"), 0o755); err != nil {
		return Result{}, fmt.Errorf("create run dir: %w", err)
	}
	if err := l.store.CreateRun(ctx, runID, task.ID, task.Description, runDir); err != nil {
		return Result{}, err
	}
	defer l.logFinished(runID, time.Now(), &res)

	l.initGit(ctx)

	res = l.iterate(ctx, runID, runDir, task, resumeState{start: 1})
	res.RunID = runID
	l.finish(ctx, runID, res)
	return res, nil
}

// Resume continues an interrupted run from its last persisted phase
// instead of restarting the task. The run must exist and must not have
// reached a terminal status.
func (l *Loop) Resume(ctx context.Context, runID string) (res Result, err error) {
	lock, ok, err := TryAcquireRunLock(l.masonDir)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return Result{}, fmt.Errorf("another run is active in %s", l.masonDir)
	}
	defer func() { _ = lock.Release() }()

	rec, found, err := l.store.GetRun(ctx, runID)
	if err != nil {
		return Result{}, err
	}
	if !found {
		return Result{}, fmt.Errorf("unknown run %s", runID)
	}
	if model.RunStatus(rec.Status).Terminal() {
		return Result{}, fmt.Errorf("run %s already ended %s", runID, rec.Status)
	}

	runDir := rec.RunDir
	if runDir == "" {
		runDir = filepath.Join(l.masonDir, "runs", runID)
	}
	if err := os.MkdirAll(filepath.Join(runDir, "iterations"), 0o755); err != nil {
		return Result{}, fmt.Errorf("create run dir: %w", err)
	}
	defer l.logFinished(runID, time.Now(), &res)

	l.initGit(ctx)

	rs := l.resumePoint(ctx, runID)
	log.Info().Str("run_id", runID).Int("iteration", rs.start).Msg("resuming run")
	if dbErr := l.store.AddEvent(ctx, runID, db.Event{
		Type:    "run_resumed",
		Message: fmt.Sprintf("resumed at iteration %d", rs.start),
	}); dbErr != nil {
		log.Warn().Err(dbErr).Msg("record resume event")
	}

	task := model.Task{ID: rec.TaskID, Description: rec.Goal}
	res = l.iterate(ctx, runID, runDir, task, rs)
	res.RunID = runID
	l.finish(ctx, runID, res)
	return res, nil
}

func (l *Loop) finish(ctx context.Context, runID string, res Result) {
	update := db.Update{
		Iteration:     res.Iterations,
		Status:        string(res.Status),
		PassCount:     res.PassCount,
		CriteriaCount: res.CriteriaCount,
	}
	event := &db.Event{Type: "run_" + string(res.Status), Message: statusMessage(res)}
	if dbErr := l.store.UpdateRun(ctx, runID, update, event); dbErr != nil {
		log.Warn().Err(dbErr).Msg("persist final run state")
	}
}

func (l *Loop) logFinished(runID string, startedAt time.Time, res *Result) {
	log.Info().
		Str("run_id", runID).
		Str("status", string(res.Status)).
		Int("iterations", res.Iterations).
		Dur("duration", time.Since(startedAt)).
		Msg("run finished")
}

// resumeState is where an interrupted run picks back up.
type resumeState struct {
	start   int
	rep     *planner.ReplanContext
	lastRCA *model.RCAResult
}

// resumePoint reconstructs the loop position from persisted phases. A
// completed verify (or its rca) means the iteration finished its check,
// so the loop picks up at the next one with the saved replan context; a
// crash mid-iteration redoes that iteration with the prior context.
func (l *Loop) resumePoint(ctx context.Context, runID string) resumeState {
	iter, phase, ok, err := l.store.LastPhase(ctx, runID)
	if err != nil {
		log.Warn().Err(err).Msg("read last phase, restarting at iteration 1")
		return resumeState{start: 1}
	}
	if !ok {
		return resumeState{start: 1}
	}
	if phase == "verify" || phase == "rca" {
		if rep, rcaResult := l.loadReplanContext(ctx, runID, iter); rep != nil {
			return resumeState{start: iter + 1, rep: rep, lastRCA: rcaResult}
		}
	}
	rep, rcaResult := l.loadReplanContext(ctx, runID, iter-1)
	return resumeState{start: iter, rep: rep, lastRCA: rcaResult}
}

// loadReplanContext rebuilds the planner's replan input from one
// iteration's persisted plan, report, and diagnosis.
func (l *Loop) loadReplanContext(ctx context.Context, runID string, iter int) (*planner.ReplanContext, *model.RCAResult) {
	if iter < 1 {
		return nil, nil
	}
	var plan model.Plan
	data, ok, err := l.store.LoadPhase(ctx, runID, iter, "plan")
	if err != nil || !ok || json.Unmarshal(data, &plan) != nil {
		return nil, nil
	}
	var report model.VerificationReport
	data, ok, err = l.store.LoadPhase(ctx, runID, iter, "verify")
	if err != nil || !ok || json.Unmarshal(data, &report) != nil {
		return nil, nil
	}
	var rcaResult *model.RCAResult
	if data, ok, err := l.store.LoadPhase(ctx, runID, iter, "rca"); err == nil && ok {
		var r model.RCAResult
		if json.Unmarshal(data, &r) == nil {
			rcaResult = &r
		}
	}
	return &planner.ReplanContext{Prev: plan, Report: report, RCA: rcaResult}, rcaResult
}

// initGit makes sure the workspace has a git history so the RCA engine
// can show diffs and backup commits can be taken before retries.
func (l *Loop) initGit(ctx context.Context) {
	root := l.ws.Root()
	if gitx.Available(ctx, root) {
		return
	}
	if err := gitx.Init(ctx, root); err != nil {
		log.Warn().Err(err).Msg("git init failed, continuing without diffs")
		return
	}
	if err := gitx.BackupCommit(ctx, root, "initial state"); err != nil {
		log.Debug().Err(err).Msg("initial backup commit")
	}
}

func (l *Loop) iterate(ctx context.Context, runID, runDir string, task model.Task, rs resumeState) Result {
	mem := memory.Load(ctx, l.store, runID)
	arena := snapshot.NewArena()

	var (
		rep         = rs.rep
		lastFP      model.FailureFingerprint
		fpStreak    int
		res         Result
		lastRCA     = rs.lastRCA
		lastPassing []model.DoDCriterion
	)
	start := rs.start
	if start < 1 {
		start = 1
	}
	if rep != nil {
		lastPassing = passingCriteria(rep.Prev, rep.Report)
	}
	if start > 1 {
		log.Info().Int("remembered_iterations", mem.Len()).Msg("loaded run memory")
		// The streak restarts at one; only the last fingerprint survives
		// an interruption.
		if last, ok := mem.Last(); ok && last.Fingerprint != "" {
			lastFP = model.FailureFingerprint(last.Fingerprint)
			fpStreak = 1
		}
	}

	for iteration := start; iteration <= l.cfg.Budgets.MaxIterations; iteration++ {
		res.Iterations = iteration
		if ctx.Err() != nil {
			res.Status = model.StatusCancelled
			return res
		}

		// PLAN
		plan, err := l.planner.Generate(ctx, task, iteration, mem.Render(l.cfg.Budgets.MemoryTokens), rep)
		if err != nil {
			if ctx.Err() != nil {
				res.Status = model.StatusCancelled
				return res
			}
			// Malformed planner output is recoverable on a replan: the
			// previous plan still describes the task.
			if rep == nil || !recoverable(err) {
				return l.fatal(res, err)
			}
			log.Warn().Err(err).Msg("replan failed, reusing previous plan")
			plan = rep.Prev
			plan.Iteration = iteration
		}
		res.CriteriaCount = len(plan.Criteria)
		l.savePhase(ctx, runID, runDir, iteration, "plan", plan)
		l.updateProgress(ctx, runID, "planned", iteration, res.PassCount, len(plan.Criteria))

		if ctx.Err() != nil {
			res.Status = model.StatusCancelled
			return res
		}

		// Regression protection: snapshot the valid tree before any
		// retry build touches it.
		var snap *snapshot.Snapshot
		if iteration > 1 {
			snap, err = snapshot.Take(ctx, l.ws, arena, iteration)
			if err != nil {
				return l.fatal(res, fmt.Errorf("%w: %v", model.ErrWorkspaceCorruption, err))
			}
			if err := gitx.BackupCommit(ctx, l.ws.Root(), fmt.Sprintf("before iteration %d", iteration)); err != nil {
				log.Debug().Err(err).Msg("backup commit")
			}
		}

		// BUILD
		artifacts, err := l.builder.Build(ctx, builder.Input{
			Task:        task,
			Plan:        plan,
			Iteration:   iteration,
			RCA:         lastRCA,
			Passing:     lastPassing,
			Memory:      mem.Render(l.cfg.Budgets.MemoryTokens),
			FullRewrite: fpStreak >= 2,
		})
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				res.Status = model.StatusCancelled
				return res
			}
			if !recoverable(err) {
				return l.fatal(res, err)
			}
			// A botched generation is a failed iteration, not the end of
			// the run: verify whatever is on disk and let RCA see it.
			log.Warn().Err(err).Int("built", len(artifacts)).Msg("build failed, verifying workspace as-is")
		}
		l.savePhase(ctx, runID, runDir, iteration, "build", artifacts)

		if snap != nil {
			restored, err := snap.RestoreRegressed(ctx, l.ws)
			if err != nil {
				return l.fatal(res, fmt.Errorf("%w: %v", model.ErrWorkspaceCorruption, err))
			}
			if len(restored) > 0 {
				log.Info().Strs("files", restored).Msg("restored regressed files from snapshot")
			}
		}
		arena.Discard(iteration - 1)

		if ctx.Err() != nil {
			res.Status = model.StatusCancelled
			return res
		}

		// VERIFY
		report, err := l.verifier.Verify(ctx, plan, iteration)
		if err != nil {
			return l.fatal(res, err)
		}
		res.Report = report
		res.PassCount = report.PassCount()
		l.savePhase(ctx, runID, runDir, iteration, "verify", report)
		l.updateProgress(ctx, runID, "verified", iteration, report.PassCount(), len(plan.Criteria))
		l.writeProgress(runDir, task, iteration, plan, report, lastRCA)

		if report.AllPassed() {
			res.Status = model.StatusSuccess
			l.appendMemory(ctx, mem, iteration, plan, artifacts, report, nil, "")
			return res
		}

		fp := model.Fingerprint(report)
		if fp == lastFP {
			fpStreak++
		} else {
			lastFP = fp
			fpStreak = 1
		}
		if fpStreak >= l.cfg.Budgets.StuckWindow {
			log.Warn().Str("fingerprint", string(fp)).Int("repeats", fpStreak).Msg("identical failure repeating, stopping")
			res.Status = model.StatusStuck
			l.appendMemory(ctx, mem, iteration, plan, artifacts, report, lastRCA, fp)
			return res
		}

		if ctx.Err() != nil {
			res.Status = model.StatusCancelled
			return res
		}

		// RCA
		rcaResult, err := l.rca.Analyze(ctx, plan, report)
		if err != nil {
			// A failed diagnosis degrades the next plan but does not end
			// the run; the failing criteria still carry the raw output.
			log.Warn().Err(err).Msg("rca failed, replanning without diagnosis")
			lastRCA = nil
		} else {
			lastRCA = &rcaResult
			res.RCA = lastRCA
			l.savePhase(ctx, runID, runDir, iteration, "rca", rcaResult)
		}

		l.appendMemory(ctx, mem, iteration, plan, artifacts, report, lastRCA, fp)

		lastPassing = passingCriteria(plan, report)
		rep = &planner.ReplanContext{Prev: plan, Report: report, RCA: lastRCA}
	}

	res.Status = model.StatusExhausted
	return res
}

// recoverable reports whether a phase error can be absorbed by the loop.
// Infrastructure failures end the run; malformed model output does not.
func recoverable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, model.ErrModelUnavailable) || errors.Is(err, model.ErrWorkspaceCorruption) {
		return false
	}
	return true
}

func (l *Loop) fatal(res Result, err error) Result {
	log.Error().Err(err).Msg("run failed")
	res.Status = model.StatusFatal
	return res
}

func (l *Loop) savePhase(ctx context.Context, runID, runDir string, iteration int, phase string, payload any) {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		log.Warn().Err(err).Str("phase", phase).Msg("encode phase payload")
		return
	}
	if err := l.store.SavePhase(ctx, runID, iteration, phase, data); err != nil {
		log.Warn().Err(err).Str("phase", phase).Msg("persist phase")
	}
	name := fmt.Sprintf("iter-%02d-%s.json", iteration, phase)
	if err := os.WriteFile(filepath.Join(runDir, "iterations", name), data, 0o644); err != nil {
		log.Warn().Err(err).Str("phase", phase).Msg("write phase file")
	}
}

func (l *Loop) updateProgress(ctx context.Context, runID, phase string, iteration, passCount, criteriaCount int) {
	update := db.Update{
		Iteration:     iteration,
		Status:        string(model.StatusRunning),
		PassCount:     passCount,
		CriteriaCount: criteriaCount,
	}
	event := &db.Event{
		Type:    phase,
		Message: fmt.Sprintf("iteration %d %s: %d/%d criteria passing", iteration, phase, passCount, criteriaCount),
	}
	if err := l.store.UpdateRun(ctx, runID, update, event); err != nil {
		log.Warn().Err(err).Msg("persist progress")
	}
}

func (l *Loop) appendMemory(ctx context.Context, mem *memory.Memory, iteration int, plan model.Plan, artifacts []model.BuildArtifact, report model.VerificationReport, rcaResult *model.RCAResult, fp model.FailureFingerprint) {
	entry := model.IterationSummary{
		Iteration:    iteration,
		PlanDigest:   fmt.Sprintf("%s (%d steps, %d criteria)", plan.Summary, len(plan.Steps), len(plan.Criteria)),
		BuildDigest:  fmt.Sprintf("built %d files", len(artifacts)),
		VerifyDigest: fmt.Sprintf("%d/%d passed, dominant failure: %s", report.PassCount(), len(report.Results), report.DominantCategory()),
		Fingerprint:  string(fp),
		CreatedAt:    time.Now().UTC(),
	}
	if rcaResult != nil {
		entry.RCADigest = rcaResult.RootCause
	}
	if err := mem.Append(ctx, entry); err != nil {
		log.Warn().Err(err).Msg("append iteration memory")
	}
}

func passingCriteria(plan model.Plan, report model.VerificationReport) []model.DoDCriterion {
	var out []model.DoDCriterion
	for _, res := range report.Results {
		if res.Status != model.CriterionPass {
			continue
		}
		if c, ok := plan.Criterion(res.CriterionID); ok {
			out = append(out, c)
		}
	}
	return out
}

func statusMessage(res Result) string {
	switch res.Status {
	case model.StatusSuccess:
		return fmt.Sprintf("all %d criteria pass", res.CriteriaCount)
	case model.StatusStuck:
		return "identical failure repeated past the stuck window"
	case model.StatusExhausted:
		return fmt.Sprintf("iteration budget spent with %d/%d criteria passing", res.PassCount, res.CriteriaCount)
	case model.StatusCancelled:
		return "cancelled between phases"
	default:
		return "unrecoverable error"
	}
}
