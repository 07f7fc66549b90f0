// Package model defines the data types shared across the mason loop.
package model

import "time"

// Task is the immutable natural-language request a run works on.
type Task struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// StepRole classifies a build step target.
type StepRole string

const (
	RoleSource StepRole = "source"
	RoleTest   StepRole = "test"
)

// BuildStep is one planned file to generate.
type BuildStep struct {
	Path      string   `json:"path"`
	DependsOn []string `json:"depends_on,omitempty"`
	Role      StepRole `json:"role"`
	Summary   string   `json:"summary,omitempty"`
}

// CriterionKind says how a DoD criterion is checked.
type CriterionKind string

const (
	CheckCommand    CriterionKind = "command"
	CheckFileExists CriterionKind = "file-exists"
	CheckTestPass   CriterionKind = "test-pass"
)

// DoDCriterion is a mechanically checkable definition-of-done entry.
// Command is required for CheckCommand; TargetFile for CheckFileExists.
type DoDCriterion struct {
	ID          string        `json:"id"`
	Description string        `json:"description"`
	Kind        CriterionKind `json:"verification_type"`
	TargetFile  string        `json:"target_file,omitempty"`
	Command     string        `json:"command,omitempty"`
}

// Plan is one iteration's build plan. Plans are superseded on replan,
// never mutated; prior plans stay in memory for audit.
type Plan struct {
	TaskID    string         `json:"task_id"`
	Iteration int            `json:"iteration"`
	Summary   string         `json:"summary,omitempty"`
	Steps     []BuildStep    `json:"steps"`
	Criteria  []DoDCriterion `json:"criteria"`
	CreatedAt time.Time      `json:"created_at"`
}

// TargetPaths returns the planned file paths in step order.
func (p Plan) TargetPaths() []string {
	out := make([]string, 0, len(p.Steps))
	for _, s := range p.Steps {
		out = append(out, s.Path)
	}
	return out
}

// Criterion looks up a criterion by id.
func (p Plan) Criterion(id string) (DoDCriterion, bool) {
	for _, c := range p.Criteria {
		if c.ID == id {
			return c, true
		}
	}
	return DoDCriterion{}, false
}

// BuildArtifact records one generated file for one iteration.
type BuildArtifact struct {
	Path        string    `json:"path"`
	Content     string    `json:"content"`
	Model       string    `json:"model"`
	Temperature float32   `json:"temperature"`
	Iteration   int       `json:"iteration"`
	CreatedAt   time.Time `json:"created_at"`
}

// CriterionStatus is the verification outcome for a single criterion.
type CriterionStatus string

const (
	CriterionPass  CriterionStatus = "pass"
	CriterionFail  CriterionStatus = "fail"
	CriterionError CriterionStatus = "error"
)

// CriterionResult is the per-criterion entry of a VerificationReport.
type CriterionResult struct {
	CriterionID string          `json:"criterion_id"`
	Description string          `json:"description"`
	Status      CriterionStatus `json:"status"`
	Stdout      string          `json:"stdout,omitempty"`
	Stderr      string          `json:"stderr,omitempty"`
	ExitCode    int             `json:"exit_code"`
	Category    ErrorCategory   `json:"category,omitempty"`
}

// VerificationReport holds one result per plan criterion.
type VerificationReport struct {
	Iteration     int               `json:"iteration"`
	Results       []CriterionResult `json:"results"`
	SyntaxFailure *SyntaxError      `json:"syntax_failure,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// PassCount counts passing criteria.
func (r VerificationReport) PassCount() int {
	n := 0
	for _, res := range r.Results {
		if res.Status == CriterionPass {
			n++
		}
	}
	return n
}

// AllPassed reports whether every criterion passed.
func (r VerificationReport) AllPassed() bool {
	return len(r.Results) > 0 && r.PassCount() == len(r.Results)
}

// FailingIDs returns the ids of non-passing criteria, in report order.
func (r VerificationReport) FailingIDs() []string {
	var out []string
	for _, res := range r.Results {
		if res.Status != CriterionPass {
			out = append(out, res.CriterionID)
		}
	}
	return out
}

// DominantCategory picks the most significant error category present in
// the report. Syntax errors trump timeouts, timeouts trump plain failures.
func (r VerificationReport) DominantCategory() ErrorCategory {
	if r.SyntaxFailure != nil {
		return CategorySyntax
	}
	best := CategoryNone
	for _, res := range r.Results {
		if res.Status == CriterionPass {
			continue
		}
		if res.Category.rank() > best.rank() {
			best = res.Category
		}
	}
	return best
}

// EditAction is what a concrete RCA edit does to a file.
type EditAction string

const (
	EditAdd    EditAction = "add"
	EditModify EditAction = "modify"
	EditDelete EditAction = "delete"
)

// ConcreteEdit is a file-scoped fix instruction from RCA.
type ConcreteEdit struct {
	File   string     `json:"file"`
	Action EditAction `json:"action"`
	Detail string     `json:"detail"`
}

// RCAResult is the structured diagnosis of a failed iteration.
type RCAResult struct {
	Whys      []string       `json:"whys"`
	RootCause string         `json:"root_cause"`
	Edits     []ConcreteEdit `json:"concrete_edits"`
	CreatedAt time.Time      `json:"created_at"`
}

// IterationSummary is one conversation-memory entry.
type IterationSummary struct {
	Iteration    int       `json:"iteration"`
	PlanDigest   string    `json:"plan_digest"`
	BuildDigest  string    `json:"build_digest"`
	VerifyDigest string    `json:"verify_digest"`
	RCADigest    string    `json:"rca_digest,omitempty"`
	Fingerprint  string    `json:"fingerprint,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// RunStatus is a terminal or in-flight run state.
type RunStatus string

const (
	StatusRunning   RunStatus = "running"
	StatusSuccess   RunStatus = "success"
	StatusStuck     RunStatus = "stuck"
	StatusExhausted RunStatus = "exhausted"
	StatusCancelled RunStatus = "cancelled"
	StatusFatal     RunStatus = "fatal"
)

// Terminal reports whether the status ends the loop.
func (s RunStatus) Terminal() bool {
	return s != StatusRunning && s != ""
}
