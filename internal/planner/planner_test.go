package planner

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/masonhq/mason/internal/gateway"
	"github.com/masonhq/mason/internal/model"
)

type stubGateway struct {
	replies []string
	reqs    []gateway.Request
}

func (s *stubGateway) Generate(_ context.Context, req gateway.Request) (gateway.Response, error) {
	s.reqs = append(s.reqs, req)
	reply := s.replies[0]
	if len(s.replies) > 1 {
		s.replies = s.replies[1:]
	}
	return gateway.Response{Kind: gateway.Structured, Object: json.RawMessage(reply)}, nil
}

func (s *stubGateway) ContextWindow() int { return 16384 }
func (s *stubGateway) Model() string      { return "stub" }

const goodPlan = `{
  "summary": "build a stack module",
  "steps": [
    {"path": "stack.py", "role": "source", "summary": "stack implementation"},
    {"path": "test_stack.py", "role": "test", "depends_on": ["stack.py"]}
  ],
  "criteria": [
    {"id": "AC1", "description": "stack.py exists", "verification_type": "file-exists", "target_file": "stack.py"},
    {"id": "AC2", "description": "tests pass", "verification_type": "test-pass", "target_file": "test_stack.py"}
  ]
}`

func task() model.Task {
	return model.Task{ID: "t1", Description: "build a stack module", CreatedAt: time.Now()}
}

func TestGenerateParsesPlan(t *testing.T) {
	gw := &stubGateway{replies: []string{goodPlan}}
	plan, err := New(gw).Generate(context.Background(), task(), 1, "", nil)
	require.NoError(t, err)

	assert.Equal(t, "t1", plan.TaskID)
	assert.Equal(t, 1, plan.Iteration)
	require.Len(t, plan.Steps, 2)
	assert.Equal(t, model.RoleSource, plan.Steps[0].Role)
	assert.Equal(t, model.RoleTest, plan.Steps[1].Role)
	assert.Equal(t, []string{"stack.py"}, plan.Steps[1].DependsOn)
	require.Len(t, plan.Criteria, 2)
	assert.Equal(t, model.CheckTestPass, plan.Criteria[1].Kind)
}

func TestGenerateRetriesOnceOnEmptyPlan(t *testing.T) {
	empty := `{"summary": "nothing", "steps": [], "criteria": []}`
	gw := &stubGateway{replies: []string{empty, goodPlan}}
	plan, err := New(gw).Generate(context.Background(), task(), 1, "", nil)
	require.NoError(t, err)

	assert.Len(t, gw.reqs, 2)
	assert.Len(t, plan.Steps, 2)
	// Retry carries a corrective section.
	last := gw.reqs[1].Sections[len(gw.reqs[1].Sections)-1]
	assert.Equal(t, "correction", last.Name)
	assert.Contains(t, last.Text, "no build steps")
}

func TestGenerateFailsAfterSecondEmptyPlan(t *testing.T) {
	empty := `{"summary": "nothing", "steps": [{"path": "a.py", "role": "source"}], "criteria": []}`
	gw := &stubGateway{replies: []string{empty}}
	_, err := New(gw).Generate(context.Background(), task(), 1, "", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after retry")
	assert.Len(t, gw.reqs, 2)
}

func TestGenerateMergesDuplicateTargets(t *testing.T) {
	dup := `{
	  "summary": "dup",
	  "steps": [
	    {"path": "app.py", "role": "source", "depends_on": ["util.py"]},
	    {"path": "util.py", "role": "source"},
	    {"path": "app.py", "role": "source", "depends_on": ["config.py"]}
	  ],
	  "criteria": [
	    {"description": "app.py exists", "verification_type": "file-exists", "target_file": "app.py"}
	  ]
	}`
	gw := &stubGateway{replies: []string{dup}}
	plan, err := New(gw).Generate(context.Background(), task(), 1, "", nil)
	require.NoError(t, err)

	require.Len(t, plan.Steps, 2)
	assert.Equal(t, "app.py", plan.Steps[0].Path)
	assert.ElementsMatch(t, []string{"util.py", "config.py"}, plan.Steps[0].DependsOn)
}

func TestGenerateAssignsMissingCriterionIDs(t *testing.T) {
	noIDs := `{
	  "summary": "ids",
	  "steps": [{"path": "a.py", "role": "source"}],
	  "criteria": [
	    {"description": "exists", "verification_type": "file-exists", "target_file": "a.py"},
	    {"description": "runs", "verification_type": "command", "command": "python3 a.py"}
	  ]
	}`
	gw := &stubGateway{replies: []string{noIDs}}
	plan, err := New(gw).Generate(context.Background(), task(), 1, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "AC1", plan.Criteria[0].ID)
	assert.Equal(t, "AC2", plan.Criteria[1].ID)
}

func TestReplanPreservesPassingCriteriaVerbatim(t *testing.T) {
	prev := model.Plan{
		TaskID:    "t1",
		Iteration: 1,
		Criteria: []model.DoDCriterion{
			{ID: "AC1", Description: "stack.py exists", Kind: model.CheckFileExists, TargetFile: "stack.py"},
			{ID: "AC2", Description: "tests pass", Kind: model.CheckTestPass, TargetFile: "test_stack.py"},
		},
	}
	report := model.VerificationReport{
		Iteration: 1,
		Results: []model.CriterionResult{
			{CriterionID: "AC1", Status: model.CriterionPass},
			{CriterionID: "AC2", Status: model.CriterionFail},
		},
	}
	// The model reworded the passing criterion; the original wording wins.
	reworded := `{
	  "summary": "fix tests",
	  "steps": [{"path": "stack.py", "role": "source"}, {"path": "test_stack.py", "role": "test"}],
	  "criteria": [
	    {"id": "AC1", "description": "the stack source file is present", "verification_type": "file-exists", "target_file": "stack.py"},
	    {"id": "AC2", "description": "pytest succeeds", "verification_type": "test-pass", "target_file": "test_stack.py"}
	  ]
	}`
	gw := &stubGateway{replies: []string{reworded}}
	plan, err := New(gw).Generate(context.Background(), task(), 2, "", &ReplanContext{Prev: prev, Report: report})
	require.NoError(t, err)

	c, ok := plan.Criterion("AC1")
	require.True(t, ok)
	assert.Equal(t, "stack.py exists", c.Description)
}

func TestReplanReinsertsDroppedPassingCriterion(t *testing.T) {
	prev := model.Plan{
		Criteria: []model.DoDCriterion{
			{ID: "AC1", Description: "stack.py exists", Kind: model.CheckFileExists, TargetFile: "stack.py"},
			{ID: "AC2", Description: "tests pass", Kind: model.CheckTestPass, TargetFile: "test_stack.py"},
		},
	}
	report := model.VerificationReport{
		Results: []model.CriterionResult{
			{CriterionID: "AC1", Status: model.CriterionPass},
			{CriterionID: "AC2", Status: model.CriterionFail},
		},
	}
	dropped := `{
	  "summary": "fix tests",
	  "steps": [{"path": "test_stack.py", "role": "test"}],
	  "criteria": [
	    {"id": "AC2", "description": "tests pass", "verification_type": "test-pass", "target_file": "test_stack.py"}
	  ]
	}`
	gw := &stubGateway{replies: []string{dropped}}
	plan, err := New(gw).Generate(context.Background(), task(), 2, "", &ReplanContext{Prev: prev, Report: report})
	require.NoError(t, err)

	_, ok := plan.Criterion("AC1")
	assert.True(t, ok, "passing criterion must survive a replan")
	assert.Len(t, plan.Criteria, 2)
}

func TestReplanCapsCriteriaCount(t *testing.T) {
	prev := model.Plan{
		Criteria: []model.DoDCriterion{
			{ID: "AC1", Description: "stack.py exists", Kind: model.CheckFileExists, TargetFile: "stack.py"},
		},
	}
	report := model.VerificationReport{
		Results: []model.CriterionResult{{CriterionID: "AC1", Status: model.CriterionFail}},
	}
	inflated := `{
	  "summary": "more criteria",
	  "steps": [{"path": "stack.py", "role": "source"}],
	  "criteria": [
	    {"id": "AC1", "description": "stack.py exists", "verification_type": "file-exists", "target_file": "stack.py"},
	    {"id": "AC2", "description": "extra thing", "verification_type": "command", "command": "true"},
	    {"id": "AC3", "description": "another extra", "verification_type": "command", "command": "true"}
	  ]
	}`
	gw := &stubGateway{replies: []string{inflated}}
	plan, err := New(gw).Generate(context.Background(), task(), 2, "", &ReplanContext{Prev: prev, Report: report})
	require.NoError(t, err)
	assert.Len(t, plan.Criteria, 1)
}

func TestReplanCapHoldsWhenPassingCriterionReinserted(t *testing.T) {
	prev := model.Plan{
		Criteria: []model.DoDCriterion{
			{ID: "AC1", Description: "stack.py exists", Kind: model.CheckFileExists, TargetFile: "stack.py"},
			{ID: "AC2", Description: "tests pass", Kind: model.CheckTestPass, TargetFile: "test_stack.py"},
		},
	}
	report := model.VerificationReport{
		Results: []model.CriterionResult{
			{CriterionID: "AC1", Status: model.CriterionPass},
			{CriterionID: "AC2", Status: model.CriterionFail},
		},
	}
	// The replan drops the passing AC1 and proposes two new criteria; the
	// reinserted AC1 must not push the count past the previous scope.
	replaced := `{
	  "summary": "new angle",
	  "steps": [{"path": "stack.py", "role": "source"}],
	  "criteria": [
	    {"id": "AC3", "description": "stack handles empty pop", "verification_type": "command", "command": "true"},
	    {"id": "AC4", "description": "stack handles push", "verification_type": "command", "command": "true"}
	  ]
	}`
	gw := &stubGateway{replies: []string{replaced}}
	plan, err := New(gw).Generate(context.Background(), task(), 2, "", &ReplanContext{Prev: prev, Report: report})
	require.NoError(t, err)

	assert.Len(t, plan.Criteria, 2)
	c, ok := plan.Criterion("AC1")
	require.True(t, ok, "passing criterion must survive a replan")
	assert.Equal(t, "stack.py exists", c.Description)
	_, ok = plan.Criterion("AC3")
	assert.True(t, ok, "first new criterion fills the remaining slot")
	_, ok = plan.Criterion("AC4")
	assert.False(t, ok, "second new criterion exceeds the previous scope")
}

func TestReplanSectionsIncludeFailureContext(t *testing.T) {
	prev := model.Plan{
		Criteria: []model.DoDCriterion{
			{ID: "AC1", Description: "tests pass", Kind: model.CheckTestPass, TargetFile: "test_stack.py"},
		},
	}
	report := model.VerificationReport{
		Results: []model.CriterionResult{
			{CriterionID: "AC1", Description: "tests pass", Status: model.CriterionFail, Stderr: "AssertionError: pop order"},
		},
	}
	rca := &model.RCAResult{
		RootCause: "pop returns oldest element instead of newest",
		Whys:      []string{"a", "b", "c", "d", "e"},
		Edits: []model.ConcreteEdit{
			{File: "stack.py", Action: model.EditModify, Detail: "pop must remove from the end of the list"},
		},
	}
	gw := &stubGateway{replies: []string{goodPlan}}
	_, err := New(gw).Generate(context.Background(), task(), 2, "history", &ReplanContext{Prev: prev, Report: report, RCA: rca})
	require.NoError(t, err)

	names := map[string]string{}
	for _, s := range gw.reqs[0].Sections {
		names[s.Name] = s.Text
	}
	assert.Contains(t, names["failed criteria"], "AssertionError")
	assert.Contains(t, names["root cause analysis"], "pop returns oldest")
	assert.Contains(t, names["iteration history"], "history")
}
