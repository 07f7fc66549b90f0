package loop

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/masonhq/mason/internal/model"
)

// writeProgress rewrites the run's progress.md after each verification
// so a human can follow the run without reading the database.
func (l *Loop) writeProgress(runDir string, task model.Task, iteration int, plan model.Plan, report model.VerificationReport, rcaResult *model.RCAResult) {
	var b strings.Builder
	fmt.Fprintf(&b, "# Run progress\n\n")
	fmt.Fprintf(&b, "**Task:** %s\n\n", task.Description)
	fmt.Fprintf(&b, "**Updated:** %s\n\n", time.Now().UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "## Iteration %d — %d/%d criteria passing\n\n", iteration, report.PassCount(), len(report.Results))

	if report.SyntaxFailure != nil {
		fmt.Fprintf(&b, "Verification stopped early: %s\n\n", report.SyntaxFailure.Error())
	}

	b.WriteString("| criterion | status |\n|---|---|\n")
	for _, res := range report.Results {
		desc := res.Description
		if desc == "" {
			if c, ok := plan.Criterion(res.CriterionID); ok {
				desc = c.Description
			}
		}
		fmt.Fprintf(&b, "| [%s] %s | %s |\n", res.CriterionID, desc, res.Status)
	}
	b.WriteString("\n")

	if rcaResult != nil {
		fmt.Fprintf(&b, "## Last diagnosis\n\n%s\n\n", rcaResult.RootCause)
		for _, e := range rcaResult.Edits {
			fmt.Fprintf(&b, "- %s %s: %s\n", e.Action, e.File, e.Detail)
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "## Planned files\n\n")
	for _, step := range plan.Steps {
		fmt.Fprintf(&b, "- %s (%s)\n", step.Path, step.Role)
	}

	path := filepath.Join(runDir, "progress.md")
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		log.Warn().Err(err).Msg("write progress.md")
	}
}
