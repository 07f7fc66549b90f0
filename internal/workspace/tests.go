package workspace

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/masonhq/mason/internal/executor"
)

// TestOutcome is the parsed result of one pytest invocation.
type TestOutcome struct {
	Passed   int
	Failed   int
	Errors   int
	ExitCode int
	TimedOut bool
	Output   string
}

// AllPassed reports whether the run executed at least one test and every
// one of them passed.
func (o TestOutcome) AllPassed() bool {
	return !o.TimedOut && o.ExitCode == 0 && o.Passed > 0 && o.Failed == 0 && o.Errors == 0
}

var (
	passedRe = regexp.MustCompile(`(\d+) passed`)
	failedRe = regexp.MustCompile(`(\d+) failed`)
	errorRe  = regexp.MustCompile(`(\d+) error`)
)

// RunTests executes one test file under pytest and parses the summary
// counts out of its output.
func (w *Workspace) RunTests(ctx context.Context, rel string, timeout time.Duration) (TestOutcome, error) {
	if timeout <= 0 {
		timeout = w.timeout
	}
	res, err := w.exec.Run(ctx, executor.Command{
		Name:    w.python,
		Args:    []string{"-m", "pytest", rel, "-q", "--tb=short", "--no-header"},
		Dir:     w.root,
		Timeout: timeout,
	})
	if err != nil {
		return TestOutcome{}, fmt.Errorf("run tests %s: %w", rel, err)
	}

	out := res.Stdout
	if res.Stderr != "" {
		out = strings.TrimRight(out, "\n") + "\n" + res.Stderr
	}
	outcome := TestOutcome{
		ExitCode: res.ExitCode,
		TimedOut: res.TimedOut,
		Output:   out,
	}
	outcome.Passed = countFrom(passedRe, out)
	outcome.Failed = countFrom(failedRe, out)
	outcome.Errors = countFrom(errorRe, out)
	return outcome, nil
}

func countFrom(re *regexp.Regexp, out string) int {
	m := re.FindStringSubmatch(out)
	if m == nil {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return n
}
