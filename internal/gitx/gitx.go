// Package gitx shells out to git for the two things the loop needs it
// for: diff evidence for RCA and backup snapshots before risky retries.
package gitx

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/rs/zerolog/log"
)

// Available checks if the given directory is inside a git work tree.
func Available(ctx context.Context, dir string) bool {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--is-inside-work-tree")
	cmd.Dir = dir
	return cmd.Run() == nil
}

// Init creates a repository in dir if none exists yet.
func Init(ctx context.Context, dir string) error {
	if Available(ctx, dir) {
		return nil
	}
	if err := runErr(ctx, dir, "git", "init", "-q"); err != nil {
		return fmt.Errorf("git init: %w", err)
	}
	return nil
}

// BackupCommit stages everything and commits. Used before retry builds
// so a broken iteration can always be inspected or reverted by hand.
func BackupCommit(ctx context.Context, dir, message string) error {
	if err := runErr(ctx, dir, "git", "add", "-A"); err != nil {
		return fmt.Errorf("git add: %w", err)
	}
	out, err := runOutput(ctx, dir, "git", "status", "--porcelain")
	if err != nil {
		return err
	}
	if strings.TrimSpace(out) == "" {
		return nil
	}
	if err := runErr(ctx, dir, "git", "commit", "-q", "-m", message); err != nil {
		return fmt.Errorf("git commit: %w", err)
	}
	return nil
}

// DiffStat returns `git diff --stat` against the last commit.
func DiffStat(ctx context.Context, dir string) string {
	return run(ctx, dir, "git", "diff", "HEAD", "--stat")
}

// Diff returns the full diff against the last commit.
func Diff(ctx context.Context, dir string) string {
	return run(ctx, dir, "git", "diff", "HEAD")
}

func run(ctx context.Context, dir string, name string, args ...string) string {
	log.Debug().Str("dir", dir).Str("cmd", name).Strs("args", args).Msg("running git command")
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		log.Warn().Err(err).Str("dir", dir).Strs("args", args).Msg("git command failed")
	}
	return string(out)
}

func runOutput(ctx context.Context, dir string, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

func runErr(ctx context.Context, dir string, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}
