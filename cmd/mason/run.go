package main

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/masonhq/mason/internal/builder"
	"github.com/masonhq/mason/internal/db"
	"github.com/masonhq/mason/internal/executor"
	"github.com/masonhq/mason/internal/gateway"
	"github.com/masonhq/mason/internal/loop"
	"github.com/masonhq/mason/internal/model"
	"github.com/masonhq/mason/internal/planner"
	"github.com/masonhq/mason/internal/rca"
	"github.com/masonhq/mason/internal/template"
	"github.com/masonhq/mason/internal/verifier"
	"github.com/masonhq/mason/internal/workspace"
)

func runCmd() *cobra.Command {
	var (
		workDir       string
		templateName  string
		params        []string
		maxIterations int
		resumeID      string
	)
	cmd := &cobra.Command{
		Use:          "run [task description]",
		Short:        "Run the build-verify-repair loop for a task",
		SilenceUsage: true,
		Args: func(_ *cobra.Command, args []string) error {
			if len(args) == 0 && templateName == "" && resumeID == "" {
				return fmt.Errorf("a task description, --template, or --resume is required")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			storeDB, repoRoot, closeFn, err := openDB()
			if err != nil {
				return err
			}
			defer closeFn()
			cfg, err := loadConfig(repoRoot)
			if err != nil {
				return err
			}
			if maxIterations > 0 {
				cfg.Budgets.MaxIterations = maxIterations
			}

			masonDir := filepath.Join(repoRoot, ".mason")
			description := strings.Join(args, " ")
			if templateName != "" {
				lib, err := template.Open(filepath.Join(masonDir, "templates"))
				if err != nil {
					return err
				}
				description, err = lib.Apply(templateName, parseParams(params))
				if err != nil {
					return err
				}
			}

			gw, err := gateway.NewOpenAI(gateway.Config{
				BaseURL:       cfg.Gateway.BaseURL,
				Model:         cfg.Gateway.Model,
				APIKeyEnv:     cfg.Gateway.APIKeyEnv,
				ContextWindow: cfg.Gateway.ContextWindow,
				MaxTokens:     cfg.Gateway.MaxTokens,
			})
			if err != nil {
				return err
			}

			if workDir == "" {
				workDir = filepath.Join(repoRoot, "workspace")
			}
			runner := &executor.Local{DefaultTimeout: time.Duration(cfg.Executor.CommandTimeoutSec) * time.Second}
			ws := workspace.New(workDir, runner, cfg.Executor.Python)

			sampling := builder.DefaultSampling()
			if len(cfg.Sampling.Wave1) > 0 {
				sampling.Wave1 = toFloat32(cfg.Sampling.Wave1)
			}
			if len(cfg.Sampling.Wave2) > 0 {
				sampling.Wave2 = toFloat32(cfg.Sampling.Wave2)
			}
			if cfg.Sampling.Parallelism > 0 {
				sampling.Parallelism = cfg.Sampling.Parallelism
			}
			sampling.TestTimeout = time.Duration(cfg.Executor.TestTimeoutSec) * time.Second

			store := db.NewStore(storeDB)
			l := loop.New(cfg, masonDir, ws, store,
				planner.New(gw),
				builder.NewWithSampling(gw, ws, sampling),
				verifier.New(ws, runner),
				rca.New(gw, ws),
			)

			var res loop.Result
			if resumeID != "" {
				res, err = l.Resume(cmd.Context(), resumeID)
			} else {
				task := model.Task{
					ID:          "mason-" + uuid.NewString()[:8],
					Description: description,
					CreatedAt:   time.Now().UTC(),
				}
				res, err = l.Run(cmd.Context(), task)
			}
			if err != nil {
				return err
			}

			log.Info().
				Str("run_id", res.RunID).
				Str("status", string(res.Status)).
				Int("iterations", res.Iterations).
				Msgf("%d/%d criteria passing", res.PassCount, res.CriteriaCount)
			if res.Status != model.StatusSuccess {
				return fmt.Errorf("run %s ended %s", res.RunID, res.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&workDir, "dir", "", "workspace directory (default ./workspace)")
	cmd.Flags().StringVar(&templateName, "template", "", "build the task from a stored template")
	cmd.Flags().StringArrayVar(&params, "param", nil, "template parameter as key=value (repeatable)")
	cmd.Flags().IntVar(&maxIterations, "max-iterations", 0, "override the iteration budget")
	cmd.Flags().StringVar(&resumeID, "resume", "", "resume an interrupted run from its last completed phase")
	return cmd
}

func parseParams(pairs []string) map[string]string {
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok {
			continue
		}
		out[k] = v
	}
	return out
}

func toFloat32(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, f := range in {
		out[i] = float32(f)
	}
	return out
}
