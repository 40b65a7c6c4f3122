package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/deepreport/config"
	core "github.com/mohammad-safakhou/deepreport/internal/agent/core"
	"github.com/mohammad-safakhou/deepreport/internal/agent/telemetry"
	"github.com/mohammad-safakhou/deepreport/internal/capability"
	"github.com/mohammad-safakhou/deepreport/internal/corpus"
)

// reportCMD runs a single research query end to end and prints the result,
// no server required.
func reportCMD() *cobra.Command {
	var cfgPath string
	var depth int
	var asJSON bool
	var requirements []string
	var model string
	var taskTimeoutMS int64

	var report = &cobra.Command{
		Use:   "report [query]",
		Short: "Run one research query and print the report",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)
			query := strings.Join(args, " ")

			tele := telemetry.NewTelemetry(cfg.Telemetry)
			defer tele.Shutdown()
			registry := capability.NewRegistry()
			corpora := corpus.NewStore()
			if err := core.RegisterBuiltinTools(registry, cfg, corpora); err != nil {
				return err
			}
			logger := log.New(log.Writer(), "[REPORT] ", log.LstdFlags)
			orch, err := core.NewOrchestrator(cfg, logger, tele, registry, corpora)
			if err != nil {
				return err
			}

			runID, err := orch.StartResearch(context.Background(), core.ResearchRequest{
				Query:        query,
				Requirements: requirements,
				Depth:        depth,
				Options: core.RunOptions{
					Model:         model,
					TaskTimeoutMS: taskTimeoutMS,
				},
			})
			if err != nil {
				return err
			}
			if err := orch.Wait(runID); err != nil {
				return err
			}
			bundle, err := orch.Result(runID)
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(bundle)
			}
			if bundle.State != core.RunSucceeded {
				return fmt.Errorf("run %s: %s", bundle.State, bundle.Error)
			}
			fmt.Println(bundle.Report)
			fmt.Printf("\n--\nconfidence: %.2f  cost: $%.4f  tokens: %d  sources: %d\n",
				bundle.Confidence, bundle.Cost, bundle.TokensUsed, len(bundle.Citations))
			return nil
		},
	}
	report.Flags().IntVar(&depth, "depth", 1, "research depth hint for the planner")
	report.Flags().StringArrayVar(&requirements, "requirement", nil, "requirement the report must satisfy; repeatable, order preserved")
	report.Flags().StringVar(&model, "model", "", "override the configured model for this run")
	report.Flags().Int64Var(&taskTimeoutMS, "task-timeout-ms", 0, "override the per-task timeout for this run")
	report.Flags().BoolVar(&asJSON, "json", false, "print the full result bundle as JSON")
	report.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return report
}
