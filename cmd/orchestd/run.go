package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/orchestd/internal/config"
)

var continueOnFailure bool

var runCmd = &cobra.Command{
	Use:   "run <request>",
	Short: "Run one request to completion and exit",
	Long: `Decompose the request into milestones, execute them through the
orchestration engine, and print the structured result as JSON.

Examples:

  orchestd run "build a rate limiter package with tests"
  orchestd run --continue-on-failure "plan and build the importer"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRequest,
}

func init() {
	runCmd.Flags().BoolVar(&continueOnFailure, "continue-on-failure", false,
		"keep executing later milestones after one fails")
}

func runRequest(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return err
	}
	cfg.Scheduler.ContinueOnFailure = continueOnFailure

	eng, err := buildEngine(cfg)
	if err != nil {
		return err
	}
	defer eng.logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	request := strings.Join(args, " ")
	result, err := eng.sched.Run(ctx, request)
	if err != nil {
		return err
	}

	if err := eng.ledger.SaveMetrics(); err != nil {
		eng.logger.Warn("failed to save metrics snapshot", zap.Error(err))
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))

	if !result.Completed {
		exitErr(fmt.Errorf("request did not complete: %s", result.Failure.Message))
	}
	return nil
}
