package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/valros/skinarb/internal/domain"
)

func runScanFull(cmd *cobra.Command, args []string) error {
	return runOneShot(cmd, func(ctx context.Context, s *stack) (*domain.OpportunityList, error) {
		return s.engine.RunFull(ctx, false)
	})
}

func runScanIncremental(cmd *cobra.Command, args []string) error {
	return runOneShot(cmd, func(ctx context.Context, s *stack) (*domain.OpportunityList, error) {
		return s.engine.RunIncremental(ctx, false)
	})
}

// runOneShot boots the stack, runs one analysis, and reports the result.
// Ctrl-C cancels the run, which then exits non-zero.
func runOneShot(cmd *cobra.Command, run func(context.Context, *stack) (*domain.OpportunityList, error)) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	stack, err := buildStack(cfg)
	if err != nil {
		return err
	}
	defer stack.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	list, err := run(ctx, stack)
	if err != nil {
		return err
	}

	log.Info().Int("opportunities", list.Metadata.TotalCount).Msg("Analysis complete")

	if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(list); err != nil {
			return fmt.Errorf("encode results: %w", err)
		}
	}
	return nil
}
