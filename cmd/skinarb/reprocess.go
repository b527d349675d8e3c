package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/valros/skinarb/internal/domain"
)

// runReprocess reapplies the persisted settings to the snapshots already on
// disk. No marketplace requests are made.
func runReprocess(cmd *cobra.Command, args []string) error {
	return runOneShot(cmd, func(ctx context.Context, s *stack) (*domain.OpportunityList, error) {
		return s.engine.Reprocess(ctx)
	})
}
