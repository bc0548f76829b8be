package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/statflow/statflow/internal/model"
	"github.com/statflow/statflow/pkg/mapping"
	"github.com/statflow/statflow/pkg/tui"
)

var mappingDecisionsFile string

var mappingCmd = &cobra.Command{
	Use:   "mapping",
	Short: "Inspect and resolve the mapping workflow of a candidate version",
}

var mappingStartCmd = &cobra.Command{
	Use:   "start <version-id>",
	Short: "Diff a candidate version against its predecessor",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close(context.Background())

		mapper := mapping.NewEngine(a.reg, a.resolver, a.store, a.log)
		plan, err := mapper.Start(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Println(tui.MappingPlan(plan))
		return nil
	},
}

var mappingShowCmd = &cobra.Command{
	Use:   "show <version-id>",
	Short: "Show the stored mapping candidates of a version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close(context.Background())

		state, err := a.reg.GetMappingState(ctx, args[0])
		if err != nil {
			return err
		}
		cands, err := a.reg.GetMappingCandidates(ctx, args[0])
		if err != nil {
			return err
		}
		return json.NewEncoder(os.Stdout).Encode(map[string]any{
			"state":      state,
			"candidates": cands,
		})
	},
}

var mappingApplyCmd = &cobra.Command{
	Use:   "apply <version-id>",
	Short: "Apply a batch of mapping decisions from a JSON file",
	Long: `Apply reads a JSON file containing mapping decisions and applies them
atomically. The file holds a list of objects:

  [
    {"kind": "location", "sourceKey": "region:code:E1", "targetKey": "region:code:E1b"},
    {"kind": "filter_option", "sourceKey": "school_type:Special", "targetKey": ""}
  ]

An empty targetKey marks the option as removed. The batch fails as a
whole when any decision is invalid.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close(context.Background())

		data, err := os.ReadFile(mappingDecisionsFile)
		if err != nil {
			return fmt.Errorf("reading decisions file: %w", err)
		}
		var decisions []model.MappingDecision
		if err := json.Unmarshal(data, &decisions); err != nil {
			return fmt.Errorf("parsing decisions file: %w", err)
		}

		mapper := mapping.NewEngine(a.reg, a.resolver, a.store, a.log)
		outcome, err := mapper.ApplyBatch(ctx, args[0], decisions)
		if err != nil {
			return err
		}
		fmt.Println(tui.MappingOutcome(outcome))
		return nil
	},
}

func init() {
	mappingApplyCmd.Flags().StringVar(&mappingDecisionsFile, "decisions", "", "JSON file with mapping decisions")
	mappingApplyCmd.MarkFlagRequired("decisions")

	mappingCmd.AddCommand(mappingStartCmd)
	mappingCmd.AddCommand(mappingShowCmd)
	mappingCmd.AddCommand(mappingApplyCmd)
}
