package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/statflow/statflow/pkg/lifecycle"
	"github.com/statflow/statflow/pkg/tui"
)

var datasetsCmd = &cobra.Command{
	Use:   "datasets",
	Short: "List data sets",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close(context.Background())

		sets, err := a.reg.ListDataSets(ctx)
		if err != nil {
			return err
		}
		for _, ds := range sets {
			fmt.Println(tui.DataSetRow(ds))
		}
		return nil
	},
}

var versionsCmd = &cobra.Command{
	Use:   "versions <dataset-id>",
	Short: "List a data set's versions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close(context.Background())

		versions, err := a.reg.ListVersions(ctx, args[0])
		if err != nil {
			return err
		}
		for _, v := range versions {
			fmt.Println(tui.VersionRow(v))
		}
		return nil
	},
}

var publishCmd = &cobra.Command{
	Use:   "publish <version-id>",
	Short: "Publish a resolved draft version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close(context.Background())

		manager := lifecycle.NewManager(a.reg, a.resolver, a.store, a.log, a.metrics)
		if err := manager.Publish(ctx, args[0]); err != nil {
			return err
		}
		if err := manager.DeprecateReplaced(ctx, args[0]); err != nil {
			fmt.Println(tui.Errorf("deprecating replaced version failed, re-run publish to retry: %v", err))
		}

		v, err := a.reg.GetVersion(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Println(tui.VersionRow(v))
		return nil
	},
}

var withdrawCmd = &cobra.Command{
	Use:   "withdraw <version-id>",
	Short: "Withdraw a published or deprecated version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close(context.Background())

		manager := lifecycle.NewManager(a.reg, a.resolver, a.store, a.log, a.metrics)
		if err := manager.Withdraw(ctx, args[0]); err != nil {
			return err
		}
		v, err := a.reg.GetVersion(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Println(tui.VersionRow(v))
		return nil
	},
}
