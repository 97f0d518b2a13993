package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	app "github.com/okian/divscore/internal/app"
	"github.com/okian/divscore/internal/domain/session"
	"github.com/okian/divscore/pkg/logger"
)

func newScoreCmd(flags *rootFlags) *cobra.Command {
	scoreCmd := &cobra.Command{
		Use:   "score",
		Short: "Read or change the stored score session",
	}
	scoreCmd.AddCommand(newScoreShowCmd(flags))
	scoreCmd.AddCommand(newScoreSetCmd(flags))
	scoreCmd.AddCommand(newScoreResetCmd(flags))
	scoreCmd.AddCommand(newScoreCalculateCmd(flags))
	return scoreCmd
}

func newScoreShowCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the stored session as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSession(cmd, flags, func(_ context.Context, _ *app.Service, store *session.Store) error {
				return printSnapshot(cmd, store.Snapshot())
			})
		},
	}
}

func newScoreSetCmd(flags *rootFlags) *cobra.Command {
	var allocs []string
	cmd := &cobra.Command{
		Use:   "set SCORE",
		Short: "Store a score, optionally replacing the allocations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			score, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid score %q: %w", args[0], err)
			}
			allocations, err := parseAllocations(allocs)
			if err != nil {
				return err
			}
			return withSession(cmd, flags, func(ctx context.Context, _ *app.Service, store *session.Store) error {
				store.SetScoreData(ctx, score, allocations)
				return printSnapshot(cmd, store.Snapshot())
			})
		},
	}
	cmd.Flags().StringArrayVar(&allocs, "alloc", nil, "allocation as NAME=WEIGHT; repeatable")
	return cmd
}

func newScoreResetCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Clear the stored session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSession(cmd, flags, func(ctx context.Context, _ *app.Service, store *session.Store) error {
				store.ResetScore(ctx)
				return printSnapshot(cmd, store.Snapshot())
			})
		},
	}
}

func newScoreCalculateCmd(flags *rootFlags) *cobra.Command {
	var allocs []string
	cmd := &cobra.Command{
		Use:   "calculate",
		Short: "Score a portfolio and store the result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			allocations, err := parseAllocations(allocs)
			if err != nil {
				return err
			}
			if allocations == nil {
				allocations = map[string]float64{}
			}
			return withSession(cmd, flags, func(ctx context.Context, svc *app.Service, _ *session.Store) error {
				snap, err := svc.Calculate(ctx, allocations)
				if err != nil {
					return err
				}
				return printSnapshot(cmd, snap)
			})
		},
	}
	cmd.Flags().StringArrayVar(&allocs, "alloc", nil, "allocation as NAME=WEIGHT; repeatable")
	return cmd
}

// withSession starts the service on the configured storage and runs fn with
// the store installed in its context.
func withSession(cmd *cobra.Command, flags *rootFlags, fn func(context.Context, *app.Service, *session.Store) error) error {
	ctx := cmd.Context()
	cfg, err := loadConfig(ctx, cmd, flags)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	// Commands print JSON on stdout; logs go to stderr and stay quiet below warn.
	if level < slog.LevelWarn {
		level = slog.LevelWarn
	}
	svc := app.New(cfg, app.WithLogger(logger.NewWithLevel(cmd.ErrOrStderr(), level)))
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("failed to start service: %w", err)
	}
	defer svc.Stop()

	ctx, err = svc.Provide(ctx)
	if err != nil {
		return err
	}
	return fn(ctx, svc, session.MustFromContext(ctx))
}

func printSnapshot(cmd *cobra.Command, snap session.Snapshot) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	return nil
}

// parseAllocations turns NAME=WEIGHT pairs into a map. No pairs yields nil,
// which keeps the stored allocations on set.
func parseAllocations(pairs []string) (map[string]float64, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]float64, len(pairs))
	for _, pair := range pairs {
		name, raw, ok := strings.Cut(pair, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid allocation %q: want NAME=WEIGHT", pair)
		}
		weight, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid allocation weight %q: %w", pair, err)
		}
		out[name] = weight
	}
	return out, nil
}
