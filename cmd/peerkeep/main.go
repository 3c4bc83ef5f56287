package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/peerkeep/peerkeep/internal/config"
	"github.com/peerkeep/peerkeep/internal/services"
	syncengine "github.com/peerkeep/peerkeep/internal/sync"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type rootOptions struct {
	Verbose   bool
	Ephemeral bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "peerkeep",
		Short: "Local-first record store with peer-to-peer sync",
	}
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().BoolVar(&opts.Ephemeral, "ephemeral", false, "refuse all writes (private/incognito mode)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newImportCommand(opts))
	cmd.AddCommand(newExportCommand(opts))
	cmd.AddCommand(newResetCommand(opts))
	return cmd
}

func newLogger(opts *rootOptions) zerolog.Logger {
	level := zerolog.InfoLevel
	if opts.Verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Join the sync bus and announce to nearby peers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig()
			log := newLogger(opts)
			mgr := services.NewManager(cfg, log, services.Options{
				JoinSync:  true,
				Ephemeral: opts.Ephemeral,
			})
			ctx := cmd.Context()
			if err := mgr.Init(ctx); err != nil {
				return err
			}
			defer shutdown(mgr, log)

			if err := mgr.Session().Announce(ctx); err != nil {
				return err
			}
			log.Info().Str("node", mgr.Session().NodeID()).Msg("announced; waiting for peers")

			sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()
			<-sigCtx.Done()
			return nil
		},
	}
}

func newImportCommand(opts *rootOptions) *cobra.Command {
	var (
		buckets  []string
		keepBoth []string
		snapshot bool
	)
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Analyze and apply an import file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig()
			log := newLogger(opts)
			mgr := services.NewManager(cfg, log, services.Options{Ephemeral: opts.Ephemeral})
			ctx := cmd.Context()
			if err := mgr.Init(ctx); err != nil {
				return err
			}
			defer shutdown(mgr, log)

			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			payload, err := syncengine.ParsePayload(data)
			if err != nil {
				return err
			}
			analysis, err := mgr.Gateway().AnalyzeImport(ctx, payload)
			if err != nil {
				return err
			}
			for _, b := range []syncengine.Bucket{
				syncengine.BucketNew, syncengine.BucketRemoteNewer,
				syncengine.BucketConflict, syncengine.BucketIdentical,
			} {
				fmt.Printf("%-22s %d\n", b, analysis.Count(b))
			}
			selected := make(map[syncengine.Bucket]bool, len(buckets))
			for _, b := range buckets {
				selected[syncengine.Bucket(b)] = true
			}
			if len(selected) == 0 && len(keepBoth) == 0 {
				log.Info().Msg("no buckets selected; analysis only")
				return nil
			}
			return mgr.Gateway().ExecuteImport(ctx, analysis, syncengine.ImportOptions{
				Buckets:  selected,
				Snapshot: snapshot,
				KeepBoth: keepBoth,
			})
		},
	}
	cmd.Flags().StringSliceVar(&buckets, "apply", nil, "buckets to apply (new, newer-remote)")
	cmd.Flags().StringSliceVar(&keepBoth, "keep-both", nil, "conflicting customer ids to import under a fresh identity")
	cmd.Flags().BoolVar(&snapshot, "snapshot", true, "archive overwritten documents to the recycle bin")
	return cmd
}

func newExportCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "export <file>",
		Short: "Write all live documents to an import-format file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig()
			log := newLogger(opts)
			mgr := services.NewManager(cfg, log, services.Options{Ephemeral: opts.Ephemeral})
			ctx := cmd.Context()
			if err := mgr.Init(ctx); err != nil {
				return err
			}
			defer shutdown(mgr, log)

			payload, err := mgr.Gateway().Export(ctx)
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(payload, "", "  ")
			if err != nil {
				return err
			}
			return os.WriteFile(args[0], data, 0o600)
		},
	}
}

func newResetCommand(opts *rootOptions) *cobra.Command {
	var confirmed bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Wipe every collection",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirmed {
				return fmt.Errorf("refusing to wipe without --yes")
			}
			cfg := config.LoadConfig()
			log := newLogger(opts)
			mgr := services.NewManager(cfg, log, services.Options{Ephemeral: opts.Ephemeral})
			ctx := cmd.Context()
			if err := mgr.Init(ctx); err != nil {
				return err
			}
			defer shutdown(mgr, log)
			return mgr.Store().ClearAll(ctx)
		},
	}
	cmd.Flags().BoolVar(&confirmed, "yes", false, "confirm the wipe")
	return cmd
}

func shutdown(mgr *services.Manager, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := mgr.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("shutdown incomplete")
	}
}
