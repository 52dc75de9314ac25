// Package commands implements the batchalloc command line.
package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vsinha/batchalloc/pkg/application/services/session"
	"github.com/vsinha/batchalloc/pkg/domain/repositories"
	apperrors "github.com/vsinha/batchalloc/pkg/errors"
	"github.com/vsinha/batchalloc/pkg/infrastructure/config"
	"github.com/vsinha/batchalloc/pkg/infrastructure/events"
	"github.com/vsinha/batchalloc/pkg/infrastructure/logger"
	"github.com/vsinha/batchalloc/pkg/infrastructure/repositories/csv"
	"github.com/vsinha/batchalloc/pkg/infrastructure/storage"
	"github.com/vsinha/batchalloc/pkg/interfaces/cli/output"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Format     string // "json" | "text"
	Verbose    bool
	// Seed preloads batches from a CSV file, mostly for the memory store
	Seed string

	cfg *config.Config
}

// NewRootCommand creates the root command for the batchalloc CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "batchalloc",
		Short: "Batch allocation and reservation engine",
		Long: `Reserve material from physical batches, oldest first.

Requests are planned against the active batches of a material, validated
against live stock and committed atomically as a reservation that is later
consumed or released.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !output.IsValidFormat(opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, output.ValidFormats))
			}

			cfg, err := config.Load(opts.ConfigPath)
			if err != nil {
				return WrapExitError(ExitCommandError, "load config", err)
			}
			opts.cfg = cfg

			if err := logger.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
				return WrapExitError(ExitCommandError, "init logger", err)
			}
			if opts.Verbose {
				_ = logger.SetLevel("debug")
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = logger.Sync()
		},
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "config file (default: batchalloc.yaml in ., ./config or /etc/batchalloc)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", output.FormatText, "output format (json|text)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Seed, "seed", "", "CSV file of batches to load before running the command")

	cmd.AddCommand(NewLoadCommand(opts))
	cmd.AddCommand(NewBatchesCommand(opts))
	cmd.AddCommand(NewAllocateCommand(opts))
	cmd.AddCommand(NewReleaseCommand(opts))
	cmd.AddCommand(NewConsumeCommand(opts))
	cmd.AddCommand(NewHoldCommand(opts))
	cmd.AddCommand(NewUnholdCommand(opts))
	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewServeCommand(opts))

	return cmd
}

// engine is the wired application behind one command
type engine struct {
	cfg     *config.Config
	store   repositories.Repository
	service *session.AllocationService
	events  *events.InMemoryEventStore
}

// openEngine opens the configured store and wires the allocation service
func (o *RootOptions) openEngine(ctx context.Context) (*engine, error) {
	cfg := o.cfg
	if cfg == nil {
		loaded, err := config.Load(o.ConfigPath)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "load config", err)
		}
		cfg = loaded
	}

	store, err := storage.Open(ctx, cfg.Store)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "open store", err)
	}

	evts := events.NewInMemoryEventStore()
	e := &engine{
		cfg:     cfg,
		store:   store,
		service: session.NewAllocationService(store, session.WithEventStore(evts)),
		events:  evts,
	}

	if o.Verbose {
		if _, err := events.SubscribeAudit(evts, logger.L()); err != nil {
			store.Close()
			return nil, WrapExitError(ExitCommandError, "subscribe audit log", err)
		}
	}

	if o.Seed != "" {
		if _, err := e.importCSV(ctx, o.Seed); err != nil {
			store.Close()
			return nil, err
		}
	}
	return e, nil
}

func (e *engine) importCSV(ctx context.Context, path string) (int, error) {
	batches, err := csv.NewLoader().LoadBatches(path)
	if err != nil {
		return 0, WrapExitError(ExitCommandError, "read batches", err)
	}
	n, err := e.service.ImportBatches(ctx, batches)
	if err != nil {
		return n, WrapExitError(ExitCommandError, fmt.Sprintf("import batches from %s", path), err)
	}
	logger.Debug("Imported batches", zap.String("file", path), zap.Int("count", n))
	return n, nil
}

func (e *engine) close() {
	e.events.Flush()
	if err := e.store.Close(); err != nil {
		logger.Warn("Close store", zap.Error(err))
	}
}

func (o *RootOptions) printer(cmd *cobra.Command) *output.Printer {
	return output.New(o.Format, cmd.OutOrStdout())
}

// engineError maps a service error to an exit code: domain failures are
// ExitFailure, anything else is ExitCommandError.
func engineError(message string, err error) error {
	if _, ok := apperrors.IsAppError(err); ok {
		return WrapExitError(ExitFailure, message, err)
	}
	return WrapExitError(ExitCommandError, message, err)
}
