package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vsinha/batchalloc/pkg/application/services/orchestration"
	"github.com/vsinha/batchalloc/pkg/infrastructure/worker"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	Workers int
	Retries int
}

// NewRunCommand allocates a file of requests concurrently.
func NewRunCommand(opts *RootOptions) *cobra.Command {
	runOpts := &RunOptions{}

	cmd := &cobra.Command{
		Use:   "run <requests.yaml>",
		Short: "Allocate a file of requests concurrently",
		Long: `Allocate a file of requests concurrently.

Requests run on a bounded worker pool. A request that loses a race for a
batch or finds the stock gone is retried with a fresh snapshot.

Example file:
  default_mode: exact
  requests:
    - material_id: STEEL-304
      quantity: "250"
      owner_ref: WO-1001
    - material_id: STEEL-304
      quantity: "40"
      picks:
        - batch_id: B-17
          quantity: "40"

Exits with status 1 when any request is rejected or fails.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rf, err := orchestration.LoadRequestFile(args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "read requests", err)
			}

			e, err := opts.openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			size := e.cfg.Worker.PoolSize
			if runOpts.Workers > 0 {
				size = runOpts.Workers
			}
			retries := e.cfg.Allocation.ConflictRetries
			if cmd.Flags().Changed("retries") {
				retries = runOpts.Retries
			}
			defaultMode, err := e.cfg.Allocation.Mode()
			if err != nil {
				return WrapExitError(ExitCommandError, "allocation.default_mode", err)
			}

			pool, err := worker.NewPool(worker.PoolConfig{Name: "bulk-allocation", Size: size})
			if err != nil {
				return WrapExitError(ExitCommandError, "create worker pool", err)
			}
			defer pool.Shutdown(e.cfg.Server.ShutdownTimeout)

			bulk := orchestration.NewBulkAllocator(e.service, pool,
				orchestration.WithRetries(retries),
				orchestration.WithDefaultMode(defaultMode),
			)
			result, err := bulk.RunFile(cmd.Context(), rf)
			if err != nil && result == nil {
				return engineError("run requests", err)
			}

			if perr := opts.printer(cmd).BulkResult(result); perr != nil {
				return perr
			}
			if err != nil {
				return engineError("run requests", err)
			}
			if uncovered := result.Rejected + result.Failed; uncovered > 0 {
				return NewExitError(ExitFailure, fmt.Sprintf("%d of %d requests not allocated", uncovered, len(result.Items)))
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&runOpts.Workers, "workers", 0, "worker pool size, default from config")
	cmd.Flags().IntVar(&runOpts.Retries, "retries", 0, "retries per request on conflict or stock loss, default from config")

	return cmd
}
