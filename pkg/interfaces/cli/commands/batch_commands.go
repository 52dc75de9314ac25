package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vsinha/batchalloc/pkg/domain/entities"
)

// NewLoadCommand imports a CSV receipt file into the configured store.
func NewLoadCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "load <batches.csv>",
		Short: "Import received batches from a CSV file",
		Long: `Import received batches from a CSV file.

The file needs the header
  batch_id,material_id,batch_code,total_weight,quality_grade,received_date,manufactured_date,heat_number,supplier_ref,unit_cost

Import stops at the first duplicate batch ID or code.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := opts.openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			n, err := e.importCSV(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Loaded %d batches from %s\n", n, args[0])
			return err
		},
	}
}

// NewBatchesCommand lists batches, oldest first.
func NewBatchesCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "batches [material]",
		Short: "List batches and their stock",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := opts.openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			var material entities.MaterialID
			if len(args) == 1 {
				material = entities.MaterialID(args[0])
			}
			batches, err := e.service.ListBatches(cmd.Context(), material)
			if err != nil {
				return engineError("list batches", err)
			}
			return opts.printer(cmd).Batches(batches)
		},
	}
}

// NewHoldCommand blocks a batch from new allocations.
func NewHoldCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "hold <batch>",
		Short: "Put a batch on compliance hold",
		Long: `Put a batch on compliance hold.

A held batch is skipped by new allocations. Reservations already committed
against it can still be consumed or released.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return setHold(cmd, opts, entities.BatchID(args[0]), true)
		},
	}
}

// NewUnholdCommand clears a compliance hold.
func NewUnholdCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "unhold <batch>",
		Short: "Clear the compliance hold of a batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return setHold(cmd, opts, entities.BatchID(args[0]), false)
		},
	}
}

func setHold(cmd *cobra.Command, opts *RootOptions, id entities.BatchID, hold bool) error {
	e, err := opts.openEngine(cmd.Context())
	if err != nil {
		return err
	}
	defer e.close()

	var b *entities.Batch
	if hold {
		b, err = e.service.HoldBatch(cmd.Context(), id)
	} else {
		b, err = e.service.UnholdBatch(cmd.Context(), id)
	}
	if err != nil {
		return engineError(fmt.Sprintf("batch %s", id), err)
	}
	return opts.printer(cmd).Batch(b)
}
