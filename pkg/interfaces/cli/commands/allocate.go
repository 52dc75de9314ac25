package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vsinha/batchalloc/pkg/application/dto"
	"github.com/vsinha/batchalloc/pkg/domain/entities"
	apperrors "github.com/vsinha/batchalloc/pkg/errors"
)

// AllocateOptions holds flags for the allocate command.
type AllocateOptions struct {
	Mode     string
	Picks    []string
	Owner    string
	MinGrade string
}

// NewAllocateCommand reserves stock for one request.
func NewAllocateCommand(opts *RootOptions) *cobra.Command {
	allocOpts := &AllocateOptions{}

	cmd := &cobra.Command{
		Use:   "allocate <material> <quantity>",
		Short: "Reserve stock of a material",
		Long: `Reserve stock of a material.

Without --pick the oldest eligible batches are drawn first. Each --pick
batch=quantity names a batch explicitly; repeated picks of one batch add up.

Exits with status 1 when the request is rejected.`,
		Example: `  batchalloc allocate STEEL-304 250 --owner WO-1001
  batchalloc allocate STEEL-304 250 --mode partial
  batchalloc allocate STEEL-304 250 --pick B-17=200 --pick B-18=50`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAllocate(cmd, opts, allocOpts, args[0], args[1])
		},
	}

	cmd.Flags().StringVar(&allocOpts.Mode, "mode", "", "allocation mode (exact|partial), default from config")
	cmd.Flags().StringArrayVar(&allocOpts.Picks, "pick", nil, "explicit pick as batch=quantity (repeatable)")
	cmd.Flags().StringVar(&allocOpts.Owner, "owner", "", "owner reference, such as a work order")
	cmd.Flags().StringVar(&allocOpts.MinGrade, "min-grade", "", "lowest acceptable quality grade (C|B|A)")

	return cmd
}

func runAllocate(cmd *cobra.Command, opts *RootOptions, allocOpts *AllocateOptions, material, quantity string) error {
	input := dto.AllocationRequestInput{
		MaterialID: material,
		Quantity:   quantity,
		Mode:       allocOpts.Mode,
		OwnerRef:   allocOpts.Owner,
		MinGrade:   allocOpts.MinGrade,
	}
	for _, raw := range allocOpts.Picks {
		pick, err := dto.ParsePick(raw)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid --pick", err)
		}
		input.Picks = append(input.Picks, pick)
	}

	e, err := opts.openEngine(cmd.Context())
	if err != nil {
		return err
	}
	defer e.close()

	defaultMode, err := e.cfg.Allocation.Mode()
	if err != nil {
		return WrapExitError(ExitCommandError, "allocation.default_mode", err)
	}

	var result *dto.AllocationResult
	req, err := input.ToRequest(defaultMode)
	if err != nil {
		result = dto.Rejected(apperrors.InvalidRequest("%v", err))
	} else if result, err = e.service.RequestAllocation(cmd.Context(), req); err != nil {
		return engineError("allocate", err)
	}

	if err := opts.printer(cmd).AllocationResult(result); err != nil {
		return err
	}
	if result.IsRejected() {
		return WrapExitError(ExitFailure, "allocation rejected", result.Reason)
	}
	return nil
}

// NewReleaseCommand returns the stock of a committed reservation.
func NewReleaseCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "release <reservation>",
		Short: "Release a committed reservation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return settle(cmd, opts, "release", entities.ReservationID(args[0]),
				func(e *engine) func(context.Context, entities.ReservationID) (*entities.Reservation, error) {
					return e.service.ReleaseAllocation
				})
		},
	}
}

// NewConsumeCommand confirms that reserved stock was physically used.
func NewConsumeCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "consume <reservation>",
		Short: "Confirm consumption of a committed reservation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return settle(cmd, opts, "consume", entities.ReservationID(args[0]),
				func(e *engine) func(context.Context, entities.ReservationID) (*entities.Reservation, error) {
					return e.service.ConfirmConsumption
				})
		},
	}
}

func settle(
	cmd *cobra.Command,
	opts *RootOptions,
	action string,
	id entities.ReservationID,
	op func(*engine) func(context.Context, entities.ReservationID) (*entities.Reservation, error),
) error {
	e, err := opts.openEngine(cmd.Context())
	if err != nil {
		return err
	}
	defer e.close()

	res, err := op(e)(cmd.Context(), id)
	if err != nil {
		return engineError(fmt.Sprintf("%s reservation %s", action, id), err)
	}
	return opts.printer(cmd).Reservation(res)
}
