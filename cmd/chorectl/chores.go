package main

import (
	"github.com/spf13/cobra"

	"chorelink/pkg/chorelink"
)

// choreFlags binds the flags shared by place and basket add.
func choreFlags(cmd *cobra.Command, req *chorelink.PlaceRequest) {
	f := cmd.Flags()
	f.StringVar(&req.Side, "side", "", "B, S or SS")
	f.Float64Var(&req.Px, "px", 0, "limit price")
	f.Int64Var(&req.Qty, "qty", 0, "quantity")
	f.StringVar(&req.Account, "account", "", "account (server default when empty)")
	f.StringVar(&req.Exchange, "exchange", "", "exchange (server default when empty)")
	f.StringSliceVar(&req.Text, "text", nil, "free text, repeatable")
	_ = cmd.MarkFlagRequired("side")
	_ = cmd.MarkFlagRequired("qty")
}

// amendFlags reads --px and --qty into an AmendRequest, leaving unset
// flags nil.
func amendFlags(cmd *cobra.Command) func() chorelink.AmendRequest {
	var px float64
	var qty int64
	cmd.Flags().Float64Var(&px, "px", 0, "new price")
	cmd.Flags().Int64Var(&qty, "qty", 0, "new quantity")
	return func() chorelink.AmendRequest {
		var req chorelink.AmendRequest
		if cmd.Flags().Changed("px") {
			req.Px = &px
		}
		if cmd.Flags().Changed("qty") {
			req.Qty = &qty
		}
		return req
	}
}

func newPlaceCommand(opts *rootOptions) *cobra.Command {
	var req chorelink.PlaceRequest
	cmd := &cobra.Command{
		Use:   "place SYMBOL",
		Short: "Place a limit chore directly with the broker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Symbol = args[0]
			id, err := opts.client().Place(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), chorelink.PlaceResponse{ChoreID: id})
		},
	}
	choreFlags(cmd, &req)
	cmd.Flags().StringVar(&req.Ref, "ref", "", "client reference")
	_ = cmd.MarkFlagRequired("px")
	return cmd
}

func newAmendCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "amend CHORE_ID",
		Short: "Replace a live chore's price and/or quantity",
		Args:  cobra.ExactArgs(1),
	}
	build := amendFlags(cmd)
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		id, err := opts.client().Amend(cmd.Context(), args[0], build())
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), chorelink.PlaceResponse{ChoreID: id})
	}
	return cmd
}

func newCancelCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel CHORE_ID",
		Short: "Request cancellation of a live chore",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := opts.client()
			if err := c.Cancel(cmd.Context(), args[0]); err != nil {
				return err
			}
			st, err := c.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
}

func newStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status CHORE_ID",
		Short: "Show the engine's view of a chore",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := opts.client().Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
}

func newOpenCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "open",
		Short: "List chores the engine still considers live",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := opts.client().Open(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), chorelink.OpenChores{IDs: ids})
		},
	}
}

func newCancelAllCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel-all [CHORE_ID...]",
		Short: "Cancel the named chores, or every open chore when none are named",
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := opts.client().CancelChores(cmd.Context(), args)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
}
