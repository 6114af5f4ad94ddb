package main

import (
	"github.com/spf13/cobra"

	"chorelink/pkg/chorelink"
)

func newBasketCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "basket",
		Short: "Manage chores driven by the basket manager",
	}
	cmd.AddCommand(
		newBasketAddCommand(opts),
		newBasketListCommand(opts),
		newBasketAmendCommand(opts),
		newBasketCancelCommand(opts),
	)
	return cmd
}

func newBasketAddCommand(opts *rootOptions) *cobra.Command {
	var req chorelink.PlaceRequest
	cmd := &cobra.Command{
		Use:   "add SYMBOL",
		Short: "Add a chore to the basket; omit --px to track the market",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Symbol = args[0]
			ref, err := opts.client().AddToBasket(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), chorelink.BasketResponse{Ref: ref})
		},
	}
	choreFlags(cmd, &req)
	cmd.Flags().StringVar(&req.Ref, "ref", "", "logical id (generated when empty)")
	return cmd
}

func newBasketListCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List basket chores",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := opts.client().Basket(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), list)
		},
	}
}

func newBasketAmendCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "amend REF",
		Short: "Queue an amendment for the next basket cycle",
		Args:  cobra.ExactArgs(1),
	}
	build := amendFlags(cmd)
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		if err := opts.client().AmendBasket(cmd.Context(), args[0], build()); err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), chorelink.BasketResponse{Ref: args[0]})
	}
	return cmd
}

func newBasketCancelCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel REF",
		Short: "Mark a basket chore for cancellation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.client().CancelBasket(cmd.Context(), args[0]); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), chorelink.BasketResponse{Ref: args[0]})
		},
	}
}
