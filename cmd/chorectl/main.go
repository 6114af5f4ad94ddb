package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"chorelink/pkg/chorelink"
)

type rootOptions struct {
	addr     string
	grpcAddr string
}

func (o *rootOptions) client() *chorelink.Client {
	return chorelink.NewClient(o.addr)
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "chorectl:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "chorectl",
		Short:         "Command-line client for the chore trader",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	addr := "http://127.0.0.1:8080"
	if v := os.Getenv("CHORELINK_ADDR"); v != "" {
		addr = v
	}
	grpcAddr := "127.0.0.1:9090"
	if v := os.Getenv("CHORELINK_GRPC_ADDR"); v != "" {
		grpcAddr = v
	}
	cmd.PersistentFlags().StringVar(&opts.addr, "addr", addr, "trader HTTP address")
	cmd.PersistentFlags().StringVar(&opts.grpcAddr, "grpc-addr", grpcAddr, "trader gRPC address")

	cmd.AddCommand(
		newPlaceCommand(opts),
		newAmendCommand(opts),
		newCancelCommand(opts),
		newStatusCommand(opts),
		newOpenCommand(opts),
		newCancelAllCommand(opts),
		newBasketCommand(opts),
		newKillCommand(opts),
		newRevokeCommand(opts),
		newStateCommand(opts),
		newHealthCommand(opts),
	)
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
