package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/encoding/protojson"

	ojsgrpc "github.com/openjobspec/ojs-campaigns/internal/grpc"
)

const defaultGRPCAddr = "localhost:9090"

func newRPCCmd(opts *options) *cobra.Command {
	addr := os.Getenv("OJS_GRPC_ADDR")
	if addr == "" {
		addr = defaultGRPCAddr
	}

	cmd := &cobra.Command{
		Use:   "rpc METHOD [JSON]",
		Short: "Call a ControlService method over gRPC",
		Long: "Call a ControlService method over gRPC with an optional JSON request, e.g.\n" +
			"  campaignctl rpc SetGate '{\"open\":false}'",
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			fields := map[string]any{}
			if len(args) == 2 {
				if err := json.Unmarshal([]byte(args[1]), &fields); err != nil {
					return fmt.Errorf("parse request: %w", err)
				}
			}

			conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
			if err != nil {
				return fmt.Errorf("dial %s: %w", addr, err)
			}
			defer conn.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			out, err := ojsgrpc.NewClient(conn).Call(ctx, args[0], fields)
			if err != nil {
				return err
			}
			raw, err := protojson.Marshal(out)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), raw)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", addr, "gRPC address of the campaign server (env OJS_GRPC_ADDR)")
	return cmd
}
