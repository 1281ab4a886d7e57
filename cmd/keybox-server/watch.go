package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/cesi-keybox/keybox/server/internal/grpcapi"
	"github.com/cesi-keybox/keybox/server/internal/keybox/types"
)

// watchCmd tails the realtime feed, one line per room update.
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print room updates from a running server",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		client, err := grpcapi.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return err
		}
		defer client.Close()

		w, err := client.Watch(ctx)
		if err != nil {
			return err
		}
		for {
			u, err := w.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) || status.Code(err) == codes.Canceled {
					return nil
				}
				return err
			}
			fmt.Println(formatUpdate(u))
		}
	},
}

func formatUpdate(u types.RoomUpdate) string {
	mark := "ok"
	switch {
	case u.MultiBadge:
		mark = "MULTI"
	case u.SwapDetected:
		mark = "SWAP"
	case !u.KeyValid:
		mark = "!!"
	}
	return fmt.Sprintf("%s  %-8s %-6s %-12s %-5s %s",
		u.Timestamp.Local().Format("15:04:05"), u.Room, u.State, u.Key, mark, u.VerificationMessage)
}

func init() {
	watchCmd.Flags().String("addr", "localhost:9090", "gRPC address of keybox-server")
}
