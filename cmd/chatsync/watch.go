package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	chatsync "github.com/meshline/chatsync"
)

func init() {
	rootCmd.AddCommand(watchCmd)
}

// watchSink tees inbound envelopes to the coordinator and echoes new
// messages to the terminal.
type watchSink struct {
	coord *chatsync.SyncCoordinator
}

func (w *watchSink) Deliver(env chatsync.Envelope) {
	if env.Type == chatsync.EventNewMessage {
		var msg chatsync.Message
		if json.Unmarshal(env.Payload, &msg) == nil {
			printMessage(msg)
		}
	}
	w.coord.Deliver(env)
}

var watchCmd = &cobra.Command{
	Use:   "watch <room-id>",
	Short: "Watch a room live",
	Long:  "Print the room's history, then stream new messages until interrupted.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		roomID := args[0]
		client, cfg, err := getClient()
		if err != nil {
			return err
		}
		logger := newLogger()

		coord, cleanup, err := newCoordinator(cfg, client, logger)
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		go coord.Run(ctx)

		msgs, err := coord.RegisterRoom(ctx, roomID)
		if err != nil {
			logger.Warn().Err(err).Msg("initial fetch failed, showing cached history")
		}
		for _, msg := range msgs {
			printMessage(msg)
		}

		socket := chatsync.NewSocketClient(cfg.Default.BaseURL, &chatsync.SocketConfig{
			Token:         cfg.Default.Token,
			AutoReconnect: true,
		}, &watchSink{coord: coord}, logger)
		if err := socket.Connect(ctx); err != nil {
			return err
		}
		defer socket.Disconnect()

		fmt.Println("--- watching (Ctrl-C to stop) ---")
		<-ctx.Done()
		return nil
	},
}
