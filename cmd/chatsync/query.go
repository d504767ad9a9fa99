package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"

	chatsync "github.com/meshline/chatsync"
)

var (
	queryReplyTo string
	queryTimeout time.Duration
)

func init() {
	queryCmd.Flags().StringVar(&queryReplyTo, "reply-to", "", "Message ID to reply to")
	queryCmd.Flags().DurationVar(&queryTimeout, "timeout", 2*time.Minute, "How long to wait for the full response")
	rootCmd.AddCommand(queryCmd)
}

// streamPrinter tees inbound envelopes to the coordinator and mirrors the
// AI stream to the terminal, closing done when the operation finishes.
type streamPrinter struct {
	coord *chatsync.SyncCoordinator
	done  chan struct{}

	mu   sync.Mutex
	opID string
}

func (p *streamPrinter) setOperation(opID string) {
	p.mu.Lock()
	p.opID = opID
	p.mu.Unlock()
}

func (p *streamPrinter) matches(opID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return opID != "" && opID == p.opID
}

func (p *streamPrinter) Deliver(env chatsync.Envelope) {
	switch env.Type {
	case chatsync.EventAiPartial:
		var chunk chatsync.AiPartialPayload
		if json.Unmarshal(env.Payload, &chunk) == nil && p.matches(chunk.OperationID) {
			fmt.Print(chunk.Chunk)
		}
	case chatsync.EventAiDone:
		var donePayload chatsync.AiDonePayload
		if json.Unmarshal(env.Payload, &donePayload) == nil && p.matches(donePayload.OperationID) {
			defer close(p.done)
		}
	case chatsync.EventAiError:
		var errPayload chatsync.AiErrorPayload
		if json.Unmarshal(env.Payload, &errPayload) == nil && p.matches(errPayload.OperationID) {
			fmt.Fprintf(os.Stderr, "\nstream error: %s\n", errPayload.Error)
			defer close(p.done)
		}
	}
	p.coord.Deliver(env)
}

var queryCmd = &cobra.Command{
	Use:   "query <room-id> <prompt>",
	Short: "Ask the assistant and stream the response",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		roomID, prompt := args[0], args[1]
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

		ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
		defer cancel()

		go coord.Run(ctx)
		if _, err := coord.RegisterRoom(ctx, roomID); err != nil {
			return err
		}

		printer := &streamPrinter{coord: coord, done: make(chan struct{})}
		socket := chatsync.NewSocketClient(cfg.Default.BaseURL, &chatsync.SocketConfig{
			Token:         cfg.Default.Token,
			AutoReconnect: true,
		}, printer, logger)
		if err := socket.Connect(ctx); err != nil {
			return err
		}
		defer socket.Disconnect()

		opID, err := coord.SendQuery(ctx, roomID, prompt, queryReplyTo)
		if err != nil {
			return fmt.Errorf("query failed: %w", err)
		}
		printer.setOperation(opID)

		select {
		case <-printer.done:
			fmt.Println()
			return nil
		case <-ctx.Done():
			coord.CancelQuery(context.Background(), roomID)
			return fmt.Errorf("timed out waiting for response")
		}
	},
}
