package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"flowstudio"
	"flowstudio/internal/api/websocket"
	"flowstudio/internal/realtime"

	"github.com/spf13/cobra"
)

var (
	addr        string
	workflowID  string
	token       string
	maxAttempts int
	heartbeat   time.Duration
	enforce     bool
)

var rootCmd = &cobra.Command{
	Use:           "observer",
	Short:         "Follow a workflow on the realtime channel",
	Long:          `observer prints every message published for one workflow and reconnects with backoff when the link drops.`,
	SilenceErrors: true,
	SilenceUsage:  true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if token == "" {
			token = os.Getenv("FLOWSTUDIO_TOKEN")
		}
		if token == "" {
			return errors.New("a token is required, pass --token or set FLOWSTUDIO_TOKEN")
		}
		return observe(cmd.Context())
	},
}

func init() {
	rootCmd.Flags().StringVar(&addr, "addr", "ws://localhost:8081/ws", "realtime endpoint")
	rootCmd.Flags().StringVarP(&workflowID, "workflow", "w", "", "workflow id to follow")
	rootCmd.Flags().StringVar(&token, "token", "", "bearer token")
	rootCmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "reconnect attempts before giving up, 0 retries forever")
	rootCmd.Flags().DurationVar(&heartbeat, "heartbeat", 30*time.Second, "heartbeat interval")
	rootCmd.Flags().BoolVar(&enforce, "enforce-heartbeat", false, "reconnect when heartbeats go unanswered")
	_ = rootCmd.MarkFlagRequired("workflow")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func observe(ctx context.Context) error {
	logger := flowstudio.NewConsoleLogger()

	target, err := url.Parse(addr)
	if err != nil {
		return fmt.Errorf("invalid address: %w", err)
	}
	q := target.Query()
	q.Set("workflow", workflowID)
	q.Set("token", token)
	target.RawQuery = q.Encode()

	opts := realtime.DefaultOptions(target.String())
	opts.MaxAttempts = maxAttempts
	opts.HeartbeatInterval = heartbeat
	opts.EnforceHeartbeat = enforce
	opts.Logger = logger

	session := realtime.NewSession(opts)
	session.OnStateChange(func(from realtime.State, to realtime.State) {
		logger.Info().Str("from", string(from)).Str("to", string(to)).Msg("Connection state")
	})
	printer := func(msg websocket.Message) {
		fmt.Printf("%d %-22s %s\n", msg.Timestamp, msg.Type, msg.Payload)
	}
	for _, t := range []websocket.MessageType{
		websocket.MessageTypeNodeUpdate, websocket.MessageTypeEdgeUpdate, websocket.MessageTypeWorkflowUpdate,
		websocket.MessageTypeUserJoined, websocket.MessageTypeUserLeft, websocket.MessageTypeClientDisconnected,
		websocket.MessageTypeError,
	} {
		session.On(t, printer)
	}
	session.OnGeneric(printer)

	if err := session.Connect(ctx); err != nil {
		logger.Warn().Err(err).Msg("First connection failed, retrying")
	}

	select {
	case <-ctx.Done():
		return session.Close()
	case <-session.Done():
		return session.Err()
	}
}
