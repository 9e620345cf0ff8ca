package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/tsarna/devlink/pkg/devlink/msgbus"
	"github.com/tsarna/devlink/pkg/devlink/msgbus/client"
	"go.uber.org/zap"
)

// sendCmd represents the send command
var sendCmd = &cobra.Command{
	Use:   "send <websocket-url> <method> [params]",
	Short: "Send a message to a devlink message bus",
	Long: `Send a message to the peers connected to a devlink message bus.

Without --target the method is broadcast to every other peer. With --target it
is sent as a request to that peer and the response is printed; use --target
`+msgbus.ServerTarget+` to query the bus itself (getid, getpeers).

params is parsed as JSON when it is valid JSON and sent as a string otherwise.

Examples:
  devlink send ws://localhost:8081/message reload
  devlink send ws://localhost:8081/message devMenu
  devlink send ws://localhost:8081/message getpeers --target server
  devlink send ws://localhost:8081/message ping '{"n":1}' --target client#0
  devlink send wss://dev.example.com/message reload --header 'Authorization: Bearer abc'`,
	Args: cobra.RangeArgs(2, 3),
	RunE: runSend,
}

var (
	sendTarget      string
	sendHeaders     []string
	sendDialTimeout time.Duration
	sendTimeout     time.Duration
)

func init() {
	rootCmd.AddCommand(sendCmd)

	sendCmd.Flags().StringVar(&sendTarget, "target", "", "peer id to send a request to; omit to broadcast")
	sendCmd.Flags().StringArrayVarP(&sendHeaders, "header", "H", nil, "HTTP header for the WebSocket handshake, as 'Name: value' (repeatable)")
	sendCmd.Flags().DurationVar(&sendDialTimeout, "dial-timeout", 10*time.Second, "WebSocket dial timeout")
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 30*time.Second, "Total operation timeout")
}

// parseParams returns raw as JSON if it is valid JSON, otherwise as a JSON string.
func parseParams(raw string) json.RawMessage {
	if json.Valid([]byte(raw)) {
		return json.RawMessage(raw)
	}
	quoted, _ := json.Marshal(raw)
	return quoted
}

// parseHeader splits a "Name: value" flag into its parts.
func parseHeader(raw string) (string, string, error) {
	name, value, ok := strings.Cut(raw, ":")
	name = strings.TrimSpace(name)
	if !ok || name == "" || strings.ContainsAny(name, " \t") {
		return "", "", fmt.Errorf("invalid header %q, expected 'Name: value'", raw)
	}
	return name, strings.TrimSpace(value), nil
}

func runSend(cmd *cobra.Command, args []string) error {
	logger, err := setupLogger()
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer logger.Sync()

	wsURL := args[0]
	method := args[1]

	var params any
	if len(args) == 3 {
		params = parseParams(args[2])
	}

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	builder := client.NewClient().
		WithURL(wsURL).
		WithLogger(logger).
		WithDialTimeout(sendDialTimeout)

	for _, raw := range sendHeaders {
		name, value, err := parseHeader(raw)
		if err != nil {
			return err
		}
		builder = builder.WithHeader(name, value)
	}

	busClient, err := builder.Build()
	if err != nil {
		return fmt.Errorf("failed to create message bus client: %w", err)
	}

	if err := busClient.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to message bus: %w", err)
	}
	defer busClient.Close()

	if sendTarget == "" {
		if err := busClient.Broadcast(ctx, method, params); err != nil {
			return fmt.Errorf("failed to broadcast: %w", err)
		}

		// The bus handles a peer's messages in order, so once our id comes back
		// the broadcast has been routed.
		if _, err := busClient.ID(ctx); err != nil {
			return fmt.Errorf("failed to confirm broadcast: %w", err)
		}

		logger.Info("Broadcast sent", zap.String("method", method))
		return nil
	}

	result, err := busClient.Request(ctx, sendTarget, method, params)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}

	fmt.Fprintln(os.Stdout, string(result))
	return nil
}
