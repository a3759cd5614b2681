package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_mesh/internal/node"
)

var (
	requestBody      string
	requestSessionID string
)

type requestResult struct {
	RequestID string            `json:"requestId"`
	Responder string            `json:"responder"`
	Updates   []json.RawMessage `json:"statusUpdates,omitempty"`
	Data      json.RawMessage   `json:"data"`
}

// requestCmd represents the request command
var requestCmd = &cobra.Command{
	Use:   "request <service|address> <type>",
	Short: "Send a request and wait for the response",
	Long: `Send a request of the given type to a service id or node address.

The body is inline JSON or @path to read it from a file. Status updates the
handler sends while working are printed to stderr and keep the request open
past --timeout.`,
	Example: `  meshctl request orders orders.get --body '{"id":"o-1"}'
  meshctl request harbormesh:reports:3f2a... reports.build --body @req.json --timeout 5s`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := parseBody(requestBody)
		if err != nil {
			return err
		}
		ctx := commandContext(cmd)
		s, err := joinMesh(ctx)
		if err != nil {
			return fmt.Errorf("failed to join mesh: %w", err)
		}
		defer s.Close(context.Background())

		var (
			mu      sync.Mutex
			updates []json.RawMessage
		)
		opts := node.RequestOptions{
			To:          args[0],
			RequestType: args[1],
			Timeout:     timeout,
			Headers:     node.RequestHeaders{AuthToken: authToken, SessionID: requestSessionID},
			HandleStatusUpdate: func(_ context.Context, status json.RawMessage) {
				mu.Lock()
				updates = append(updates, status)
				mu.Unlock()
				if !outputJSON {
					fmt.Fprintf(cmd.ErrOrStderr(), "status: %s\n", status)
				}
			},
		}
		if body != nil {
			opts.Body = body
		}

		resp, err := s.node.MakeRequest(ctx, opts)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		mu.Lock()
		defer mu.Unlock()
		result := requestResult{
			RequestID: resp.RequestHeader.RequestID,
			Responder: resp.ResponseHeader.ResponderAddress,
			Updates:   updates,
			Data:      resp.Body.Data,
		}
		return printOutput(cmd.OutOrStdout(), result, func(w io.Writer) {
			fmt.Fprintf(w, "Response from %s (request %s)\n", result.Responder, result.RequestID)
			fmt.Fprintln(w, string(result.Data))
		})
	},
}

func init() {
	requestCmd.Flags().StringVarP(&requestBody, "body", "d", "", "request body as JSON or @file")
	requestCmd.Flags().StringVar(&requestSessionID, "session", "", "session id stamped on the request")
	rootCmd.AddCommand(requestCmd)
}
