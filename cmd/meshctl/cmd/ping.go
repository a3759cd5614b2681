package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_mesh/internal/node"
)

var pingCount int

type pingResult struct {
	Seq       int    `json:"seq"`
	Responder string `json:"responder,omitempty"`
	Latency   string `json:"latency"`
	Error     string `json:"error,omitempty"`
}

// pingCmd represents the ping command
var pingCmd = &cobra.Command{
	Use:   "ping <service|address>",
	Short: "Ping a service on the mesh",
	Long: `Send "ping" requests to a service id or a node address and report the
round trip for each. The target needs a ping handler registered.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := commandContext(cmd)
		s, err := joinMesh(ctx)
		if err != nil {
			return fmt.Errorf("failed to join mesh: %w", err)
		}
		defer s.Close(context.Background())

		results := make([]pingResult, 0, pingCount)
		failed := 0
		for seq := 1; seq <= pingCount; seq++ {
			started := time.Now()
			resp, err := s.node.MakeRequest(ctx, node.RequestOptions{
				To:          args[0],
				RequestType: "ping",
				Headers:     node.RequestHeaders{AuthToken: authToken},
			})
			r := pingResult{Seq: seq, Latency: time.Since(started).Round(time.Microsecond).String()}
			if err != nil {
				r.Error = err.Error()
				failed++
			} else {
				r.Responder = resp.ResponseHeader.ResponderAddress
			}
			results = append(results, r)
		}

		err = printOutput(cmd.OutOrStdout(), results, func(w io.Writer) {
			for _, r := range results {
				if r.Error != "" {
					fmt.Fprintf(w, "ping %d: %s (%s)\n", r.Seq, r.Error, r.Latency)
					continue
				}
				fmt.Fprintf(w, "Pong from %s: seq=%d time=%s\n", r.Responder, r.Seq, r.Latency)
			}
		})
		if err != nil {
			return err
		}
		if failed == pingCount {
			return fmt.Errorf("ping failed: no replies from %s", args[0])
		}
		return nil
	},
}

func init() {
	pingCmd.Flags().IntVarP(&pingCount, "count", "c", 1, "number of pings to send")
	rootCmd.AddCommand(pingCmd)
}
