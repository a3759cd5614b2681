package cmd

import (
	"context"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_mesh/internal/discovery"
)

var servicesCmd = &cobra.Command{
	Use:   "services",
	Short: "List services with at least one registered node",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := commandContext(cmd)
		s, err := openDiscovery(ctx)
		if err != nil {
			return fmt.Errorf("failed to open registry: %w", err)
		}
		defer s.Close(context.Background())

		services, err := s.discovery.OnlineServices(ctx)
		if err != nil {
			return fmt.Errorf("failed to list services: %w", err)
		}
		sort.Strings(services)
		return printOutput(cmd.OutOrStdout(), services, func(w io.Writer) {
			if len(services) == 0 {
				fmt.Fprintln(w, "No services online")
				return
			}
			for _, svc := range services {
				fmt.Fprintln(w, svc)
			}
		})
	},
}

var nodesCmd = &cobra.Command{
	Use:   "nodes <service>",
	Short: "List the nodes registered for a service",
	Long: `List the nodes registered for a service with their reported load,
least loaded first. Registry rows are shown as stored; stale nodes are only
evicted when a request routes to them.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := commandContext(cmd)
		s, err := openDiscovery(ctx)
		if err != nil {
			return fmt.Errorf("failed to open registry: %w", err)
		}
		defer s.Close(context.Background())

		nodes, err := s.discovery.Nodes(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to list nodes: %w", err)
		}
		sortNodes(nodes)
		return printOutput(cmd.OutOrStdout(), nodes, func(w io.Writer) {
			if len(nodes) == 0 {
				fmt.Fprintf(w, "No nodes registered for %s\n", args[0])
				return
			}
			tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "NODE\tLOAD\tUPDATED")
			for _, n := range nodes {
				fmt.Fprintf(tw, "%s\t%d\t%s\n", n.NodeID, n.Load, n.UpdatedAt.Format(time.RFC3339))
			}
			tw.Flush()
		})
	},
}

func sortNodes(nodes []discovery.ServiceNode) {
	sort.SliceStable(nodes, func(i, j int) bool {
		if nodes[i].Load != nodes[j].Load {
			return nodes[i].Load < nodes[j].Load
		}
		return nodes[i].NodeID < nodes[j].NodeID
	})
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func init() {
	rootCmd.AddCommand(servicesCmd)
	rootCmd.AddCommand(nodesCmd)
}
