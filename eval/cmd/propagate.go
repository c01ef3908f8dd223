package cmd

import (
	"context"
	"log"
	"time"

	"github.com/0x00A/vines/eval/pkg/cluster"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(propagateCmd)
}

var propagateCmd = &cobra.Command{
	Use:   "propagate",
	Short: "Measure the time for a store update to propagate to all nodes in the cluster",
	Run: func(cmd *cobra.Command, args []string) {
		cluster := cluster.NewCluster()
		defer cluster.Shutdown()

		if err := cluster.AddNodes(16); err != nil {
			log.Fatalf("failed to add nodes: %v", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Second*30)
		defer cancel()

		if err := cluster.WaitForHealthy(ctx); err != nil {
			log.Fatalf("timed out waiting for cluster to become healthy: %v", err)
		}

		node, err := cluster.AddNode()
		if err != nil {
			log.Fatalf("failed to add node: %v", err)
		}

		start := time.Now()
		node.Engine.Set("foo", "bar")

		if err = cluster.WaitToPropagate(ctx, "foo", "bar"); err != nil {
			log.Fatalf("timed out waiting for update to propagate: %v", err)
		}

		log.Printf("update propagated to %d nodes in %s", len(cluster.Nodes()), time.Since(start))
	},
}
