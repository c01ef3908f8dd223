package cmd

import (
	"context"
	"log"
	"time"

	"github.com/0x00A/vines"
	"github.com/0x00A/vines/eval/pkg/cluster"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(electionCmd)
}

// quorumWaiter collects quorum events from one node.
type quorumWaiter struct {
	ch chan vines.Event
}

func newQuorumWaiter() *quorumWaiter {
	return &quorumWaiter{
		ch: make(chan vines.Event, 1),
	}
}

func (w *quorumWaiter) Notify(e vines.Event) {
	if e.Kind != vines.EventQuorum {
		return
	}
	select {
	case w.ch <- e:
	default:
	}
}

var electionCmd = &cobra.Command{
	Use:   "election",
	Short: "Run a quorum election across a local cluster and report the tally",
	Run: func(cmd *cobra.Command, args []string) {
		cluster := cluster.NewCluster()
		defer cluster.Shutdown()

		if err := cluster.AddNodes(8); err != nil {
			log.Fatalf("failed to add nodes: %v", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Second*30)
		defer cancel()

		if err := cluster.WaitForHealthy(ctx); err != nil {
			log.Fatalf("timed out waiting for cluster to become healthy: %v", err)
		}

		waiters := make([]*quorumWaiter, 0, len(cluster.Nodes()))
		for _, node := range cluster.Nodes() {
			w := newQuorumWaiter()
			node.Engine.Subscribe(w)
			waiters = append(waiters, w)

			if _, err := node.Engine.Election(vines.ElectionOpts{
				Topic:  "leader",
				Quorum: 0.5,
			}); err != nil {
				log.Fatalf("failed to register election: %v", err)
			}
		}

		// Every node nominates the first node, so the cluster must settle
		// on it.
		candidate := cluster.Nodes()[0].ID
		start := time.Now()
		for _, node := range cluster.Nodes() {
			node.Engine.Vote("leader", candidate)
		}

		for _, w := range waiters {
			select {
			case e := <-w.ch:
				winner, _ := e.Election.Winner()
				log.Printf("quorum reached: winner=%s results=%v", winner, e.Results)
			case <-ctx.Done():
				log.Fatalf("timed out waiting for quorum: %v", ctx.Err())
			}
		}

		log.Printf("election settled on %d nodes in %s", len(waiters), time.Since(start))
	},
}
