package cmd

import (
	"context"
	"errors"
	"log"
	"net"
	"strconv"
	"syscall"

	"github.com/0x00A/vines"
	rungroup "github.com/oklog/run"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", vines.DefaultPort, "port to listen on")
	serveCmd.Flags().StringSliceVar(&serveJoin, "join", nil, "addresses of existing members to join")
	rootCmd.AddCommand(serveCmd)
}

var (
	servePort int
	serveJoin []string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a single node until interrupted, optionally joining existing members",
	Run: func(cmd *cobra.Command, args []string) {
		logger, err := zap.NewDevelopment()
		if err != nil {
			log.Fatalf("failed to setup logger: %v", err)
		}

		node, err := vines.Create(&vines.Config{
			Port:   servePort,
			Logger: logger,
		})
		if err != nil {
			log.Fatalf("failed to create node: %v", err)
		}

		if err := node.Listen(); err != nil {
			log.Fatalf("failed to listen: %v", err)
		}
		logger.Info("node listening", zap.String("addr", node.BindAddr()))

		for _, addr := range serveJoin {
			host, portStr, err := net.SplitHostPort(addr)
			if err != nil {
				log.Fatalf("invalid join addr %s: %v", addr, err)
			}
			port, err := strconv.Atoi(portStr)
			if err != nil {
				log.Fatalf("invalid join addr %s: %v", addr, err)
			}
			if err := node.Join(port, host); err != nil {
				logger.Warn("failed to join seed", zap.String("addr", addr), zap.Error(err))
			}
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		var group rungroup.Group
		group.Add(rungroup.SignalHandler(ctx, syscall.SIGINT, syscall.SIGTERM))
		group.Add(func() error {
			<-ctx.Done()
			return nil
		}, func(error) {
			cancel()
		})

		err = group.Run()
		var signalErr rungroup.SignalError
		if err != nil && !errors.As(err, &signalErr) {
			logger.Error("run group failed", zap.Error(err))
		}

		if err := node.Close(); err != nil {
			logger.Error("failed to close node", zap.Error(err))
		}
	},
}
