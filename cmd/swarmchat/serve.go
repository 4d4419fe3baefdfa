package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/opd-ai/swarmchat/config"
	"github.com/opd-ai/swarmchat/crypto"
	"github.com/opd-ai/swarmchat/swarm"
)

// nodeKeyFile holds the hex encoded static key of the served node.
const nodeKeyFile = "node.key"

func newServeCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve a Noise secured storage node and the metrics endpoint",
		Long: `serve runs the storage node described by the [Server] section of the
configuration. Its static key is kept in the data directory and printed at
start so clients can pin it. When [Metrics] has an Address, prometheus
metrics are served on /metrics.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			if cfg.Server == nil {
				return errors.New("config has no [Server] section")
			}
			return runServer(cmd, cfg)
		},
	}
}

func runServer(cmd *cobra.Command, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return err
	}
	static, err := loadNodeKey(filepath.Join(cfg.DataDir, nodeKeyFile))
	if err != nil {
		return err
	}

	var backend swarm.Node
	switch cfg.Server.Backend {
	case config.NodeRedis:
		rn := swarm.NewRedisNode("server", redis.NewClient(&redis.Options{Addr: cfg.Server.RedisAddress}))
		defer rn.Close()
		backend = rn
	default:
		backend = swarm.NewMemoryNode("server")
	}

	server := swarm.NewNodeServer(static, backend)
	pub := server.PublicKey()
	fmt.Fprintf(cmd.OutOrStdout(), "node public key %s\n", hex.EncodeToString(pub[:]))

	var metrics *http.Server
	if cfg.Metrics.Address != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metrics = &http.Server{Addr: cfg.Metrics.Address, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logrus.WithFields(logrus.Fields{
					"function": "runServer",
					"address":  cfg.Metrics.Address,
					"error":    err.Error(),
				}).Error("Metrics server failed")
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe(cfg.Server.Address)
	}()

	select {
	case err = <-errCh:
	case <-ctx.Done():
	}
	if metrics != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		metrics.Shutdown(shutdownCtx)
	}
	if cerr := server.Close(); err == nil {
		err = cerr
	}
	return err
}

// loadNodeKey reads the node key at path, creating it when missing.
func loadNodeKey(path string) (*crypto.KeyPair, error) {
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		secret, err := parseKey(strings.TrimSpace(string(raw)))
		if err != nil {
			return nil, fmt.Errorf("%s: %v", path, err)
		}
		return crypto.FromSecretKey(secret)
	case errors.Is(err, os.ErrNotExist):
		kp, err := crypto.GenerateKeyPair()
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, []byte(hex.EncodeToString(kp.Private[:])+"\n"), 0o600); err != nil {
			return nil, err
		}
		return kp, nil
	default:
		return nil, err
	}
}
