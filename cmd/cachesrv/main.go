// cachesrv runs the cache engine with its administrative REST API.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pacmano1/the-cache/config"
	"github.com/pacmano1/the-cache/engine"
	"github.com/pacmano1/the-cache/logger"
	"github.com/pacmano1/the-cache/repository"
	"github.com/pacmano1/the-cache/server"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "cachesrv",
	Short: "Read-through key/value cache engine for integration channels",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the engine and the administrative REST API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to YAML config file")
	rootCmd.AddCommand(serveCmd)
}

func serve() error {
	log := logger.NewConsoleLogger()

	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var repoOpts []repository.Option
	if cfg.EncryptionPassphrase != "" {
		cipher, err := repository.NewCipher(cfg.EncryptionPassphrase)
		if err != nil {
			return err
		}
		repoOpts = append(repoOpts, repository.WithCipher(cipher))
	}
	repo, err := repository.Open(ctx, cfg.DatabasePath, log, repoOpts...)
	if err != nil {
		return err
	}
	defer repo.Close()

	eng := engine.New(log, engine.WithBorrowTimeout(cfg.BorrowTimeout))
	defer eng.Shutdown()

	// Register every enabled persisted definition. A bad definition is
	// logged and skipped rather than failing startup.
	defs, err := repo.List(ctx)
	if err != nil {
		return err
	}
	registered := 0
	for _, def := range defs {
		if !def.Enabled {
			continue
		}
		if err := eng.Register(def); err != nil {
			log.Warn("failed to register cache %q: %v", def.Name, err)
			continue
		}
		registered++
	}
	log.Info("loaded %d cache definition(s), registered %d", len(defs), registered)

	srv := server.New(cfg.ListenAddr, repo, eng, log)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
