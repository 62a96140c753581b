package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lazypower/crystal/internal/engine"
	"github.com/lazypower/crystal/internal/identity"
	"github.com/lazypower/crystal/internal/logging"
	"github.com/lazypower/crystal/internal/media"
	"github.com/lazypower/crystal/internal/presence"
	"github.com/lazypower/crystal/internal/realtime"
	"github.com/lazypower/crystal/internal/server"
	"github.com/lazypower/crystal/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP and websocket API server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := logging.New(cfg.Log)

	dbPath := cfg.Database.Path
	if dbPath == "" {
		dbPath, err = store.DefaultDBPath()
		if err != nil {
			return fmt.Errorf("resolve db path: %w", err)
		}
	}

	db, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	hub := realtime.NewHub(log)
	defer hub.Close()

	eng := engine.New(db, hub, log)
	eng.SetLocation(loc)
	eng.SetSweepInterval(cfg.Decay.SweepInterval)
	eng.StartDecayTimer()
	defer eng.Stop()

	if cfg.Auth.AllowHeader {
		log.Warn().Msg("trusting X-User-ID header; do not expose this server publicly")
	}

	uploader, local, err := media.New(cmd.Context(), cfg.Media, log)
	if err != nil {
		log.Warn().Err(err).Msg("media uploads disabled")
	}

	srv := server.New(server.Deps{
		DB:       db,
		Engine:   eng,
		Presence: presence.New(db, hub, cfg.Presence.Window, log),
		Hub:      hub,
		Auth:     identity.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.AllowHeader),
		Media:    uploader,
		Local:    local,
		Log:      log,
	}, VersionString())
	addr := cfg.ListenAddr()

	httpServer := &http.Server{
		Addr:    addr,
		Handler: srv,
	}

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Str("db", dbPath).Str("version", VersionString()).Msg("crystal serving")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case <-done:
	case err := <-errc:
		return fmt.Errorf("server error: %w", err)
	}
	log.Info().Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	return httpServer.Shutdown(ctx)
}
