// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/apptanksas/horus-sync-go/horus"
	"github.com/apptanksas/horus-sync-go/internal/refserver"
)

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the reference sync server",
		Long: `Run the reference sync server for the entity schemes in --schemes.

Actions are kept in memory unless --database-url points at PostgreSQL.
POST /signin issues tokens for any user and password.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), v)
		},
	}

	f := cmd.Flags()
	f.String("addr", ":8080", "listen address")
	f.String("database-url", "", "PostgreSQL URL (in-memory storage when empty)")
	f.String("jwt-secret", "", "HS256 secret for session tokens")
	f.String("schemes", "", "JSON file with the migration document served at /migration")
	f.Duration("token-ttl", time.Hour, "lifetime of tokens issued by /signin")
	_ = v.BindPFlag("server.addr", f.Lookup("addr"))
	_ = v.BindPFlag("server.database_url", f.Lookup("database-url"))
	_ = v.BindPFlag("server.jwt_secret", f.Lookup("jwt-secret"))
	_ = v.BindPFlag("server.schemes", f.Lookup("schemes"))
	_ = v.BindPFlag("server.token_ttl", f.Lookup("token-ttl"))
	return cmd
}

// loadSchemes reads a migration document from path.
func loadSchemes(path string) (horus.MigrationResponse, error) {
	if path == "" {
		return horus.MigrationResponse{}, errors.New("--schemes is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return horus.MigrationResponse{}, fmt.Errorf("failed to read schemes: %w", err)
	}
	return horus.DecodeSchemes(data)
}

func runServe(ctx context.Context, v *viper.Viper) error {
	logger := slog.Default()

	migration, err := loadSchemes(v.GetString("server.schemes"))
	if err != nil {
		return err
	}

	components, err := refserver.Setup(ctx, &refserver.Config{
		DatabaseURL:   v.GetString("server.database_url"),
		JWTSecret:     v.GetString("server.jwt_secret"),
		TokenTTL:      v.GetDuration("server.token_ttl"),
		SchemaVersion: migration.Version,
		Schemes:       migration.Schemes,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("failed to setup server: %w", err)
	}
	defer components.Close()

	httpServer := &http.Server{
		Addr:         v.GetString("server.addr"),
		Handler:      components.Handler,
		ReadTimeout:  120 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting sync server", "addr", httpServer.Addr, "schema_version", migration.Version)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-quit:
	}

	logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("Server exited")
	return nil
}
