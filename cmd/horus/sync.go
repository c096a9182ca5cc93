// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/apptanksas/horus-sync-go/horus"
	"github.com/apptanksas/horus-sync-go/horussqlite"
	"github.com/apptanksas/horus-sync-go/internal/auth"
	"github.com/apptanksas/horus-sync-go/internal/refserver"
	"github.com/apptanksas/horus-sync-go/remote"
)

func newSyncCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Synchronize a local SQLite database with a sync server",
		Long: `Run the startup pipeline against --server: fetch the schemes, migrate the
local database, download the initial data on first run and perform one sync run.

With --watch the command keeps running and syncs again whenever the interval
threshold is reached, until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runSync(ctx, v)
		},
	}

	f := cmd.Flags()
	f.String("server", "http://localhost:8080", "sync server base URL")
	f.String("db", "horus.db", "local SQLite database file")
	f.String("token", "", "bearer token (obtained from /signin when empty)")
	f.String("user", "", "user to sign in as when no token is given")
	f.String("acting-as", "", "operate on another user's data")
	f.Int("batch-size", 50, "actions per push request")
	f.Bool("bulk-validation", false, "validate record hashes of all mismatched entities in one request")
	f.Bool("watch", false, "keep syncing until interrupted")
	f.Duration("interval", 30*time.Second, "longest time local writes wait for a sync run in watch mode")
	for key, name := range map[string]string{
		"sync.server":          "server",
		"sync.db":              "db",
		"sync.token":           "token",
		"sync.user":            "user",
		"sync.acting_as":       "acting-as",
		"sync.batch_size":      "batch-size",
		"sync.bulk_validation": "bulk-validation",
		"sync.watch":           "watch",
		"sync.interval":        "interval",
	} {
		_ = v.BindPFlag(key, f.Lookup(name))
	}
	return cmd
}

func runSync(ctx context.Context, v *viper.Viper) error {
	logger := slog.Default()

	db, err := horussqlite.Open(ctx, v.GetString("sync.db"))
	if err != nil {
		return err
	}
	defer db.Close()

	store, err := horussqlite.NewStore(ctx, db, &horussqlite.Config{Now: time.Now, Logger: logger})
	if err != nil {
		return err
	}
	records, err := horussqlite.NewRecordStore(ctx, db)
	if err != nil {
		return err
	}

	serverURL := strings.TrimSuffix(v.GetString("sync.server"), "/")
	token := v.GetString("sync.token")
	if token == "" {
		token, err = signin(ctx, serverURL, v.GetString("sync.user"), store.SourceID())
		if err != nil {
			return err
		}
	}
	session, err := auth.NewSession(token)
	if err != nil {
		return err
	}
	if session.DeviceID() != store.SourceID() {
		logger.Warn("Token device differs from local source id", "token_device", session.DeviceID(), "source_id", store.SourceID())
	}
	if actingAs := v.GetString("sync.acting_as"); actingAs != "" {
		session.ActAs(actingAs)
	}

	remoteCfg := remote.DefaultConfig(serverURL)
	remoteCfg.Token = session.Token
	remoteCfg.ActingAs = session.ActingAs
	remoteCfg.Logger = logger
	client, err := remote.NewClient(remoteCfg)
	if err != nil {
		return err
	}

	bus := horus.NewEventBus()
	syncCfg := horus.DefaultSyncConfig()
	syncCfg.Bus = bus
	syncCfg.Logger = logger
	syncCfg.LogStageTimings = true
	syncCfg.Queue.BatchSize = v.GetInt("sync.batch_size")
	syncCfg.Reconcile.BulkRecordValidation = v.GetBool("sync.bulk_validation")
	syncCfg.Trigger.MaxInterval = v.GetDuration("sync.interval")
	manager := horus.NewSyncManager(store, records, client, syncCfg)

	pipeline, err := horus.NewStartupPipeline(horus.StartupConfig{
		Store: store, Remote: client, Manager: manager, Applier: records, Logger: logger,
	})
	if err != nil {
		return err
	}
	out, err := pipeline.Run(ctx)
	if err != nil {
		return err
	}
	if report, ok := out.(horus.RunReport); ok {
		logReport(logger, report)
	}

	if !v.GetBool("sync.watch") {
		return nil
	}

	unsubscribe := bus.Subscribe(horus.EventSyncCompleted, func(ev horus.Event) {
		if ev.Report != nil {
			logReport(logger, *ev.Report)
		}
	})
	defer unsubscribe()
	manager.Start(ctx)
	logger.Info("Watching for changes", "interval", syncCfg.Trigger.MaxInterval)
	<-ctx.Done()
	manager.Stop()
	return nil
}

func logReport(logger *slog.Logger, r horus.RunReport) {
	logger.Info("Sync run finished",
		"status", r.Status,
		"pushed", r.Push.Pushed,
		"retained", r.Push.Retained,
		"pulled", r.Pull.Applied,
		"checkpoint", r.Pull.Checkpoint,
		"mismatched", len(r.Reconcile.Mismatched),
		"refetched", r.Reconcile.Refetched,
		"removed", r.Reconcile.Removed,
		"duration", r.Duration)
}

// signin obtains a token from the server's /signin endpoint.
func signin(ctx context.Context, serverURL, user, device string) (string, error) {
	if user == "" {
		return "", errors.New("either --token or --user is required")
	}
	body, err := json.Marshal(refserver.SigninRequest{User: user, Device: device})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, serverURL+"/signin", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set(horus.HeaderContentType, "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to sign in: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return "", fmt.Errorf("sign in failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out refserver.SigninResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode sign in response: %w", err)
	}
	return out.Token, nil
}
