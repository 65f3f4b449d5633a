package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"zs-hedge-bot/internal/app"
	"zs-hedge-bot/internal/logging"
	"zs-hedge-bot/internal/state/sqlite"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the hedge loop",
	RunE:  runBot,
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Authenticate both accounts, print balances and positions and wait for one BBO",
	RunE:  runVerify,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the persisted cycle state and rate budget usage",
	RunE:  runStatus,
}

var clearHaltCmd = &cobra.Command{
	Use:   "clear-halt",
	Short: "Clear a persisted HALTED state after manual flattening",
	RunE:  runClearHalt,
}

func init() {
	clearHaltCmd.Flags().Bool("force", false, "clear even if the snapshot still records an open pair")
}

func runBot(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := logging.New(cfg.Log)
	defer func() { _ = log.Sync() }()
	log.Info("config loaded", zap.String("path", configPath), zap.String("instrument", cfg.Market.Instrument))

	application, err := app.New(cfg, log)
	if err != nil {
		log.Error("failed to initialize app", zap.Error(err))
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("app terminated", zap.Error(err))
		return err
	}
	log.Info("app stopped")
	return nil
}

func runVerify(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := logging.New(cfg.Log)
	defer func() { _ = log.Sync() }()
	application, err := app.New(cfg, log)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
	defer cancel()
	return application.Verify(ctx, cmd.OutOrStdout())
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return err
	}
	defer store.Close()
	out, err := app.StoredStatus(cmd.Context(), store, cfg)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), out)
	return nil
}

func runClearHalt(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	force, _ := cmd.Flags().GetBool("force")
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return err
	}
	defer store.Close()
	snap, err := app.ClearHalt(cmd.Context(), store, force)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "halt cleared, state %s; positions are reconciled on the next run\n", snap.State)
	return nil
}
