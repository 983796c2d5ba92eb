package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"roadside-backend/internal/reconcile"
	"roadside-backend/internal/repository"
	"roadside-backend/pkg/database"
	"roadside-backend/pkg/jwt"
	"roadside-backend/pkg/logger"

	"github.com/spf13/cobra"
)

var indexesCmd = &cobra.Command{
	Use:   "indexes",
	Short: "Ensure MongoDB indexes on the alerts collection",
	RunE:  ensureIndexes,
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile-billing",
	Short: "Run one billing reconciliation pass over completed, unbilled alerts",
	RunE:  reconcileBilling,
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a signed access token for local testing",
	RunE:  issueToken,
}

var tokenUser, tokenEmail, tokenRole string

func init() {
	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "user id (required)")
	tokenCmd.Flags().StringVar(&tokenEmail, "email", "", "email claim")
	tokenCmd.Flags().StringVar(&tokenRole, "role", "driver", "role claim: driver, mechanic or admin")
	_ = tokenCmd.MarkFlagRequired("user")

	rootCmd.AddCommand(indexesCmd, reconcileCmd, tokenCmd)
}

func ensureIndexes(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	db, err := database.Connect(cfg.MongoURI)
	if err != nil {
		return fmt.Errorf("connect mongodb: %w", err)
	}
	defer database.Disconnect(db.Client())

	ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
	defer cancel()
	if err := repository.NewAlertRepository(db).CreateIndexes(ctx); err != nil {
		return fmt.Errorf("create alert indexes: %w", err)
	}

	log := logger.New("indexes")
	log.Info().Msg("alert indexes ensured")
	return nil
}

func reconcileBilling(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	scheduler, err := reconcile.New(a.dispatch, cfg.Billing.ReconcileSchedule, cfg.Billing.ReconcileGrace, cfg.Billing.ReconcileBatch)
	if err != nil {
		return err
	}
	billed, err := scheduler.RunOnce(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "billed %d alerts\n", billed)
	return nil
}

func issueToken(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	tokens, err := jwt.NewJWTUtil(cfg.JWTSecret, cfg.JWTExpiry)
	if err != nil {
		return err
	}
	token, err := tokens.GenerateToken(tokenUser, tokenEmail, tokenRole)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
