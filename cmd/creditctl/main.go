package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/Dan9191/credit-service/internal/config"
	"github.com/Dan9191/credit-service/internal/repository"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "creditctl",
		Short:         "Operator tool for the credit service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(submitCmd())
	rootCmd.AddCommand(sagaCmd())

	return rootCmd
}

// env is what every command needs: config, logger and the database
type env struct {
	cfg     *config.Config
	log     *logrus.Logger
	db      *sql.DB
	dialect repository.Dialect
}

func openEnv(ctx context.Context) (*env, error) {
	cfg, err := config.NewConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	log.SetOutput(os.Stderr)
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.WarnLevel
	}
	log.SetLevel(level)

	dialect, err := repository.ParseDialect(cfg.DBDriver)
	if err != nil {
		return nil, err
	}
	db, err := repository.Open(ctx, dialect, cfg.DBConn)
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, log: log, db: db, dialect: dialect}, nil
}

func (e *env) Close() error {
	return e.db.Close()
}
