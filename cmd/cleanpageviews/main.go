// Command cleanpageviews deletes page views older than a number of days.
//
//	cleanpageviews --days 90 --keep-unique
//
// With --keep-unique the most recent view of every URL and of every tracked
// object is kept regardless of age. Database settings come from the same
// configuration as the server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/coder/quartz"
	"github.com/sifan077/pageviews/config"
	apprepository "github.com/sifan077/pageviews/internal/app/repository"
	"github.com/sifan077/pageviews/internal/app/service"
	"github.com/sifan077/pageviews/internal/infra/logger"
	infraPostgres "github.com/sifan077/pageviews/internal/infra/postgres"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "cleanpageviews:", err)
		os.Exit(1)
	}
}

func run() error {
	flags := pflag.NewFlagSet("cleanpageviews", pflag.ContinueOnError)
	flags.Int("days", service.DefaultRetentionDays, "delete page views older than this many days")
	flags.Bool("keep-unique", false, "keep the latest view of every URL and object")
	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}

	v := viper.New()
	if err := v.BindPFlag("pageviews.retention_days", flags.Lookup("days")); err != nil {
		return err
	}
	if err := v.BindPFlag("pageviews.retention_keep_unique", flags.Lookup("keep-unique")); err != nil {
		return err
	}
	cfg, err := config.LoadWith(v)
	if err != nil {
		return err
	}
	// The server reads 0 as "no scheduled retention"; here it means the flag default.
	if cfg.PageViews.RetentionDays == 0 {
		cfg.PageViews.RetentionDays = service.DefaultRetentionDays
	}

	log, err := logger.Init(logger.Config{
		Development: cfg.Server.Development(),
		Level:       cfg.Log.Level,
		Encoding:    cfg.Log.Encoding,
		File:        cfg.Log.File,
		Service:     "cleanpageviews",
	})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := infraPostgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("connect to postgres: %w", err)
	}
	defer pool.Close()

	db, err := infraPostgres.NewGorm(pool, false)
	if err != nil {
		return fmt.Errorf("open gorm: %w", err)
	}

	retention := service.NewRetention(apprepository.NewPageViewRepository(db), quartz.NewReal(), log)
	deleted, err := retention.Purge(ctx, cfg.PageViews.RetentionDays, cfg.PageViews.RetentionKeepUnique)
	if err != nil {
		return err
	}

	log.Info("Page view cleanup finished", zap.Int64("deleted", deleted))
	fmt.Printf("Deleted %d page views older than %d days\n", deleted, cfg.PageViews.RetentionDays)
	return nil
}
