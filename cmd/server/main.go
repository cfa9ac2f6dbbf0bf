package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/matchslot/matchslot/internal/api"
	"github.com/matchslot/matchslot/internal/app"
	"github.com/matchslot/matchslot/internal/app/maintenance"
	"github.com/matchslot/matchslot/internal/booking"
	"github.com/matchslot/matchslot/internal/database"
	"github.com/matchslot/matchslot/internal/realtime"
	"github.com/matchslot/matchslot/internal/services"
	"github.com/matchslot/matchslot/pkg/logger"
	"github.com/matchslot/matchslot/pkg/mail"
)

const shutdownTimeout = 15 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("matchslot-server", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)

	var configPath string
	fs.StringVar(&configPath, "config", "", "Path to configuration directory or file")

	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadApplicationConfig(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(cfg.Server.LogLevel); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	defer logger.Sync() // best effort

	log := logger.WithModule("bootstrap")

	db, err := initialiseDatabase(cfg)
	if err != nil {
		return err
	}
	defer closeDatabase(db, log)

	policy, err := services.ParseWorkflowPolicy(cfg.Booking.ApprovalMode, cfg.Booking.SlotApproval)
	if err != nil {
		return fmt.Errorf("resolve workflow policy: %w", err)
	}

	mailer, err := mail.NewSMTPMailer(mail.SMTPSettings{
		Enabled:  cfg.Email.SMTP.Enabled,
		Host:     cfg.Email.SMTP.Host,
		Port:     cfg.Email.SMTP.Port,
		Username: cfg.Email.SMTP.Username,
		Password: cfg.Email.SMTP.Password,
		From:     cfg.Email.SMTP.From,
		UseTLS:   cfg.Email.SMTP.UseTLS,
		Timeout:  cfg.Email.SMTP.Timeout,
	})
	if err != nil {
		return fmt.Errorf("initialise smtp mailer: %w", err)
	}
	if !cfg.Email.SMTP.Enabled {
		log.Info("smtp delivery disabled; notifications stay queued in the outbox")
	}

	hub := realtime.NewHub()

	machine, err := booking.NewMachine(db, booking.WithPublisher(hub))
	if err != nil {
		return fmt.Errorf("initialise booking machine: %w", err)
	}

	linkSvc, err := services.NewLinkService(db, services.WithLinkBaseURL(cfg.Links.BaseURL))
	if err != nil {
		return fmt.Errorf("initialise link service: %w", err)
	}

	outboxSvc, err := services.NewOutboxService(db, mailer)
	if err != nil {
		return fmt.Errorf("initialise outbox service: %w", err)
	}

	offerSvc, err := services.NewOfferService(db, linkSvc, policy)
	if err != nil {
		return fmt.Errorf("initialise offer service: %w", err)
	}

	approvalSvc, err := services.NewApprovalService(db, machine, linkSvc, outboxSvc, policy)
	if err != nil {
		return fmt.Errorf("initialise approval service: %w", err)
	}

	if cfg.Maintenance.Enabled {
		sweeper, err := maintenance.NewSweeper(machine,
			maintenance.WithSchedule(cfg.Maintenance.SweepSchedule),
			maintenance.WithHoldTimeout(cfg.Booking.HoldTimeout),
		)
		if err != nil {
			return fmt.Errorf("initialise hold sweeper: %w", err)
		}
		if err := sweeper.Start(); err != nil {
			return fmt.Errorf("start hold sweeper: %w", err)
		}
		defer func() {
			<-sweeper.Stop().Done()
		}()
	}

	router, err := api.NewRouter(api.Dependencies{
		DB:          db,
		Hub:         hub,
		Offers:      offerSvc,
		Approvals:   approvalSvc,
		Outbox:      outboxSvc,
		Links:       linkSvc,
		CORSOrigins: cfg.Server.CORSOrigins,
	})
	if err != nil {
		return fmt.Errorf("build api router: %w", err)
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("graceful shutdown: %w", err)
	}

	if err, ok := <-serverErr; ok && err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	log.Info("server stopped gracefully")
	return nil
}

func loadApplicationConfig(path string) (*app.Config, error) {
	switch {
	case strings.TrimSpace(path) == "":
		return app.LoadConfig()
	default:
		info, err := os.Stat(path)
		if err == nil {
			if info.IsDir() {
				return app.LoadConfig(path)
			}
			return app.LoadConfig(filepath.Dir(path))
		}
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config path %q does not exist", path)
		}
		return nil, fmt.Errorf("stat config path: %w", err)
	}
}

func initialiseDatabase(cfg *app.Config) (*gorm.DB, error) {
	dbCfg := convertDatabaseConfig(cfg)
	db, err := database.Open(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := database.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("auto-migrate database: %w", err)
	}

	log := logger.WithModule("database")
	log.Info("database connected", zap.String("driver", strings.ToLower(strings.TrimSpace(dbCfg.Driver))))

	return db, nil
}

func convertDatabaseConfig(cfg *app.Config) database.Config {
	return database.Config{
		Driver:   strings.ToLower(strings.TrimSpace(cfg.Database.Driver)),
		Path:     strings.TrimSpace(cfg.Database.Path),
		DSN:      strings.TrimSpace(cfg.Database.DSN),
		Host:     strings.TrimSpace(cfg.Database.Host),
		Port:     cfg.Database.Port,
		Name:     strings.TrimSpace(cfg.Database.Name),
		User:     strings.TrimSpace(cfg.Database.Username),
		Password: cfg.Database.Password,
		Options:  cfg.Database.Options,
	}
}

func closeDatabase(db *gorm.DB, log *zap.Logger) {
	sqlDB, err := db.DB()
	if err != nil {
		log.Warn("obtain database handle for close", zap.Error(err))
		return
	}
	if err := sqlDB.Close(); err != nil {
		log.Warn("close database", zap.Error(err))
	}
}
