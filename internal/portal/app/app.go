package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/carebridge/carebridge/internal/portal/abac"
	"github.com/carebridge/carebridge/internal/portal/service"
	"github.com/carebridge/carebridge/internal/portal/store"
	"github.com/carebridge/carebridge/internal/portal/store/drivers/sqlite"
	"github.com/carebridge/carebridge/pkg/cryptox"
	"github.com/carebridge/carebridge/pkg/slogx"
)

const (
	// BuildVersion should be set at build time via ldflags.
	BuildVersion = "v0.1.0"
)

// Application wires the security core together: store, policy engine,
// crypto material, and the services front-ends call into.
type Application struct {
	cfg    Config
	logger *slog.Logger

	db     store.Store
	policy *abac.Engine

	auditService        *service.AuditService
	authService         *service.AuthService
	mfaService          *service.MFAService
	webauthnService     *service.WebAuthnService
	vaultService        *service.VaultService
	housekeepingService *service.HousekeepingService
}

// New creates an Application with all dependencies initialized: database
// migrated, audit chain opened, vault created on first start, and demo
// accounts seeded when configured.
func New(cfg Config) (*Application, error) {
	app := &Application{
		cfg: cfg,
		logger: slogx.New(slogx.Config{
			Service: "portal",
			Version: BuildVersion,
			Env:     cfg.Env,
			Level:   cfg.LogLevel,
			Format:  cfg.LogFormat,
		}),
	}

	ctx := context.Background()

	db, err := sqlite.NewStore(cfg.DatabaseFile)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	app.db = db

	if err := db.ApplyMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	app.logger.Info("database ready", "file", cfg.DatabaseFile)

	policy, err := abac.Load(cfg.PolicyFile)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("load abac policy: %w", err)
	}
	app.policy = policy

	if err := app.initServices(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.SeedDemoUsers {
		if err := app.seedDemoUsers(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("seed demo users: %w", err)
		}
	}

	return app, nil
}

func (app *Application) initServices(ctx context.Context) error {
	audit, err := service.NewAuditService(ctx, app.db, app.logger)
	if err != nil {
		return err
	}
	app.auditService = audit

	masterKey, err := cryptox.LoadMasterKey(app.cfg.MasterKeyPath)
	if err != nil {
		return fmt.Errorf("load master key: %w", err)
	}

	signingKey, err := InitSigningKey(app.cfg.SigningKeyPath, app.logger)
	if err != nil {
		return err
	}

	mode, err := service.ParseSignatureMode(app.cfg.SignatureMode)
	if err != nil {
		return err
	}
	if mode == service.SignatureAdvisory {
		app.logger.Warn("record signature verification is advisory; tampered records will be served flagged")
	}

	deriver := cryptox.NewDeriver(int64(app.cfg.KDFConcurrency))

	app.vaultService = &service.VaultService{
		Store:      app.db,
		Policy:     app.policy,
		Audit:      audit,
		Deriver:    deriver,
		MasterKey:  masterKey,
		SigningKey: signingKey,
		Mode:       mode,
	}
	if err := app.vaultService.Init(ctx); err != nil {
		return fmt.Errorf("init vault: %w", err)
	}

	app.mfaService = &service.MFAService{
		Store:  app.db,
		Issuer: app.cfg.MFAIssuer,
		Audit:  audit,
	}

	app.webauthnService, err = service.NewWebAuthnService(app.db, audit,
		app.cfg.RPID, app.cfg.RPName, app.cfg.RPOrigins, app.cfg.ChallengeTTL)
	if err != nil {
		return err
	}

	app.authService = &service.AuthService{
		Store:           app.db,
		Deriver:         deriver,
		Audit:           audit,
		MFA:             app.mfaService,
		Vault:           app.vaultService,
		MaxFailedLogins: app.cfg.MaxFailedLogins,
		LockoutDuration: app.cfg.LockoutDuration,
		LoginBurst:      app.cfg.LoginBurst,
	}

	app.housekeepingService = service.NewHousekeepingService(app.db, app.logger, app.cfg.HousekeepingInterval)
	return nil
}

// Run starts background workers and blocks until a shutdown signal arrives.
func (app *Application) Run() error {
	app.housekeepingService.Start()
	app.logger.Info("portal security core running", "version", BuildVersion)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	sig := <-shutdown
	app.logger.Info("shutdown signal received", "signal", sig)

	return app.Shutdown()
}

// Shutdown stops background workers and closes the database.
func (app *Application) Shutdown() error {
	app.logger.Info("shutting down portal...")

	app.housekeepingService.Stop()

	if err := app.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}

	app.logger.Info("shutdown complete")
	return nil
}

// VerifyAuditChain re-validates the full audit hash chain.
func (app *Application) VerifyAuditChain(ctx context.Context) error {
	return app.auditService.Verify(ctx)
}

// Service accessors for front-ends embedding the core.

func (app *Application) Auth() *service.AuthService         { return app.authService }
func (app *Application) MFA() *service.MFAService           { return app.mfaService }
func (app *Application) WebAuthn() *service.WebAuthnService { return app.webauthnService }
func (app *Application) Vault() *service.VaultService       { return app.vaultService }
func (app *Application) Audit() *service.AuditService       { return app.auditService }
func (app *Application) Policy() *abac.Engine               { return app.policy }
func (app *Application) Store() store.Store                 { return app.db }
func (app *Application) Logger() *slog.Logger               { return app.logger }
