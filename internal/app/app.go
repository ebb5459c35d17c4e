// Package app assembles the configured service: keys, store, cache,
// directories, HTTP surface. Startup failures here are fatal.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ballotworks/ballot-tokens/internal/api"
	"github.com/ballotworks/ballot-tokens/internal/cache"
	"github.com/ballotworks/ballot-tokens/internal/config"
	ballotcrypto "github.com/ballotworks/ballot-tokens/internal/crypto"
	"github.com/ballotworks/ballot-tokens/internal/directory"
	"github.com/ballotworks/ballot-tokens/internal/logging"
	"github.com/ballotworks/ballot-tokens/internal/service"
	"github.com/ballotworks/ballot-tokens/internal/storage"
	"github.com/ballotworks/ballot-tokens/internal/storage/memory"
	"github.com/ballotworks/ballot-tokens/internal/storage/postgres"
)

type Application struct {
	Server *http.Server
	Store  storage.Store
	Cache  *cache.StatsCache
}

func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Application, error) {
	signer, err := ballotcrypto.LoadSigner(cfg.Keys.SigningPrivateKeyPath, cfg.Keys.SigningPublicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("load signing keys: %w", err)
	}

	backend := strings.TrimSpace(strings.ToLower(cfg.Storage.Backend))
	var (
		store     storage.Store
		voters    directory.VoterDirectory
		elections directory.ElectionDirectory
	)
	switch backend {
	case "postgres":
		pg, err := postgres.Open(ctx, cfg.Storage.PostgresDSN, cfg.Storage.MaxConns, cfg.Storage.MinConns)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		dir := postgres.NewDirectory(pg)
		store, voters, elections = pg, dir, dir
	case "memory":
		dir := staticDirectory(cfg)
		store, voters, elections = memory.New(), dir, dir
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}

	var statsCache *cache.StatsCache
	if cfg.Redis.Addr != "" {
		statsCache, err = cache.NewStatsCache(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.StatsTTL())
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("connect stats cache: %w", err)
		}
	}

	params := service.Params{
		Store:       store,
		Signer:      signer,
		Voters:      voters,
		Elections:   elections,
		Audit:       &service.SlogAuditSink{Logger: logger},
		Logger:      logger,
		TokenTTL:    cfg.TokenTTL(),
		ServiceName: cfg.Logging.Service,
		Version:     cfg.Logging.Version,
		Backend:     backend,
	}
	if statsCache != nil {
		params.StatsCache = statsCache
	}
	svc, err := service.New(params)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("build token service: %w", err)
	}

	handler := api.NewHandler(svc, logger, cfg.Security.AdminBearerToken)
	router := handler.Router()
	if *cfg.Security.EnableIPAllow {
		mw, err := api.IPAllowListMiddleware(cfg.Security.TrustedCIDRs)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("configure ip allow list: %w", err)
		}
		router = mw(router)
	}
	env := logging.Environment{
		Service: cfg.Logging.Service,
		Version: cfg.Logging.Version,
		Commit:  cfg.Logging.Commit,
		Region:  cfg.Logging.Region,
	}
	root := logging.Middleware(logger, env)(router)

	server := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           root,
		ReadTimeout:       time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	return &Application{Server: server, Store: store, Cache: statsCache}, nil
}

func (a *Application) Shutdown(ctx context.Context) error {
	defer func() {
		a.Store.Close()
		if a.Cache != nil {
			_ = a.Cache.Close()
		}
	}()
	return a.Server.Shutdown(ctx)
}

func staticDirectory(cfg *config.Config) *directory.Static {
	dir := &directory.Static{
		Voters:    make(map[string]directory.Voter, len(cfg.Directory.Voters)),
		Elections: make(map[string]directory.Election, len(cfg.Directory.Elections)),
	}
	for _, v := range cfg.Directory.Voters {
		dir.Voters[v.ID] = directory.Voter{ID: v.ID, Role: v.Role, IsActive: v.IsActive}
	}
	for _, e := range cfg.Directory.Elections {
		dir.Elections[e.ID] = directory.Election{
			ID:          e.ID,
			Status:      e.Status,
			VotingStart: e.VotingStart.UTC(),
			VotingEnd:   e.VotingEnd.UTC(),
		}
	}
	return dir
}
