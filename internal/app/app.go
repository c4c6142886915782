// Package app wires the access layer together: credential store → token
// manager → response cache → authenticated client → facades. All components
// are explicit instances constructed once here and torn down at logout or
// shutdown; there is no ambient module state.
package app

import (
	"context"
	"fmt"

	"github.com/mberan/apilink/internal/api"
	"github.com/mberan/apilink/internal/httpclient"
	"github.com/mberan/apilink/internal/respcache"
	"github.com/mberan/apilink/internal/securestore"
	"github.com/mberan/apilink/internal/tokens"
)

// App owns one constructed instance of every component in the access layer.
type App struct {
	cfg *Config

	Store  *securestore.Store
	Tokens *tokens.Manager
	Cache  *respcache.Cache
	Client *httpclient.Client
	Auth   *api.AuthAPI
	Users  *api.UserAPI
}

// New builds the full component graph from configuration. No network or
// keyring I/O happens here; everything is deferred to first use.
func New(cfg *Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	sink, err := securestore.NewFileSink(cfg.Storage.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage sink: %w", err)
	}

	storeOpts := []securestore.Option{
		securestore.WithPrefix(cfg.Storage.Prefix),
		securestore.WithKeyringService(cfg.Storage.KeyringService),
	}
	if cfg.Storage.EncryptionKey != "" {
		storeOpts = append(storeOpts, securestore.WithStaticKey(cfg.Storage.EncryptionKey))
	}
	store, err := securestore.New(sink, storeOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create credential store: %w", err)
	}

	// The refresh exchange bypasses the authenticated client: it must never
	// consult the cache or recurse into 401 handling.
	refresh := api.NewRefreshFunc(cfg.API.BaseURL, nil)

	manager, err := tokens.NewManager(store, refresh)
	if err != nil {
		return nil, fmt.Errorf("failed to create token manager: %w", err)
	}

	cache := respcache.New(
		respcache.WithTTL(cfg.Cache.TTL),
		respcache.WithCapacity(cfg.Cache.Capacity),
	)

	client, err := httpclient.New(cfg.API.BaseURL, manager,
		httpclient.WithCache(cache),
		httpclient.WithTimeout(cfg.API.RequestTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http client: %w", err)
	}

	auth, err := api.NewAuthAPI(client, manager)
	if err != nil {
		return nil, fmt.Errorf("failed to create auth facade: %w", err)
	}
	users, err := api.NewUserAPI(client)
	if err != nil {
		return nil, fmt.Errorf("failed to create user facade: %w", err)
	}

	return &App{
		cfg:    cfg,
		Store:  store,
		Tokens: manager,
		Cache:  cache,
		Client: client,
		Auth:   auth,
		Users:  users,
	}, nil
}

// Start launches background maintenance (the cache sweeper). It returns
// immediately; everything stops when ctx is cancelled.
func (a *App) Start(ctx context.Context) {
	a.Cache.StartSweeper(ctx)
}

// Teardown wipes session state at shutdown-with-logout. Unconditional from
// the caller's perspective.
func (a *App) Teardown(ctx context.Context) {
	a.Tokens.InvalidateSession(ctx)
	a.Cache.Clear()
}
