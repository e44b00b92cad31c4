package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/ehrlich-b/sandlink/internal/auth"
	"github.com/ehrlich-b/sandlink/internal/config"
	"github.com/ehrlich-b/sandlink/internal/logger"
	"github.com/ehrlich-b/sandlink/internal/preview"
	"github.com/ehrlich-b/sandlink/internal/session"
	"github.com/ehrlich-b/sandlink/internal/store"
	"github.com/ehrlich-b/sandlink/internal/ws"
)

// env is what every command needs: config, paths, logger and the store.
type env struct {
	dir   string
	cfg   *config.Config
	log   *slog.Logger
	store *store.Store

	logCloser io.Closer
}

func loadEnv() (*env, error) {
	dir, err := config.GetUserConfigDir()
	if err != nil {
		return nil, fmt.Errorf("locate config dir: %w", err)
	}
	if err := config.EnsureConfigDir(dir); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}
	path := flagConfig
	if path == "" {
		path = config.ConfigPath(dir)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if flagLogLevel != "" {
		cfg.Logging.Level = flagLogLevel
	}

	closer, err := logger.Init(cfg.Logging.Level, cfg.Logging.File, !flagVerbose && cfg.Logging.File != "")
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	st, err := store.Open(cfg.DBPath(dir))
	if err != nil {
		closer.Close()
		return nil, err
	}
	return &env{dir: dir, cfg: cfg, log: logger.Log, store: st, logCloser: closer}, nil
}

func (e *env) Close() {
	e.store.Close()
	e.logCloser.Close()
}

// token prefers an explicit config/env token over the saved credential.
func (e *env) token() (string, error) {
	if e.cfg.Agent.Token != "" {
		return e.cfg.Agent.Token, nil
	}
	ts := auth.NewTokenStore(e.dir)
	cred, err := ts.Load()
	if err != nil {
		return "", err
	}
	if cred == nil {
		return "", errors.New("not logged in: run 'sl login --token ...'")
	}
	if !ts.IsValid(cred) {
		return "", errors.New("saved credential has expired: run 'sl login' again")
	}
	return cred.Token, nil
}

// endpoint falls back to the endpoint saved with the credential.
func (e *env) endpoint() (string, error) {
	if e.cfg.Agent.Endpoint == "" {
		if cred, _ := auth.NewTokenStore(e.dir).Load(); cred != nil && cred.Endpoint != "" {
			e.cfg.Agent.Endpoint = cred.Endpoint
		}
	}
	if err := e.cfg.RequireEndpoint(); err != nil {
		return "", err
	}
	return e.cfg.Agent.Endpoint, nil
}

func (e *env) orchestrator(onChange func(session.Snapshot)) (*session.Orchestrator, error) {
	endpoint, err := e.endpoint()
	if err != nil {
		return nil, err
	}
	token, err := e.token()
	if err != nil {
		return nil, err
	}
	opts := []ws.Option{ws.WithLogger(e.log)}
	if base := e.cfg.ReconnectBase(); base > 0 {
		opts = append(opts, ws.WithBackoff(base, e.cfg.ReconnectMax(), e.cfg.Reconnect.Attempts))
	}
	if hb := e.cfg.HeartbeatInterval(); hb > 0 {
		opts = append(opts, ws.WithHeartbeat(hb))
	}
	return session.New(session.Options{
		NewTransport: session.WSTransport(endpoint, token, opts...),
		Store:        e.store,
		Refresher:    preview.New(e.cfg.PreviewInterval(), preview.WithLogger(e.log)),
		OnChange:     onChange,
		SettleDelay:  e.cfg.SettleDelay(),
		Logger:       e.log,
	}), nil
}

// latest returns an OnChange that keeps only the newest snapshot in ch.
func latest(ch chan session.Snapshot) func(session.Snapshot) {
	return func(s session.Snapshot) {
		select {
		case <-ch:
		default:
		}
		ch <- s
	}
}
