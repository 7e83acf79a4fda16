package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	retry "github.com/appleboy/go-httpretry"
	"github.com/go-authgate/campus-cli/apiclient"
	"github.com/go-authgate/campus-cli/broker"
	"github.com/go-authgate/campus-cli/session"
	"github.com/go-authgate/campus-cli/tui"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const redisPingTimeout = 3 * time.Second

const userAgent = "campus-cli"

// app is everything a command needs, wired from one Config.
type app struct {
	store    session.Store
	location string
	broker   *broker.Broker
	services *apiclient.Services
	log      logrus.FieldLogger
	d        tui.Displayer
	stdout   io.Writer
	getenv   func(string) string

	closers []func() error
}

// newApp builds the session store, the shared broker and one API client per
// service. The displayer observes refresh and 401 recovery events.
func newApp(
	ctx context.Context,
	cfg *Config,
	d tui.Displayer,
	log logrus.FieldLogger,
	httpClient *http.Client,
) (*app, error) {
	a := &app{
		log:    log,
		d:      d,
		stdout: os.Stdout,
		getenv: os.Getenv,
	}

	if err := a.openStore(ctx, cfg); err != nil {
		return nil, err
	}

	b, err := broker.New(cfg.Services.Auth, a.store,
		broker.WithHTTPClient(httpClient),
		broker.WithLogger(log),
		broker.WithRefreshTimeout(cfg.RefreshTimeout),
		broker.WithObserver(d),
	)
	if err != nil {
		a.close()
		return nil, err
	}
	a.broker = b

	// Service calls retry transient failures; the refresh call above does not.
	retryClient, err := retry.NewBackgroundClient(retry.WithHTTPClient(httpClient))
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to create retry client: %w", err)
	}
	opts := []apiclient.Option{
		apiclient.WithRetryClient(retryClient),
		apiclient.WithLogger(log),
		apiclient.WithObserver(d),
		apiclient.WithUserAgent(userAgent),
	}
	if cfg.RefreshSkew > 0 {
		opts = append(opts, apiclient.WithProactiveRefresh(cfg.RefreshSkew))
	}
	a.services, err = apiclient.NewServices(cfg.Services, b, opts...)
	if err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) openStore(ctx context.Context, cfg *Config) error {
	switch cfg.SessionStore {
	case storeRedis:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			_ = rdb.Close()
			return fmt.Errorf("%w: %v", session.ErrRedisUnavailable, err)
		}
		a.store = session.NewRedisStore(rdb, cfg.RedisPrefix, cfg.Services.Auth, 0)
		a.location = "redis://" + cfg.RedisAddr
		a.closers = append(a.closers, rdb.Close)
	default:
		fs := session.NewFileStore(cfg.SessionFile, cfg.Services.Auth)
		a.store = fs
		a.location = fs.Path()
	}
	return nil
}

func (a *app) close() {
	for _, c := range a.closers {
		if err := c(); err != nil {
			a.log.WithError(err).Debug("Failed to close resource")
		}
	}
	a.closers = nil
}

// newHTTPClient is the transport shared by the broker and the service clients.
func newHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
}

// newLogger returns a logger at cfg.LogLevel writing to cfg.LogFile, or to
// stderr when there is no file and no TUI owns the terminal.
func newLogger(cfg *Config, tty bool) (*logrus.Logger, func() error, error) {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	level, err := logrus.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil {
		return nil, nil, fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	log.SetLevel(level)

	closeFn := func() error { return nil }
	switch {
	case cfg.LogFile != "":
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		log.SetOutput(f)
		closeFn = f.Close
	case tty:
		log.SetOutput(io.Discard)
	default:
		log.SetOutput(os.Stderr)
	}
	return log, closeFn, nil
}
