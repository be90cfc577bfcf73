// Command mcp-control-plane runs the HTTP control plane: it spawns and
// supervises the configured tool servers and exposes the authenticated REST
// surface that stdio bridges talk to.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joeshaw/envdecode"

	"github.com/ggoodman/mcp-bridge-go/audit"
	"github.com/ggoodman/mcp-bridge-go/audit/memorysink"
	"github.com/ggoodman/mcp-bridge-go/audit/redissink"
	"github.com/ggoodman/mcp-bridge-go/auth"
	"github.com/ggoodman/mcp-bridge-go/controlplane"
	"github.com/ggoodman/mcp-bridge-go/internal/jwtauth"
	"github.com/ggoodman/mcp-bridge-go/internal/logctx"
	"github.com/ggoodman/mcp-bridge-go/mcp"
	"github.com/ggoodman/mcp-bridge-go/policy"
	"github.com/ggoodman/mcp-bridge-go/pool"
	"github.com/ggoodman/mcp-bridge-go/registry"
)

const version = "0.1.0"

type config struct {
	ListenAddr  string `env:"LISTEN_ADDR,default=127.0.0.1:8080"`
	ServersFile string `env:"MCP_SERVERS_FILE,default=servers.json"`
	TokensFile  string `env:"MCP_TOKENS_FILE"`
	PolicyFile  string `env:"MCP_POLICY_FILE"`

	// AuditBackend selects where the audit trail lands: memory, redis, none.
	AuditBackend string `env:"AUDIT_BACKEND,default=memory"`

	// OIDC settings switch authentication from static tokens to JWT
	// validation when a JWKS URL is configured.
	OIDCIssuer   string `env:"OIDC_ISSUER"`
	OIDCJWKSURL  string `env:"OIDC_JWKS_URL"`
	OIDCAudience string `env:"OIDC_AUDIENCE"`

	Realm    string `env:"AUTH_REALM"`
	LogLevel string `env:"LOG_LEVEL,default=info"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cfg config
	if err := envdecode.Decode(&cfg); err != nil {
		return fmt.Errorf("decode environment: %w", err)
	}

	log := newLogger(cfg.LogLevel)

	descriptors, err := pool.LoadDescriptorsFile(cfg.ServersFile)
	if err != nil {
		return err
	}

	authenticator, err := buildAuthenticator(ctx, cfg)
	if err != nil {
		return err
	}

	reg := registry.New(log)
	mgr := pool.NewManager(reg,
		pool.WithLogger(log),
		pool.WithClientInfo(mcp.ImplementationInfo{Name: "mcp-control-plane", Version: version}),
	)
	if err := mgr.Start(ctx, descriptors); err != nil {
		return fmt.Errorf("start server pool: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := mgr.Stop(stopCtx); err != nil {
			log.Warn("pool.stop.fail", slog.String("err", err.Error()))
		}
	}()

	opts := []controlplane.Option{
		controlplane.WithLogger(log),
		controlplane.WithServerInfo(mcp.ImplementationInfo{Name: "mcp-bridge", Version: version}),
		controlplane.WithRealm(cfg.Realm),
	}

	if cfg.PolicyFile != "" {
		rules, err := policy.LoadRulesFile(cfg.PolicyFile)
		if err != nil {
			return err
		}
		engine, err := policy.NewEngine(rules)
		if err != nil {
			return err
		}
		go func() {
			if err := policy.WatchRulesFile(ctx, log, engine, cfg.PolicyFile); err != nil && ctx.Err() == nil {
				log.Error("policy.watch.fail", slog.String("err", err.Error()))
			}
		}()
		opts = append(opts, controlplane.WithPolicy(engine))
	}

	sink, closeSink, err := buildAuditSink(cfg)
	if err != nil {
		return err
	}
	defer closeSink()
	opts = append(opts, controlplane.WithAudit(sink))

	handler, err := controlplane.New(mgr, authenticator, opts...)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("controlplane.listen", slog.String("addr", cfg.ListenAddr), slog.String("version", version))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("controlplane.shutdown")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	}
}

func buildAuthenticator(ctx context.Context, cfg config) (auth.Authenticator, error) {
	if cfg.OIDCJWKSURL != "" {
		jwtCfg := jwtauth.DefaultConfig()
		jwtCfg.Issuer = cfg.OIDCIssuer
		if cfg.OIDCAudience != "" {
			jwtCfg.ExpectedAudiences = []string{cfg.OIDCAudience}
		}
		return jwtauth.New(ctx, jwtCfg, cfg.OIDCJWKSURL)
	}

	if cfg.TokensFile == "" {
		return nil, fmt.Errorf("either MCP_TOKENS_FILE or OIDC_JWKS_URL must be configured")
	}
	creds, err := auth.LoadCredentialsFile(cfg.TokensFile)
	if err != nil {
		return nil, err
	}
	return auth.NewStaticTokens(creds)
}

func buildAuditSink(cfg config) (audit.Sink, func(), error) {
	switch strings.ToLower(cfg.AuditBackend) {
	case "none":
		return audit.Discard, func() {}, nil
	case "memory", "":
		return memorysink.New(0), func() {}, nil
	case "redis":
		sink, err := redissink.NewFromEnv()
		if err != nil {
			return nil, nil, fmt.Errorf("audit redis sink: %w", err)
		}
		return sink, func() { _ = sink.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown audit backend %q", cfg.AuditBackend)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(logctx.Handler{Handler: slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})})
}
