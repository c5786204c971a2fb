// Command authgate runs the authentication gateway in front of a tool
// dispatch server. It terminates the OAuth login flow, issues and rotates the
// gateway's own tokens, and admits proxied operation calls through the
// rate-limit and role-gate pipeline.
package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	authgate "github.com/giantswarm/mcp-authgate"
	"github.com/giantswarm/mcp-authgate/idp"
	"github.com/giantswarm/mcp-authgate/instrumentation"
	"github.com/giantswarm/mcp-authgate/storage"
	"github.com/giantswarm/mcp-authgate/storage/memory"
	"github.com/giantswarm/mcp-authgate/storage/valkey"
)

const serviceVersion = "0.1.0"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(),
	}))
	slog.SetDefault(logger)

	cfg, err := authgate.FromEnv()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	cfg.Logger = logger

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage: Valkey when configured, in-memory otherwise
	store, err := newStore(cfg, logger)
	if err != nil {
		log.Fatalf("Failed to create session store: %v", err)
	}
	defer store.Close()

	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName:    "mcp-authgate",
		ServiceVersion: serviceVersion,
		Enabled:        os.Getenv("METRICS_DISABLED") != "true",
	})
	if err != nil {
		log.Fatalf("Failed to initialize instrumentation: %v", err)
	}

	validateIssuer := idp.ValidateIssuerURL
	if os.Getenv("ALLOW_INSECURE_ISSUER") == "true" {
		logger.Warn("Allowing insecure IdP issuer URLs, do not use in production")
		validateIssuer = idp.ValidateIssuerURLAllowInsecure
	}
	if err := validateIssuer(cfg.IdP.Issuer); err != nil {
		log.Fatalf("Refusing IdP issuer: %v", err)
	}

	discoveryCtx, discoveryCancel := context.WithTimeout(ctx, 30*time.Second)
	provider, err := idp.New(discoveryCtx, idp.Config{
		Issuer:       cfg.IdP.Issuer,
		ClientID:     cfg.IdP.ClientID,
		ClientSecret: cfg.IdP.ClientSecret,
		RedirectURL:  cfg.IdP.RedirectURI,
		Scopes:       cfg.IdP.Scopes,
		Timeout:      cfg.IdP.Timeout,
		HTTPClient:   cfg.HTTPClient,
		Logger:       logger,
	})
	discoveryCancel()
	if err != nil {
		log.Fatalf("Failed to set up identity provider: %v", err)
	}

	roles := roleTableFromEnv()
	gateway, err := authgate.New(cfg, provider, store, roles)
	if err != nil {
		log.Fatalf("Failed to create gateway: %v", err)
	}
	defer gateway.Close()
	gateway.SetInstrumentation(inst)

	mux := http.NewServeMux()
	handler := authgate.NewHandler(gateway, logger)
	handler.RegisterRoutes(mux)
	mux.Handle("/metrics", inst.Handler())

	// Protected operations proxy to the upstream dispatch server, each
	// wrapped in the full admission pipeline.
	upstream := upstreamHandler(logger)
	for operation := range roles {
		path := "/" + strings.ReplaceAll(operation, ".", "/")
		mux.Handle(path, gateway.Protect(operation, upstream))
	}

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("Gateway starting",
			"addr", cfg.ListenAddr,
			"issuer", cfg.IdP.Issuer,
			"operations", len(roles))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Server error", "error", err)
		}
	}()

	<-stop
	logger.Info("Shutting down gracefully")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	if err := inst.Shutdown(shutdownCtx); err != nil {
		logger.Error("Instrumentation shutdown error", "error", err)
	}
	logger.Info("Gateway stopped")
}

func newStore(cfg *authgate.Config, logger *slog.Logger) (storage.SessionStore, error) {
	addr := os.Getenv("VALKEY_ADDR")
	if addr == "" {
		s := memory.NewWithInterval(cfg.CleanupInterval)
		s.SetLogger(logger)
		return s, nil
	}
	return valkey.New(valkey.Config{
		Address:  addr,
		Password: os.Getenv("VALKEY_PASSWORD"),
		Logger:   logger,
	})
}

// roleTableFromEnv parses ROLE_TABLE ("tools.list=user,admin.config=admin")
// into the static operation role table. Unset falls back to a default table
// for the standard dispatch operations.
func roleTableFromEnv() authgate.RoleTable {
	spec := os.Getenv("ROLE_TABLE")
	if spec == "" {
		return authgate.RoleTable{
			"tools.list":   authgate.RoleUser,
			"tools.call":   authgate.RoleUser,
			"tools.status": authgate.RoleAnonymous,
			"admin.config": authgate.RoleAdmin,
		}
	}

	table := make(authgate.RoleTable)
	for _, pair := range strings.Split(spec, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(parts) != 2 {
			log.Fatalf("Invalid ROLE_TABLE entry %q, want operation=role", pair)
		}
		role := authgate.Role(parts[1])
		if !role.Valid() {
			log.Fatalf("Invalid role %q for operation %q", parts[1], parts[0])
		}
		table[parts[0]] = role
	}
	return table
}

// upstreamHandler proxies to UPSTREAM_URL, or serves a placeholder when no
// upstream is configured so the gateway can run standalone in development.
func upstreamHandler(logger *slog.Logger) http.Handler {
	raw := os.Getenv("UPSTREAM_URL")
	if raw == "" {
		logger.Warn("UPSTREAM_URL not set, serving placeholder responses")
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"status":"ok","upstream":"unconfigured"}`))
		})
	}

	target, err := url.Parse(raw)
	if err != nil {
		log.Fatalf("Invalid UPSTREAM_URL: %v", err)
	}
	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Error("Upstream request failed", "error", err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`{"error":"upstream_unreachable","error_description":"dispatch server unreachable"}`))
	}
	return proxy
}

func logLevel() slog.Level {
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
