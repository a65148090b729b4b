package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	inhttp "github.com/guardpost/guardpost/internal/adapter/inbound/http"
	auditout "github.com/guardpost/guardpost/internal/adapter/outbound/audit"
	"github.com/guardpost/guardpost/internal/adapter/outbound/cel"
	"github.com/guardpost/guardpost/internal/adapter/outbound/memory"
	oauthout "github.com/guardpost/guardpost/internal/adapter/outbound/oauth"
	"github.com/guardpost/guardpost/internal/adapter/outbound/sqlite"
	"github.com/guardpost/guardpost/internal/adapter/outbound/token"
	upstreamout "github.com/guardpost/guardpost/internal/adapter/outbound/upstream"
	"github.com/guardpost/guardpost/internal/config"
	"github.com/guardpost/guardpost/internal/domain/audit"
	"github.com/guardpost/guardpost/internal/domain/auth"
	"github.com/guardpost/guardpost/internal/domain/authz"
	"github.com/guardpost/guardpost/internal/domain/policy"
	"github.com/guardpost/guardpost/internal/domain/ratelimit"
	"github.com/guardpost/guardpost/internal/domain/route"
	"github.com/guardpost/guardpost/internal/domain/upstream"
	"github.com/guardpost/guardpost/internal/observability"
	"github.com/guardpost/guardpost/internal/service"
)

// gateway bundles the wired components shared by the start and stdio
// commands. Everything hangs off the pipeline; the rest is here so the
// commands can attach HTTP handlers and close things in order.
type gateway struct {
	pipeline *service.Pipeline
	audits   *service.AuditService
	limiter  ratelimit.Limiter
	store    audit.Store
	trusted  *auth.TrustedProxies
	health   *inhttp.HealthChecker
	registry *prometheus.Registry
	metrics  *inhttp.Metrics
	oauth    *inhttp.OAuthHandlers

	stopTracing observability.ShutdownFunc
	logger      *slog.Logger
}

// buildGateway wires the full request path from configuration. ctx bounds
// background work (JWKS refresh, audit dispatch); cancel it on shutdown.
// stdioMode suppresses the audit stdout sink, since stdout carries the
// MCP stream there.
func buildGateway(ctx context.Context, cfg *config.Config, stdioMode bool, logger *slog.Logger) (*gateway, error) {
	trusted, err := auth.ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return nil, fmt.Errorf("parsing trusted_proxies: %w", err)
	}

	provider, keys, oauthProvider, err := buildProviders(ctx, cfg, trusted, logger)
	if err != nil {
		return nil, err
	}

	authorizer, err := buildAuthorizer(cfg, logger)
	if err != nil {
		return nil, err
	}

	var limiter ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		limiter = memory.NewRateLimiter(ratelimit.Config{
			Enabled:           true,
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		}, logger)
	}

	// The queryable store also backs the guard/audit/* tools, so it exists
	// even when the audit pipeline itself is off.
	var store audit.Store
	if cfg.Audit.Store.Path != "" {
		store, err = sqlite.New(cfg.Audit.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("opening audit store: %w", err)
		}
	} else {
		store = memory.NewAuditRing(cfg.Audit.Store.RingSize)
	}

	var audits *service.AuditService
	if cfg.Audit.Enabled {
		audits = buildAuditService(cfg, store, stdioMode, logger)
		audits.Start(ctx)
	}

	routes := make([]route.Route, 0, len(cfg.Routes))
	for _, r := range cfg.Routes {
		routes = append(routes, route.Route{
			Name:        r.Name,
			PathPrefix:  r.PathPrefix,
			Transport:   route.TransportKind(r.Transport),
			Command:     r.Command,
			Args:        r.Args,
			URL:         r.URL,
			StripPrefix: r.StripPrefix,
		})
	}
	router, err := route.NewRouter(routes)
	if err != nil {
		return nil, fmt.Errorf("building router: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := inhttp.NewMetrics(registry)

	state := inhttp.StateFuncs{}
	if limiter != nil {
		state.TrackedIdentities = limiter.TrackedIdentities
	}
	if oauthProvider != nil {
		state.TokenCacheEntries = oauthProvider.CacheLen
	}
	if audits != nil {
		state.AuditDrops = audits.Dropped
	}
	inhttp.RegisterStateMetrics(registry, state)

	health := inhttp.NewHealthChecker(audits, limiter, Version)

	// Avoid a typed-nil interface when the api_key provider is off.
	var keyStore auth.KeyStore
	if keys != nil {
		keyStore = keys
	}
	guard := service.NewGuardService(keyStore, store, cfg, Version, logger,
		service.WithGatherer(registry),
		service.WithReadyCheck(health.Ready),
	)

	stopTracing, err := observability.SetupTracing(cfg.Observability.Tracing, Version, logger)
	if err != nil {
		return nil, fmt.Errorf("setting up tracing: %w", err)
	}

	opener := func(ctx context.Context, rt *route.Route) (upstream.Transport, error) {
		return upstreamout.Open(ctx, rt, logger)
	}

	pipeline := service.NewPipeline(provider, limiter, authorizer, router, guard, audits, opener, logger,
		service.WithInstrumentation(metrics.Instrumentation()))

	gw := &gateway{
		pipeline:    pipeline,
		audits:      audits,
		limiter:     limiter,
		store:       store,
		trusted:     trusted,
		health:      health,
		registry:    registry,
		metrics:     metrics,
		stopTracing: stopTracing,
		logger:      logger,
	}

	if cfg.Auth.Enabled("oauth") && cfg.Auth.OAuth.ClientID != "" {
		flow, err := oauthout.NewFlow(oauthConfig(cfg))
		if err != nil {
			// Introspection-only setups have no authorization endpoint.
			logger.Info("oauth authorization flow disabled", "reason", err)
		} else {
			gw.oauth = inhttp.NewOAuthHandlers(flow)
		}
	}

	return gw, nil
}

// buildProviders assembles the authentication chain in configured order.
// The key store is returned separately because the guard/keys/* tools
// mutate it at runtime.
func buildProviders(ctx context.Context, cfg *config.Config, trusted *auth.TrustedProxies, logger *slog.Logger) (auth.Provider, *memory.KeyStore, *oauthout.Provider, error) {
	var (
		providers     []auth.Provider
		keys          *memory.KeyStore
		oauthProvider *oauthout.Provider
	)

	for _, name := range cfg.Auth.Providers {
		switch name {
		case "api_key":
			records := make([]*auth.KeyRecord, 0, len(cfg.Auth.APIKeys))
			for _, k := range cfg.Auth.APIKeys {
				records = append(records, &auth.KeyRecord{
					ID:           k.ID,
					KeyHash:      strings.TrimPrefix(k.KeyHash, "sha256:"),
					AllowedTools: k.AllowedTools,
					RateLimit:    k.RateLimit,
				})
			}
			store, err := memory.NewKeyStore(records)
			if err != nil {
				return nil, nil, nil, fmt.Errorf("loading api keys: %w", err)
			}
			keys = store
			providers = append(providers, auth.NewAPIKeyProvider(keys, logger))

		case "jwt":
			p, err := token.NewJWTProvider(ctx, token.JWTConfig{
				Secret:          cfg.Auth.JWT.Secret,
				JWKSURL:         cfg.Auth.JWT.JWKSURL,
				Issuer:          cfg.Auth.JWT.Issuer,
				Audience:        cfg.Auth.JWT.Audience,
				Leeway:          cfg.Auth.JWT.Leeway,
				IdentityClaim:   cfg.Auth.JWT.IdentityClaim,
				ScopeClaim:      cfg.Auth.JWT.ScopeClaim,
				RefreshInterval: cfg.Auth.JWT.RefreshInterval,
				ScopeTools:      cfg.Auth.JWT.ScopeTools,
			}, logger)
			if err != nil {
				return nil, nil, nil, fmt.Errorf("creating jwt provider: %w", err)
			}
			providers = append(providers, p)

		case "oauth":
			p, err := oauthout.NewProvider(oauthConfig(cfg), logger)
			if err != nil {
				return nil, nil, nil, fmt.Errorf("creating oauth provider: %w", err)
			}
			oauthProvider = p
			providers = append(providers, p)

		case "cert_header":
			providers = append(providers, auth.NewCertHeaderProvider(
				trusted, auth.CertIdentitySource(cfg.Auth.CertHeader.IdentitySource), logger))

		default:
			return nil, nil, nil, fmt.Errorf("unknown auth provider %q", name)
		}
	}

	if len(providers) == 0 {
		return nil, nil, nil, fmt.Errorf("no auth providers configured")
	}
	if len(providers) == 1 {
		return providers[0], keys, oauthProvider, nil
	}
	return auth.NewMultiProvider(logger, providers...), keys, oauthProvider, nil
}

// oauthConfig maps the config section to the adapter's config.
func oauthConfig(cfg *config.Config) oauthout.Config {
	o := cfg.Auth.OAuth
	return oauthout.Config{
		Provider:         o.Provider,
		ClientID:         o.ClientID,
		ClientSecret:     o.ClientSecret,
		RedirectURI:      o.RedirectURI,
		Scopes:           o.Scopes,
		IntrospectionURL: o.IntrospectionURL,
		UserinfoURL:      o.UserinfoURL,
		AuthURL:          o.AuthURL,
		TokenURL:         o.TokenURL,
		IdentityClaim:    o.IdentityClaim,
		Timeout:          o.Timeout,
		MaxResponseBytes: o.MaxResponseBytes,
		CacheTTL:         o.CacheTTL,
	}
}

// buildAuthorizer compiles the optional CEL policy set.
func buildAuthorizer(cfg *config.Config, logger *slog.Logger) (*authz.Authorizer, error) {
	if len(cfg.Authz.Policies) == 0 {
		return authz.New(nil, logger), nil
	}

	rules := make([]policy.Rule, 0, len(cfg.Authz.Policies))
	for _, p := range cfg.Authz.Policies {
		rules = append(rules, policy.Rule{
			Name:       p.Name,
			Expression: p.Expression,
			Action:     policy.Action(p.Action),
		})
	}
	engine, err := cel.NewEngine(rules)
	if err != nil {
		return nil, fmt.Errorf("compiling authz policies: %w", err)
	}
	return authz.New(engine, logger), nil
}

// buildAuditService assembles the redactor and sinks around the store.
func buildAuditService(cfg *config.Config, store audit.Store, stdioMode bool, logger *slog.Logger) *service.AuditService {
	var sinks []audit.Sink
	if cfg.Audit.Stdout && !stdioMode {
		sinks = append(sinks, auditout.NewStdoutSink())
	}
	if cfg.Audit.Stdout && stdioMode {
		logger.Warn("audit stdout sink disabled in stdio mode")
	}
	if cfg.Audit.File.Path != "" {
		sinks = append(sinks, auditout.NewFileSink(auditout.FileSinkConfig{
			Path:       cfg.Audit.File.Path,
			MaxSizeMB:  cfg.Audit.File.MaxSizeMB,
			MaxAgeDays: cfg.Audit.File.MaxAgeDays,
			MaxBackups: cfg.Audit.File.MaxBackups,
			Compress:   cfg.Audit.File.Compress,
		}))
	}
	if cfg.Audit.Export.URL != "" {
		sinks = append(sinks, auditout.NewHTTPExporter(auditout.HTTPExporterConfig{
			URL:           cfg.Audit.Export.URL,
			Headers:       cfg.Audit.Export.Headers,
			BatchSize:     cfg.Audit.Export.BatchSize,
			BatchInterval: cfg.Audit.Export.BatchInterval,
		}, logger))
	}

	rules := make([]audit.RedactRule, 0, len(cfg.Audit.Redact))
	for _, r := range cfg.Audit.Redact {
		rules = append(rules, audit.RedactRule{
			Pattern:     r.Pattern,
			Replacement: r.Replacement,
		})
	}
	redactor := audit.NewRedactor(rules, logger)

	return service.NewAuditService(redactor, sinks, store, logger,
		service.WithBufferSize(cfg.Audit.BufferSize))
}

// logLifecycle records a gateway.start / gateway.stop audit entry.
func (g *gateway) logLifecycle(eventType string, success bool) {
	if g.audits == nil {
		return
	}
	entry := audit.NewEntry(eventType)
	entry.Success = success
	entry.Metadata = map[string]any{"version": Version}
	g.audits.Log(entry)
}

// close tears the gateway down in dependency order: pipeline connections
// first, then the audit pipeline (which closes its sinks and store), then
// the trace exporter.
func (g *gateway) close() {
	if err := g.pipeline.Close(); err != nil {
		g.logger.Warn("closing upstream connections", "error", err)
	}
	if g.audits != nil {
		g.audits.Stop()
	} else if err := g.store.Close(); err != nil {
		g.logger.Warn("closing audit store", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.stopTracing(ctx); err != nil {
		g.logger.Warn("stopping trace exporter", "error", err)
	}
}
