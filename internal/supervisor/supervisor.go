// Package supervisor wires the spool, the address verifier, the
// server-side filter chain, the SMTP protocol, local delivery, and the
// outbound drain loop into one running relay instance and manages their
// combined lifecycle.
package supervisor

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/infodancer/auth"
	"github.com/infodancer/auth/domain"
	"github.com/redis/go-redis/v9"

	"github.com/infodancer/relay/internal/config"
	"github.com/infodancer/relay/internal/delivery"
	"github.com/infodancer/relay/internal/filter"
	"github.com/infodancer/relay/internal/forward"
	"github.com/infodancer/relay/internal/metrics"
	"github.com/infodancer/relay/internal/oauth"
	"github.com/infodancer/relay/internal/rspamd"
	"github.com/infodancer/relay/internal/server"
	"github.com/infodancer/relay/internal/smtp"
	"github.com/infodancer/relay/internal/spamcheck"
	"github.com/infodancer/relay/internal/store"
	"github.com/infodancer/relay/internal/verifier"
)

// Config groups everything needed to build a Supervisor. TLSConfig and
// Collector are caller-supplied (main wires TLS certificates and picks
// between the Noop/Prometheus collector; tests may omit both).
type Config struct {
	Config    config.Config
	TLSConfig *tls.Config
	Collector metrics.Collector
	Logger    *slog.Logger
}

// Supervisor owns every component of a running relay instance and
// manages their combined startup and shutdown.
type Supervisor struct {
	Server  *server.Server
	Drainer *forward.Drainer

	drainInterval time.Duration
	closers       []io.Closer
	logger        *slog.Logger
}

// New builds a Supervisor, wiring the store, verifier, filter chain,
// local delivery, and outbound drain loop from cfg.
func New(cfg Config) (*Supervisor, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	collector := cfg.Collector
	if collector == nil {
		collector = &metrics.NoopCollector{}
	}

	sup := &Supervisor{logger: logger}

	spoolDir := cfg.Config.Store.Dir
	st, err := store.Open(store.Config{Dir: spoolDir, MaxSize: cfg.Config.Store.MaxSize})
	if err != nil {
		return nil, fmt.Errorf("opening spool: %w", err)
	}

	var authAgent auth.AuthenticationAgent
	if cfg.Config.Auth.IsEnabled() {
		authAgent, err = auth.OpenAuthAgent(auth.AuthAgentConfig{
			Type:              cfg.Config.Auth.AgentType,
			CredentialBackend: cfg.Config.Auth.CredentialBackend,
			KeyBackend:        cfg.Config.Auth.KeyBackend,
			Options:           cfg.Config.Auth.Options,
		})
		if err != nil {
			return nil, fmt.Errorf("opening auth agent: %w", err)
		}
		sup.closers = append(sup.closers, authAgent)
		logger.Info("authentication enabled", "type", cfg.Config.Auth.AgentType)
	}

	var oauthAgent oauth.Agent
	if cfg.Config.Auth.OAuth.IsEnabled() {
		refresh := cfg.Config.Auth.OAuth.GetJWKSRefreshInterval()
		agent, err := oauth.NewJWTAgent(context.Background(), oauth.JWTAgentConfig{
			JWKSURL:         cfg.Config.Auth.OAuth.JWKSURL,
			Issuer:          cfg.Config.Auth.OAuth.Issuer,
			Audience:        cfg.Config.Auth.OAuth.Audience,
			UsernameClaim:   cfg.Config.Auth.OAuth.GetUsernameClaim(),
			RefreshInterval: refresh,
			AllowedDomains:  cfg.Config.Auth.OAuth.AllowedDomains,
		})
		if err != nil {
			sup.Close() //nolint:errcheck
			return nil, fmt.Errorf("opening oauth agent: %w", err)
		}
		oauthAgent = agent
		sup.closers = append(sup.closers, agent)
		logger.Info("oauth authentication enabled", "issuer", cfg.Config.Auth.OAuth.Issuer)
	}

	var domainProvider domain.DomainProvider
	if cfg.Config.DomainsPath != "" {
		dp := domain.NewFilesystemDomainProvider(cfg.Config.DomainsPath, logger)
		if cfg.Config.DomainsDataPath != "" {
			dp = dp.WithDataPath(cfg.Config.DomainsDataPath)
		}
		domainProvider = dp.WithDefaults(domain.DomainConfig{
			Auth: domain.DomainAuthConfig{
				Type:              "passwd",
				CredentialBackend: "passwd",
				KeyBackend:        "keys",
			},
			MsgStore: domain.DomainMsgStoreConfig{
				Type:     "maildir",
				BasePath: "users",
			},
		})
		sup.closers = append(sup.closers, domainProvider)
		logger.Info("domain provider enabled", "path", cfg.Config.DomainsPath)
	}
	authRouter := domain.NewAuthRouter(domainProvider, authAgent)
	authBackend := smtp.NewAuthBackend(authAgent, oauthAgent)

	verifierChain, err := buildVerifiers(cfg.Config.Verifiers, domainProvider, authRouter)
	if err != nil {
		sup.Close() //nolint:errcheck
		return nil, fmt.Errorf("building verifiers: %w", err)
	}

	var deliveryAgent *delivery.Agent
	if cfg.Config.Delivery.BasePath != "" {
		base := cfg.Config.Delivery.BasePath
		deliveryAgent = delivery.NewAgent(func(address string) (string, bool) {
			dom := domainOf(address)
			local, _, _ := cutDomain(address)
			if dom == "" || local == "" {
				return "", false
			}
			return filepath.Join(base, dom, local), true
		})
	}

	spamChecker, err := buildSpamChecker(cfg.Config.SpamCheck)
	if err != nil {
		sup.Close() //nolint:errcheck
		return nil, fmt.Errorf("building spam checker: %w", err)
	}
	if spamChecker != nil {
		sup.closers = append(sup.closers, spamChecker)
		logger.Info("spam checking enabled", "checkers", len(cfg.Config.SpamCheck.Checkers))
	}

	serverChain, err := buildServerChain(cfg.Config.Filters, cfg.Config.Hostname, spoolDir, cfg.Config.SpamCheck, spamChecker, deliveryAgent)
	if err != nil {
		sup.Close() //nolint:errcheck
		return nil, fmt.Errorf("building filter chain: %w", err)
	}

	protoCfg := smtp.Config{
		Hostname: cfg.Config.Hostname,
		Capabilities: smtp.Capabilities{
			Size:         int64(cfg.Config.Limits.MaxMessageSize),
			EightBitMime: true,
			SMTPUTF8:     true,
			Pipelining:   true,
			Chunking:     true,
			StartTLS:     cfg.TLSConfig != nil,
		},
		Limits: smtp.Limits{
			MaxRecipients:    cfg.Config.Limits.MaxRecipients,
			MaxMessageSize:   int64(cfg.Config.Limits.MaxMessageSize),
			MaxHeloDomainLen: 255,
			MaxEmailLen:      320,
		},
		TLSConfig:   cfg.TLSConfig,
		AuthBackend: authBackend,
		Store:       st,
		Verifier:    verifierChain,
		ServerChain: serverChain,
		Collector:   collector,
		Logger:      logger,
	}
	protocol := smtp.NewProtocol(protoCfg)

	srv, err := server.New(&cfg.Config)
	if err != nil {
		sup.Close() //nolint:errcheck
		return nil, fmt.Errorf("building server: %w", err)
	}
	srv.SetHandler(protocol.Handler())
	sup.Server = srv

	if cfg.Config.Forward.Enabled {
		cache, err := buildForwardCache(cfg.Config.Forward)
		if err != nil {
			sup.Close() //nolint:errcheck
			return nil, fmt.Errorf("building forward cache: %w", err)
		}
		sup.Drainer = forward.NewDrainer(forward.Config{
			Hostname:       cfg.Config.Hostname,
			Store:          st,
			Cache:          cache,
			UnreachableTTL: cfg.Config.Forward.GetUnreachableTTL(),
			TLSConfig:      cfg.TLSConfig,
			DialTimeout:    cfg.Config.Forward.GetDialTimeout(),
			Logger:         logger,
		})
		sup.drainInterval = cfg.Config.Forward.GetInterval()
	}

	return sup, nil
}

// Run starts the server and (if configured) the outbound drain loop, and
// blocks until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.Server.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("server: %w", err)
		}
	}()

	if s.Drainer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.runDrainLoop(ctx)
		}()
	}

	wg.Wait()
	close(errCh)
	for err := range errCh {
		return err
	}
	return ctx.Err()
}

func (s *Supervisor) runDrainLoop(ctx context.Context) {
	interval := s.drainInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Drainer.RunPass(ctx); err != nil {
				s.logger.Error("drain pass failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Close shuts down all closeable components in reverse registration order.
func (s *Supervisor) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func buildForwardCache(cfg config.ForwardConfig) (forward.Cache, error) {
	if cfg.RedisAddr == "" {
		return forward.NewMemCache(), nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	return forward.NewRedisCache(client, "relay:unreachable:"), nil
}

func buildVerifiers(cfgs []config.VerifierConfig, domains domain.DomainProvider, authRouter *domain.AuthRouter) (verifier.Verifier, error) {
	if len(cfgs) == 0 {
		return verifier.Internal{}, nil
	}
	var verifiers []verifier.Verifier
	for _, vc := range cfgs {
		v, err := buildVerifier(vc, domains, authRouter)
		if err != nil {
			return nil, err
		}
		verifiers = append(verifiers, v)
	}
	if len(verifiers) == 1 {
		return verifiers[0], nil
	}
	return verifier.NewChain(verifiers...), nil
}

func buildVerifier(cfg config.VerifierConfig, domains domain.DomainProvider, authRouter *domain.AuthRouter) (verifier.Verifier, error) {
	switch cfg.Type {
	case "", "internal":
		return verifier.Internal{}, nil
	case "demo":
		return verifier.Demo{LocalDomains: cfg.LocalDomains}, nil
	case "accountdb":
		if domains == nil {
			return nil, fmt.Errorf("verifier %q requires domains_path to be configured", cfg.Type)
		}
		return verifier.AccountDatabase{Domains: domains, AuthRouter: authRouter}, nil
	case "executable":
		return verifier.Executable{Path: cfg.Path, Timeout: cfg.GetTimeout()}, nil
	case "network":
		return verifier.Network{Addr: cfg.Addr, Timeout: cfg.GetTimeout()}, nil
	default:
		return nil, fmt.Errorf("unknown verifier type %q", cfg.Type)
	}
}

func buildServerChain(cfgs []config.FilterConfig, hostname, spoolDir string, spamCfg config.SpamCheckConfig, spamChecker spamcheck.Checker, deliveryAgent *delivery.Agent) (*filter.Chain, error) {
	stages := []filter.Filter{filter.MessageID{Domain: hostname}}
	for _, fc := range cfgs {
		f, err := buildFilter(fc, hostname, spoolDir, spamCfg, spamChecker)
		if err != nil {
			return nil, err
		}
		stages = append(stages, f)
	}
	if deliveryAgent != nil {
		stages = append(stages, filter.Delivery{Deliver: deliveryAgent.DeliverMessage})
	}
	return filter.NewChain("server", stages...), nil
}

func buildFilter(cfg config.FilterConfig, hostname, spoolDir string, spamCfg config.SpamCheckConfig, spamChecker spamcheck.Checker) (filter.Filter, error) {
	switch cfg.Type {
	case "null":
		return filter.Null{}, nil
	case "executable":
		if cfg.Path == "" {
			return nil, fmt.Errorf("filter %q requires path", cfg.Type)
		}
		return filter.Executable{
			Path:       cfg.Path,
			Args:       cfg.Args,
			Timeout:    cfg.GetTimeout(),
			ContentDir: func(store.Message) string { return spoolDir },
		}, nil
	case "network":
		if cfg.Addr == "" {
			return nil, fmt.Errorf("filter %q requires addr", cfg.Type)
		}
		return filter.Network{Addr: cfg.Addr, Timeout: cfg.GetTimeout(), ContentDir: spoolDir}, nil
	case "spam":
		if spamChecker == nil {
			return nil, fmt.Errorf("filter %q configured but spamcheck.enabled is false or has no enabled checkers", cfg.Type)
		}
		return filter.Spam{
			Checker:        spamChecker,
			RejectThresh:   spamCfg.RejectThreshold,
			TempFailThresh: spamCfg.TempFailThreshold,
			AlwaysPass:     spamCfg.AddHeaders,
			Hostname:       hostname,
		}, nil
	default:
		return nil, fmt.Errorf("unknown filter type %q", cfg.Type)
	}
}

// buildSpamChecker replicates the ambient pattern of assembling one or more
// spamcheck.Checker backends from config, combining them behind a
// MultiChecker when more than one is enabled. Returns nil, nil when spam
// checking is not configured.
func buildSpamChecker(cfg config.SpamCheckConfig) (spamcheck.Checker, error) {
	if !cfg.IsEnabled() {
		return nil, nil
	}
	var checkers []spamcheck.Checker
	for _, cc := range cfg.Checkers {
		if !cc.IsEnabled() {
			continue
		}
		switch cc.Type {
		case "rspamd":
			checkers = append(checkers, rspamd.NewChecker(cc.URL, cc.Password, cc.GetTimeout()))
		default:
			return nil, fmt.Errorf("unknown spam checker type %q", cc.Type)
		}
	}
	if len(checkers) == 0 {
		return nil, nil
	}
	if len(checkers) == 1 {
		return checkers[0], nil
	}
	return spamcheck.NewMultiChecker(checkers, spamcheck.MultiConfig{
		Mode:              cfg.Mode,
		FailMode:          spamcheck.FailMode(cfg.GetFailMode()),
		RejectThreshold:   cfg.RejectThreshold,
		TempFailThreshold: cfg.TempFailThreshold,
		AddHeaders:        cfg.AddHeaders,
	}), nil
}

func domainOf(addr string) string {
	_, dom, ok := cutDomain(addr)
	if !ok {
		return ""
	}
	return dom
}

func cutDomain(addr string) (local, domain string, ok bool) {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == '@' {
			return addr[:i], addr[i+1:], true
		}
	}
	return addr, "", false
}
