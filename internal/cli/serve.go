package cli

import (
	"context"
	"fmt"
	"io"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/tokenvault/tokenvault/internal/api"
	"github.com/tokenvault/tokenvault/internal/config"
	"github.com/tokenvault/tokenvault/internal/custody"
	"github.com/tokenvault/tokenvault/internal/encryption"
	"github.com/tokenvault/tokenvault/internal/logging"
	"github.com/tokenvault/tokenvault/internal/mailer"
	"github.com/tokenvault/tokenvault/internal/metrics"
	"github.com/tokenvault/tokenvault/internal/provider"
	"github.com/tokenvault/tokenvault/internal/ratelimit"
	"github.com/tokenvault/tokenvault/internal/resolver"
	"github.com/tokenvault/tokenvault/internal/store"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"s", "server", "run"},
	Short:   "Start the custody server",
	Long: `Start the custody HTTP server.

The server exposes POST /manage-tokens and POST /send-mail behind API-key
authentication, plus /health and /metrics. The encryption key and API keys
are usually supplied through TOKENVAULT_ENCRYPTION_KEY and
TOKENVAULT_API_KEYS.

Example:
  tokenvault serve --config config.yaml

The configuration file is watched; API keys and rate limits are applied
without a restart.`,
	RunE: runServe,
}

var serveFlags struct {
	Host       string
	Port       int
	TLS        bool
	TLSCert    string
	TLSKey     string
	TLSVersion string
}

func init() {
	serveCmd.Flags().StringVar(&serveFlags.Host, "host", "", "Server host (overrides config)")
	serveCmd.Flags().IntVar(&serveFlags.Port, "port", 0, "Server port (overrides config)")
	serveCmd.Flags().BoolVar(&serveFlags.TLS, "tls", false, "Enable TLS/HTTPS")
	serveCmd.Flags().StringVar(&serveFlags.TLSCert, "cert", "", "TLS certificate file path")
	serveCmd.Flags().StringVar(&serveFlags.TLSKey, "key", "", "TLS key file path")
	serveCmd.Flags().StringVar(&serveFlags.TLSVersion, "tls-version", "", "Minimum TLS version (1.2 or 1.3)")

	RootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	loader, cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyServeFlags(cfg)
	if err := cfg.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if err := cfg.ValidateServe(); err != nil {
		return err
	}

	logger := newLogger(cfg.Server.LogLevel, cmd.ErrOrStderr())
	loader.SetLogger(logger)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := api.SetupSignalHandler()
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received signal", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	srv, err := buildServer(ctx, cfg, logger)
	if err != nil {
		return err
	}

	loader.SetOnChange(func(next *config.Config) {
		srv.ApplyConfig(next.API)
	})
	if err := loader.Watch(ctx); err != nil {
		logger.Warn("config watch disabled", "path", loader.Path(), "error", err.Error())
	}

	return srv.Run(ctx)
}

func applyServeFlags(cfg *config.Config) {
	if serveFlags.Host != "" {
		cfg.Server.Host = serveFlags.Host
	}
	if serveFlags.Port != 0 {
		cfg.Server.HTTPPort = serveFlags.Port
	}
	if serveFlags.TLS {
		cfg.Server.TLS.Enabled = true
	}
	if serveFlags.TLSCert != "" {
		cfg.Server.TLS.CertFile = serveFlags.TLSCert
	}
	if serveFlags.TLSKey != "" {
		cfg.Server.TLS.KeyFile = serveFlags.TLSKey
	}
	if serveFlags.TLSVersion != "" {
		cfg.Server.TLS.MinVersion = serveFlags.TLSVersion
	}
	if globalFlags.DBPath != "" && cfg.Custody.Storage.Driver == "sqlite" {
		cfg.Custody.Storage.Path = globalFlags.DBPath
	}
}

// buildServer wires storage, providers, the resolver and the mailer into
// an API server. The store is closed when the server shuts down.
func buildServer(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*api.Server, error) {
	m := metrics.NewMetrics("tokenvault")
	auditor := logging.NewLogAuditor(logger)

	key, err := encryption.ParseKey(cfg.Custody.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("custody encryption key: %w", err)
	}
	cipher, err := encryption.NewAEAD(key)
	if err != nil {
		return nil, err
	}

	registry, err := buildRegistry(cfg, logger, m)
	if err != nil {
		return nil, err
	}

	ts, err := openStore(ctx, cfg.Custody.Storage)
	if err != nil {
		return nil, err
	}

	res := resolver.New(ts, cipher, registry,
		resolver.WithRefreshBuffer(cfg.Custody.RefreshBuffer),
		resolver.WithRefreshTimeout(cfg.Custody.RefreshTimeout),
		resolver.WithLogger(logger),
		resolver.WithAuditor(auditor),
		resolver.WithMetrics(m),
	)

	deps := api.Dependencies{
		Custody: custody.NewService(ts, cipher,
			custody.WithLogger(logger),
			custody.WithAuditor(auditor),
			custody.WithMetrics(m),
		),
		Mailer: mailer.New(res, mailer.WithLogger(logger), mailer.WithMetrics(m)),
		Limiter: ratelimit.New(
			ratelimit.WithSweepInterval(cfg.API.RateLimit.SweepInterval),
			ratelimit.WithMetrics(m),
		),
		Metrics:    m,
		Logger:     logger,
		Auditor:    auditor,
		Components: []api.Shutdownable{api.ShutdownFunc(func(context.Context) error { return ts.Close() })},
	}
	if p, ok := ts.(api.Pinger); ok {
		deps.Health = p
	}

	srv, err := api.NewServer(cfg, deps)
	if err != nil {
		ts.Close()
		return nil, err
	}
	return srv, nil
}

// buildRegistry creates one adapter per enabled provider.
func buildRegistry(cfg *config.Config, logger *logging.Logger, m *metrics.Metrics) (*provider.Registry, error) {
	var adapters []*provider.Adapter
	for _, pc := range cfg.ProviderConfigs() {
		a, err := provider.New(pc, provider.WithLogger(logger), provider.WithMetrics(m))
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, a)
	}
	return provider.NewRegistry(adapters...), nil
}

// openStore opens the configured custody backend.
func openStore(ctx context.Context, cfg config.StorageConfig) (store.TokenStore, error) {
	switch cfg.Driver {
	case "memory":
		return store.NewMemoryStore(), nil
	case "postgres":
		return store.OpenPostgres(ctx, cfg.DSN)
	default:
		return store.OpenSQLite(ctx, cfg.Path)
	}
}

// keygenCmd prints a fresh custody key.
var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a custody encryption key",
	Long: `Generate a random 256-bit key for the custody server, base64 encoded.

Store it in TOKENVAULT_ENCRYPTION_KEY or custody.encryption_key. Losing it
makes every stored credential unreadable.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return writeKey(cmd.OutOrStdout())
	},
}

func init() {
	RootCmd.AddCommand(keygenCmd)
}

func writeKey(w io.Writer) error {
	key, err := encryption.GenerateKey()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, encryption.EncodeKey(key))
	return err
}
