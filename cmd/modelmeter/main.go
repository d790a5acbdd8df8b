package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"k8s.io/utils/clock"

	"github.com/modelmeter/modelmeter/pkg/aggregates"
	"github.com/modelmeter/modelmeter/pkg/api"
	"github.com/modelmeter/modelmeter/pkg/config"
	"github.com/modelmeter/modelmeter/pkg/credentials"
	"github.com/modelmeter/modelmeter/pkg/labels"
	"github.com/modelmeter/modelmeter/pkg/log"
	"github.com/modelmeter/modelmeter/pkg/metering"
	"github.com/modelmeter/modelmeter/pkg/pricing"
	"github.com/modelmeter/modelmeter/pkg/provisioning"
	"github.com/modelmeter/modelmeter/pkg/selection"
	"github.com/modelmeter/modelmeter/pkg/storage"
	"github.com/modelmeter/modelmeter/pkg/token"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const sweepInterval = time.Hour

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "modelmeter",
	Short: "Modelmeter - multi-tenant LLM cost metering and model governance",
	Long: `Modelmeter meters LLM usage per organization and application,
prices every call server-side, enforces daily quota ladders with sticky
fallback, and serves live spend aggregates.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Modelmeter version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(pricebookCmd)
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the metering API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		// Optional local overrides; absence is not an error.
		_ = godotenv.Load()

		settings := config.Load()
		log.Init(log.Config{
			Level:      log.Level(settings.LogLevel),
			JSONOutput: settings.LogJSON,
		})
		logger := log.WithComponent("server")

		pricebook, err := config.LoadPricebook(settings.PricebookPath)
		if err != nil {
			return fmt.Errorf("load pricebook: %w", err)
		}
		logger.Info().Int("labels", len(pricebook.Labels())).
			Str("path", settings.PricebookPath).Msg("pricebook loaded")

		clk := clock.RealClock{}
		store, err := storage.NewBoltStore(settings.DataDir, clk)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer store.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		secrets := secretSource(ctx, settings)
		signingKey, err := secrets.GetSecret(ctx, settings.TokenSigningSecretName)
		if err != nil {
			return fmt.Errorf("resolve signing key: %w", err)
		}
		provisioningKey, err := secrets.GetSecret(ctx, settings.ProvisioningKeySecretName)
		if err != nil {
			return fmt.Errorf("resolve provisioning key: %w", err)
		}

		meter := metering.New(store,
			labels.NewResolver(store, pricebook),
			pricing.NewResolver(store, pricebook),
			clk, settings.RetentionDays)

		server := api.NewServer(api.Deps{
			Settings:        settings,
			Store:           store,
			Credentials:     credentials.NewManager(store, clk),
			Issuer:          token.NewIssuer([]byte(signingKey), store, clk),
			Meter:           meter,
			Selection:       selection.NewEngine(store, meter, pricebook, clk),
			Projector:       aggregates.NewProjector(store, meter, pricebook, clk),
			Provisioner:     provisioning.NewService(store, pricebook, clk),
			Registrar:       labels.NewRegistrar(store, labels.DefaultBedrockFactory, clk),
			ProvisioningKey: []byte(provisioningKey),
			Clock:           clk,
		})

		go store.RunSweeper(ctx, sweepInterval)

		addr := fmt.Sprintf("%s:%d", settings.Host, settings.Port)
		httpServer := &http.Server{
			Addr:              addr,
			Handler:           server.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       2 * time.Minute,
		}

		errCh := make(chan error, 1)
		go func() {
			logger.Info().Str("addr", addr).Str("env", settings.Environment).
				Msg("server listening")
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()

		select {
		case err := <-errCh:
			return fmt.Errorf("server error: %w", err)
		case <-ctx.Done():
		}

		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	},
}

// secretSource picks AWS Secrets Manager in deployed environments and the
// process environment for local development.
func secretSource(ctx context.Context, settings config.Settings) config.SecretSource {
	if settings.Environment == "dev" {
		return config.EnvSecretSource{}
	}
	source, err := config.NewSecretsManagerSource(ctx, settings.Region)
	if err != nil {
		log.WithComponent("server").Warn().Err(err).
			Msg("secrets manager unavailable, falling back to environment")
		return config.EnvSecretSource{}
	}
	return source
}

var pricebookCmd = &cobra.Command{
	Use:   "pricebook",
	Short: "Inspect the static pricebook",
}

var pricebookValidateCmd = &cobra.Command{
	Use:   "validate [path]",
	Short: "Parse and validate a pricebook file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := config.Load().PricebookPath
		if len(args) > 0 {
			path = args[0]
		}
		pricebook, err := config.LoadPricebook(path)
		if err != nil {
			return err
		}
		fmt.Printf("✓ %s is valid\n", path)
		for _, label := range pricebook.Labels() {
			entry, _ := pricebook.Lookup(label)
			fmt.Printf("  %-12s %s (in %d, out %d micro-USD per 1M tokens)\n",
				label, entry.ModelID,
				entry.InputPriceUSDMicrosPer1M, entry.OutputPriceUSDMicrosPer1M)
		}
		return nil
	},
}

func init() {
	pricebookCmd.AddCommand(pricebookValidateCmd)
}
