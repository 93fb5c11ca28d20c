package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robertprast/edgesigner/pkg/auth"
	"github.com/robertprast/edgesigner/pkg/dispatch"
	"github.com/robertprast/edgesigner/pkg/lambdaedge"
	"github.com/robertprast/edgesigner/pkg/proxy"
	"github.com/robertprast/edgesigner/pkg/routes"
	"github.com/robertprast/edgesigner/pkg/secrets"
	"github.com/robertprast/edgesigner/pkg/signer"
	"github.com/robertprast/edgesigner/pkg/utils"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:          "edgesigner",
		Short:        "Signs CloudFront origin requests for an IAM protected API Gateway",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLambda(cmd.Context(), configFile)
		},
	}
	root.PersistentFlags().StringVar(&configFile, "config",
		utils.GetEnv("EDGESIGNER_CONFIG", utils.DefaultConfigPath), "path to the YAML config file")

	root.AddCommand(&cobra.Command{
		Use:   "lambda",
		Short: "Run as the Lambda@Edge origin-request handler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLambda(cmd.Context(), configFile)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the origin-request pipeline as a local HTTP proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configFile)
		},
	})
	return root
}

// app is the wired pipeline shared by both commands.
type app struct {
	config      *utils.Config
	logger      *logrus.Logger
	dispatcher  *dispatch.Dispatcher
	credentials aws.CredentialsProvider
}

func setup(ctx context.Context, configFile string, reg prometheus.Registerer) (*app, error) {
	cfg, err := utils.LoadConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("error loading configuration: %w", err)
	}
	logger, err := utils.NewLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("error loading AWS configuration: %w", err)
	}

	var sm secrets.GetSecretValueAPI
	if cfg.Auth.JWTSecretARN != "" {
		sm = secretsmanager.NewFromConfig(awsCfg)
	}
	secret, err := secrets.Resolve(ctx, sm, cfg.Auth.JWTSecret, cfg.Auth.JWTSecretARN)
	if err != nil {
		return nil, err
	}

	d, err := newDispatcher(cfg, secret, awsCfg.Region, logger, reg)
	if err != nil {
		return nil, err
	}
	return &app{config: cfg, logger: logger, dispatcher: d, credentials: awsCfg.Credentials}, nil
}

// newDispatcher builds the pipeline from cfg. fallbackRegion is used when
// neither the config nor the target host names a signing region. Metrics are
// recorded only when reg is set.
func newDispatcher(cfg *utils.Config, secret, fallbackRegion string, logger *logrus.Logger, reg prometheus.Registerer) (*dispatch.Dispatcher, error) {
	table, err := routes.New(cfg.Routes.StripPrefixes, cfg.Routes.Patterns)
	if err != nil {
		return nil, err
	}

	verifier, err := auth.NewVerifier(secret, auth.WithLeeway(cfg.Auth.Leeway))
	if err != nil {
		return nil, err
	}

	region := cfg.Region
	if region == "" {
		region = signer.RegionFromHost(cfg.TargetHost)
	}
	if region == "" {
		region = fallbackRegion
	}
	s, err := signer.New(signer.Options{
		Region:     region,
		Service:    cfg.Service,
		Logger:     logger,
		LogSigning: cfg.LogSigning,
	})
	if err != nil {
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"region":         region,
		"service":        s.Service(),
		"failure_policy": cfg.FailurePolicy,
		"rules":          len(table.Rules()),
	}).Info("origin request signer configured")

	var metrics *dispatch.Metrics
	if reg != nil {
		metrics = dispatch.NewMetrics(reg)
	}

	return dispatch.New(dispatch.Options{
		Routes:     table,
		Auth:       auth.NewExtractor(cfg.Auth.CookieName, verifier),
		Signer:     s,
		TargetHost: cfg.TargetHost,
		Policy:     dispatch.Policy(cfg.FailurePolicy),
		Logger:     logger,
		Metrics:    metrics,
	})
}

func runLambda(ctx context.Context, configFile string) error {
	// Nothing scrapes a Lambda@Edge replica, so no metrics are recorded.
	a, err := setup(ctx, configFile, nil)
	if err != nil {
		return err
	}
	handler := lambdaedge.NewHandler(a.dispatcher, a.credentials, a.logger)
	lambda.Start(handler.Handle)
	return nil
}

func runServe(ctx context.Context, configFile string) error {
	registry := prometheus.NewRegistry()
	a, err := setup(ctx, configFile, registry)
	if err != nil {
		return err
	}
	if a.config.Serve.Origin == "" {
		return errors.New("serve.origin is required to run the proxy")
	}

	handler, err := proxy.NewProxyHandler(proxy.Options{
		Dispatcher:  a.dispatcher,
		Credentials: a.credentials,
		Origin:      a.config.Serve.Origin,
		Logger:      a.logger,
		Metrics:     proxy.NewProxyMetrics(registry),
		Gatherer:    registry,
		MetricsPath: a.config.Serve.MetricsPath,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              a.config.Serve.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	a.logger.Infof("Starting proxy server on %s", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
