package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sentilens/platform/pkg/auth"
	"github.com/sentilens/platform/pkg/common/config"
	"github.com/sentilens/platform/pkg/common/logger"
	"github.com/sentilens/platform/pkg/gateway/httpclient"
	"github.com/sentilens/platform/pkg/retrain"
)

var (
	noColor    bool
	jsonOutput bool
	apiURL     string
	adminURL   string
	adminToken string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:           "retrainctl",
	Short:         "Upload datasets, start retrain jobs and follow them",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logger.Init()
		if !verbose {
			logger.Log.SetLevel(logrus.WarnLevel)
		}
		if os.Getenv("NO_COLOR") != "" {
			noColor = true
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable coloured output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print raw JSON")
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", "", "backend base URL (default from API_URL)")
	rootCmd.PersistentFlags().StringVar(&adminURL, "admin-api", "", "admin API URL (default from ADMIN_API)")
	rootCmd.PersistentFlags().StringVar(&adminToken, "token", "", "admin bearer token (default from ADMIN_TOKEN)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log backend calls")

	rootCmd.AddCommand(uploadCmd, retrainCmd, watchCmd, jobsCmd, historyCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}

// env bundles what every command needs.
type env struct {
	cfg    *config.Config
	client *retrain.Client
}

func newEnv(ctx context.Context) (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if apiURL != "" {
		cfg.APIBaseURL = apiURL
	}
	if adminURL != "" {
		cfg.AdminAPIURL = adminURL
	}

	tokens, err := tokenProvider(ctx, cfg)
	if err != nil {
		return nil, err
	}

	client := retrain.NewClient(
		cfg.ActiveLearningURL(""),
		cfg.AdminAPIURL,
		retrain.WithHTTPClient(httpclient.New(cfg.RequestTimeout)),
		retrain.WithTokenProvider(tokens),
		retrain.WithLogger(logger.Log),
	)
	return &env{cfg: cfg, client: client}, nil
}

// tokenProvider prefers an explicit token, then OAuth2 client credentials.
func tokenProvider(ctx context.Context, cfg *config.Config) (auth.TokenProvider, error) {
	token := adminToken
	if token == "" {
		token = cfg.AdminToken
	}
	if token != "" {
		return auth.Static(token), nil
	}
	if cfg.OAuthTokenURL != "" {
		return auth.ClientCredentials(ctx, cfg.OAuthTokenURL, cfg.OAuthClientID, cfg.OAuthClientSecret, cfg.OAuthScopes)
	}
	return func(context.Context) (string, error) {
		return "", fmt.Errorf("%w: pass --token or set ADMIN_TOKEN", auth.ErrNoToken)
	}, nil
}

func pollConfig(cfg *config.Config) retrain.PollConfig {
	return retrain.PollConfig{
		Interval:    cfg.PollInterval,
		Timeout:     cfg.PollTimeout,
		MaxFailures: cfg.PollMaxFailures,
		MaxBackoff:  cfg.PollMaxBackoff,
	}
}
