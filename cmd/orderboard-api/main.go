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

	"github.com/MarcoPoloResearchLab/orderboard/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/orderboard/backend/internal/cards"
	"github.com/MarcoPoloResearchLab/orderboard/backend/internal/commerce"
	"github.com/MarcoPoloResearchLab/orderboard/backend/internal/config"
	"github.com/MarcoPoloResearchLab/orderboard/backend/internal/database"
	"github.com/MarcoPoloResearchLab/orderboard/backend/internal/feed"
	"github.com/MarcoPoloResearchLab/orderboard/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/orderboard/backend/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "orderboard-api",
		Short: "Order fulfillment card board backend",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newPollCommand(), newTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	flags.String("database-path", defaults.GetString("database.path"), "SQLite database path")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.String("signing-secret", "", "TAuth signing secret (overrides env)")
	flags.String("cookie-name", defaults.GetString("tauth.cookie_name"), "TAuth session cookie name")
	flags.String("commerce-base-url", "", "Upstream order API base URL")
	flags.String("commerce-access-token", "", "Upstream order API access token (overrides env)")
	flags.String("addon-policy", defaults.GetString("cards.addon_policy"), "Add-on attachment policy (attach_all, attach_first_primary)")

	bindFlag(flags.Lookup("http-address"), "http.address")
	bindFlag(flags.Lookup("database-path"), "database.path")
	bindFlag(flags.Lookup("log-level"), "log.level")
	bindFlag(flags.Lookup("signing-secret"), "tauth.signing_secret")
	bindFlag(flags.Lookup("cookie-name"), "tauth.cookie_name")
	bindFlag(flags.Lookup("commerce-base-url"), "commerce.base_url")
	bindFlag(flags.Lookup("commerce-access-token"), "commerce.access_token")
	bindFlag(flags.Lookup("addon-policy"), "cards.addon_policy")
}

func bindFlag(flag *pflag.Flag, key string) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, "api")
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	orderClient, err := commerce.NewClient(commerce.ClientConfig{
		BaseURL:     appConfig.Commerce.BaseURL,
		AccessToken: appConfig.Commerce.AccessToken,
		APIVersion:  appConfig.Commerce.APIVersion,
		PageSize:    appConfig.Commerce.PageSize,
		RateLimit:   commerce.RateLimitPolicy{MaxRetries: appConfig.Commerce.MaxRetries},
		Logger:      logger.Named("commerce"),
	})
	if err != nil {
		return err
	}

	store, err := cards.NewStore(cards.StoreConfig{Database: db, Clock: time.Now, Logger: logger})
	if err != nil {
		return err
	}

	addOnPolicy, err := cards.ParseAddOnPolicy(appConfig.Cards.AddOnPolicy)
	if err != nil {
		return err
	}

	cardService, err := cards.NewService(cards.ServiceConfig{
		Orders:            orderClient,
		Labels:            cards.NewLabelRepository(db, logger),
		Store:             store,
		Classifier:        cards.NewClassifier(addOnPolicy),
		AddOnCategory:     appConfig.Cards.AddOnCategory,
		LookbackDays:      appConfig.Commerce.LookbackDays,
		MaxOrders:         appConfig.Commerce.MaxOrders,
		UsePartialResults: appConfig.Commerce.UsePartialResults,
		Clock:             time.Now,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.TAuthSigningKey),
		Issuer:        appConfig.TAuthIssuer,
		CookieName:    appConfig.TAuthCookieName,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		SessionValidator: sessionValidator,
		CardService:      cardService,
		CardStore:        store,
		ConfigStore:      cards.NewConfigStore(db, time.Now, logger),
		Realtime:         server.NewRealtimeDispatcher(),
		Feed: server.FeedSettings{
			Window:    appConfig.Feed.FeedWindow(),
			MaxWindow: appConfig.Feed.MaxFeedWindow(),
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func newPollCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "poll",
		Short: "Follow the card change feed of a running API and log every change once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPoller(cmd.Context())
		},
	}
	defaults := config.NewViper()
	flags := cmd.Flags()
	flags.String("base-url", defaults.GetString("poll.base_url"), "API base URL")
	flags.String("session-token", "", "Session token presented as the TAuth cookie")
	flags.Duration("interval", defaults.GetDuration("poll.interval"), "Poll interval")
	flags.Int("window-seconds", defaults.GetInt("feed.window_seconds"), "Change window requested per poll")
	bindFlag(flags.Lookup("base-url"), "poll.base_url")
	bindFlag(flags.Lookup("session-token"), "poll.session_token")
	bindFlag(flags.Lookup("interval"), "poll.interval")
	bindFlag(flags.Lookup("window-seconds"), "feed.window_seconds")
	return cmd
}

func runPoller(ctx context.Context) error {
	pollConfig, err := config.LoadPoll(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(pollConfig.LogLevel, "poller")
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	source, err := feed.NewHTTPChangeSource(feed.HTTPSourceConfig{
		BaseURL:      pollConfig.BaseURL,
		SessionToken: pollConfig.SessionToken,
		CookieName:   pollConfig.CookieName,
		Window:       time.Duration(viper.GetInt("feed.window_seconds")) * time.Second,
	})
	if err != nil {
		return err
	}

	session := feed.NewSession(feed.SessionConfig{})
	poller, err := feed.NewPoller(feed.PollerConfig{
		Source:  source,
		Session: session,
		Apply: func(_ context.Context, change feed.Change) error {
			logger.Info("card changed",
				zap.String("card_id", change.CardID),
				zap.String("updated_at", change.UpdatedAt),
				zap.ByteString("payload", change.Payload),
			)
			return nil
		},
		Interval: pollConfig.Interval,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("poller starting",
		zap.String("base_url", pollConfig.BaseURL),
		zap.String("session_id", session.ID()),
		zap.Duration("interval", pollConfig.Interval),
	)
	err = poller.Run(signalCtx)
	stats := poller.Stats()
	logger.Info("poller stopped",
		zap.Int("applied", stats.Applied),
		zap.Int("poll_failures", stats.TotalFailures),
		zap.Int("apply_failures", stats.ApplyFailures),
	)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func newTokenCommand() *cobra.Command {
	var (
		tenantID string
		userID   string
		email    string
		ttl      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a session token for service clients such as the poller",
		RunE: func(cmd *cobra.Command, args []string) error {
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(viper.GetString("tauth.signing_secret")),
				Issuer:        viper.GetString("tauth.issuer"),
				TokenTTL:      ttl,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.IssueSessionToken(auth.SessionSubject{
				TenantID: tenantID,
				UserID:   userID,
				Email:    email,
			})
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\n# expires %s\n", token, expiresAt.UTC().Format(time.RFC3339))
			return err
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "Tenant the token is scoped to")
	cmd.Flags().StringVar(&userID, "user", "orderboard-poller", "Subject recorded in the token")
	cmd.Flags().StringVar(&email, "email", "", "Optional email claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}
