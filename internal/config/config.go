package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const (
	envPrefix                 = "ORDERBOARD"
	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultDatabasePath       = "orderboard.db"
	defaultLogLevel           = "info"
	defaultCookieName         = "app_session"
	defaultSessionIssuer      = "tauth"
	defaultCommerceAPIVersion = "2024-01"
	defaultCommercePageSize   = 250
	defaultCommerceMaxRetries = 5
	defaultCommerceMaxOrders  = 2000
	defaultLookbackDays       = 60
	defaultAddOnCategory      = "Add-On"
	defaultAddOnPolicy        = "attach_all"
	defaultFeedWindowSeconds  = 10
	defaultFeedMaxWindow      = 300
	defaultPollInterval       = 1500 * time.Millisecond
	defaultPollBaseURL        = "http://127.0.0.1:8080"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress     string `validate:"required"`
	TAuthSigningKey string `validate:"required"`
	TAuthCookieName string `validate:"required"`
	TAuthIssuer     string `validate:"required"`
	DatabasePath    string `validate:"required"`
	LogLevel        string
	Commerce        CommerceConfig
	Cards           CardsConfig
	Feed            FeedConfig
}

// CommerceConfig describes the upstream order API connection.
type CommerceConfig struct {
	BaseURL           string `validate:"omitempty,url"`
	AccessToken       string
	APIVersion        string `validate:"required"`
	PageSize          int    `validate:"min=1,max=250"`
	MaxRetries        int    `validate:"min=0"`
	MaxOrders         int    `validate:"min=0"`
	LookbackDays      int    `validate:"min=1"`
	UsePartialResults bool
}

// CardsConfig holds classification policy.
type CardsConfig struct {
	AddOnCategory string `validate:"required"`
	AddOnPolicy   string `validate:"oneof=attach_all attach_first_primary"`
}

// FeedConfig bounds the change-feed look-back window.
type FeedConfig struct {
	WindowSeconds    int `validate:"min=1"`
	MaxWindowSeconds int `validate:"min=1,gtefield=WindowSeconds"`
}

// PollConfig configures the command line change-feed poller.
type PollConfig struct {
	BaseURL      string        `validate:"required,url"`
	SessionToken string        `validate:"required"`
	CookieName   string        `validate:"required"`
	Interval     time.Duration `validate:"gt=0"`
	LogLevel     string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("tauth.cookie_name", defaultCookieName)
	configViper.SetDefault("tauth.issuer", defaultSessionIssuer)
	configViper.SetDefault("commerce.api_version", defaultCommerceAPIVersion)
	configViper.SetDefault("commerce.page_size", defaultCommercePageSize)
	configViper.SetDefault("commerce.max_retries", defaultCommerceMaxRetries)
	configViper.SetDefault("commerce.max_orders", defaultCommerceMaxOrders)
	configViper.SetDefault("commerce.lookback_days", defaultLookbackDays)
	configViper.SetDefault("commerce.use_partial_results", false)
	configViper.SetDefault("cards.addon_category", defaultAddOnCategory)
	configViper.SetDefault("cards.addon_policy", defaultAddOnPolicy)
	configViper.SetDefault("feed.window_seconds", defaultFeedWindowSeconds)
	configViper.SetDefault("feed.max_window_seconds", defaultFeedMaxWindow)
	configViper.SetDefault("poll.base_url", defaultPollBaseURL)
	configViper.SetDefault("poll.interval", defaultPollInterval)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:     configViper.GetString("http.address"),
		TAuthSigningKey: configViper.GetString("tauth.signing_secret"),
		TAuthCookieName: configViper.GetString("tauth.cookie_name"),
		TAuthIssuer:     configViper.GetString("tauth.issuer"),
		DatabasePath:    configViper.GetString("database.path"),
		LogLevel:        configViper.GetString("log.level"),
		Commerce: CommerceConfig{
			BaseURL:           strings.TrimRight(configViper.GetString("commerce.base_url"), "/"),
			AccessToken:       configViper.GetString("commerce.access_token"),
			APIVersion:        configViper.GetString("commerce.api_version"),
			PageSize:          configViper.GetInt("commerce.page_size"),
			MaxRetries:        configViper.GetInt("commerce.max_retries"),
			MaxOrders:         configViper.GetInt("commerce.max_orders"),
			LookbackDays:      configViper.GetInt("commerce.lookback_days"),
			UsePartialResults: configViper.GetBool("commerce.use_partial_results"),
		},
		Cards: CardsConfig{
			AddOnCategory: configViper.GetString("cards.addon_category"),
			AddOnPolicy:   strings.ToLower(strings.TrimSpace(configViper.GetString("cards.addon_policy"))),
		},
		Feed: FeedConfig{
			WindowSeconds:    configViper.GetInt("feed.window_seconds"),
			MaxWindowSeconds: configViper.GetInt("feed.max_window_seconds"),
		},
	}

	if err := validateStruct(cfg); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// LoadPoll parses the poller configuration from viper.
func LoadPoll(configViper *viper.Viper) (PollConfig, error) {
	cfg := PollConfig{
		BaseURL:      strings.TrimRight(configViper.GetString("poll.base_url"), "/"),
		SessionToken: configViper.GetString("poll.session_token"),
		CookieName:   configViper.GetString("tauth.cookie_name"),
		Interval:     configViper.GetDuration("poll.interval"),
		LogLevel:     configViper.GetString("log.level"),
	}
	if err := validateStruct(cfg); err != nil {
		return PollConfig{}, err
	}
	return cfg, nil
}

// FeedWindow returns the default look-back window as a duration.
func (c FeedConfig) FeedWindow() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}

// MaxFeedWindow returns the largest window a client may request.
func (c FeedConfig) MaxFeedWindow() time.Duration {
	return time.Duration(c.MaxWindowSeconds) * time.Second
}

var structValidator = validator.New()

func validateStruct(value any) error {
	err := structValidator.Struct(value)
	if err == nil {
		return nil
	}
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return err
	}
	messages := make([]string, 0, len(validationErrors))
	for _, fieldErr := range validationErrors {
		messages = append(messages, fmt.Sprintf("%s failed %q", fieldErr.Namespace(), fieldErr.Tag()))
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(messages, "; "))
}
