package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "TICKETGATE"

	defaultHTTPAddress    = "0.0.0.0:8080"
	defaultDatabasePath   = "ticketgate.db"
	defaultLogLevel       = "info"
	defaultFilesDir       = "data/files"
	defaultBackupDir      = "data/backups"
	defaultInboxDir       = "data/inbox"
	defaultHandoffTimeout = 30 * time.Second
	defaultOperatorTTL    = 30 * time.Minute
	defaultRedeemRate     = 1.0
	defaultRedeemBurst    = 5
	defaultSendRate       = 0.5
)

// AppConfig captures runtime configuration for the distribution service.
type AppConfig struct {
	HTTPAddress  string
	DatabasePath string
	LogLevel     string

	// Bot identity used when composing redemption links and delivering files.
	BotToken    string
	BotUsername string

	// Storage folders: extracted pool files, per-subscriber backup copies,
	// and a scratch area for uploaded bundles.
	FilesDir  string
	BackupDir string
	InboxDir  string

	// Static administrator allow-list, unioned with the administrators table.
	AdminAllowList []int64

	// Operator API authentication.
	OperatorAccessKey string
	SigningSecret     string
	OperatorTokenTTL  time.Duration

	HandoffTimeout time.Duration

	// Redemption endpoint throttling (requests per second per client).
	RedeemRatePerSec float64
	RedeemBurst      int

	// Outbound document pacing (sends per second across the process).
	SendRatePerSec float64
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
	configViper.SetDefault("storage.files_dir", defaultFilesDir)
	configViper.SetDefault("storage.backup_dir", defaultBackupDir)
	configViper.SetDefault("storage.inbox_dir", defaultInboxDir)
	configViper.SetDefault("auth.operator_token_ttl_minutes", int(defaultOperatorTTL.Minutes()))
	configViper.SetDefault("distribution.handoff_timeout_seconds", int(defaultHandoffTimeout.Seconds()))
	configViper.SetDefault("redeem.rate_per_sec", defaultRedeemRate)
	configViper.SetDefault("redeem.burst", defaultRedeemBurst)
	configViper.SetDefault("transport.send_rate_per_sec", defaultSendRate)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		DatabasePath:      configViper.GetString("database.path"),
		LogLevel:          configViper.GetString("log.level"),
		BotToken:          configViper.GetString("bot.token"),
		BotUsername:       configViper.GetString("bot.username"),
		FilesDir:          configViper.GetString("storage.files_dir"),
		BackupDir:         configViper.GetString("storage.backup_dir"),
		InboxDir:          configViper.GetString("storage.inbox_dir"),
		AdminAllowList:    parseAllowList(configViper.GetStringSlice("auth.admin_ids")),
		OperatorAccessKey: configViper.GetString("auth.operator_access_key"),
		SigningSecret:     configViper.GetString("auth.signing_secret"),
		OperatorTokenTTL:  time.Duration(configViper.GetInt("auth.operator_token_ttl_minutes")) * time.Minute,
		HandoffTimeout:    time.Duration(configViper.GetInt("distribution.handoff_timeout_seconds")) * time.Second,
		RedeemRatePerSec:  configViper.GetFloat64("redeem.rate_per_sec"),
		RedeemBurst:       configViper.GetInt("redeem.burst"),
		SendRatePerSec:    configViper.GetFloat64("transport.send_rate_per_sec"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.OperatorAccessKey) == "" {
		return fmt.Errorf("auth.operator_access_key is required")
	}
	if strings.TrimSpace(c.BotToken) == "" {
		return fmt.Errorf("bot.token is required")
	}
	if strings.TrimSpace(c.BotUsername) == "" {
		return fmt.Errorf("bot.username is required")
	}
	if strings.TrimSpace(c.FilesDir) == "" || strings.TrimSpace(c.BackupDir) == "" || strings.TrimSpace(c.InboxDir) == "" {
		return fmt.Errorf("storage folders are required")
	}
	if c.HandoffTimeout <= 0 {
		return fmt.Errorf("distribution.handoff_timeout_seconds must be positive")
	}
	return nil
}

// parseAllowList tolerates both numeric and comma-joined string forms so the
// allow-list can come from env ("123,456") or a config file list.
func parseAllowList(values []string) []int64 {
	ids := make([]int64, 0, len(values))
	for _, value := range values {
		for _, piece := range strings.Split(value, ",") {
			piece = strings.TrimSpace(piece)
			if piece == "" {
				continue
			}
			var id int64
			if _, err := fmt.Sscanf(piece, "%d", &id); err == nil {
				ids = append(ids, id)
			}
		}
	}
	return ids
}
