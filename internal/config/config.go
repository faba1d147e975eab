package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"patchvault/internal/ledger"
	"patchvault/internal/mirror"
	"patchvault/internal/source"
	"patchvault/internal/store"
)

const (
	defaultConfigName = "config"
	envPrefix         = "PV"
)

type Config struct {
	BaseDir  string
	Interval time.Duration

	Source source.Config

	DownloadBaseURL string
	BinaryName      string
	DownloadTimeout time.Duration

	SizeWarnBytes int64

	OnlyNewVersions bool
	LogLevel        slog.Level

	Ledger ledger.Config

	// StatusPort enables the status HTTP endpoint when non-zero.
	StatusPort int

	// EventLogPath enables NDJSON cycle events when set.
	EventLogPath string

	NATSURL     string
	NATSSubject string

	Mirror mirror.Config
}

func Load() (Config, error) {
	v := viper.New()
	v.SetConfigName(defaultConfigName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("config")
	return load(v)
}

func load(v *viper.Viper) (Config, error) {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("base.dir", "pathofexile_patches")
	v.SetDefault("poll.interval", "60s")

	v.SetDefault("source.strategy", source.StrategyDirect)
	v.SetDefault("source.direct.addr", "patch.pathofexile.com:12995")
	v.SetDefault("source.indirect.url", "https://raw.githubusercontent.com/poe-tool-dev/latest-patch-version/main/latest.txt")
	v.SetDefault("source.timeout", "10s")

	v.SetDefault("download.base_url", "https://patch.poecdn.com")
	v.SetDefault("download.binary_name", "PathOfExile.exe")
	v.SetDefault("download.timeout", "10m")

	v.SetDefault("archive.size_warn_bytes", store.DefaultSizeWarn)

	v.SetDefault("log.only_new_versions", true)
	v.SetDefault("log.level", "info")

	v.SetDefault("ledger.driver", ledger.DriverSQLite)
	v.SetDefault("ledger.sqlite_file", "patchdatabase.db")
	v.SetDefault("ledger.postgres_dsn", "")

	v.SetDefault("status.port", 0)
	v.SetDefault("telemetry.ndjson_path", "")

	v.SetDefault("notify.nats_url", "")
	v.SetDefault("notify.subject", "patchvault.patch.new")

	v.SetDefault("mirror.s3.endpoint", "")
	v.SetDefault("mirror.s3.bucket", "")
	v.SetDefault("mirror.s3.prefix", "")
	v.SetDefault("mirror.s3.region", "us-east-1")
	v.SetDefault("mirror.s3.access_key", "")
	v.SetDefault("mirror.s3.secret_key", "")
	v.SetDefault("mirror.s3.force_path_style", true)
	v.SetDefault("mirror.s3.disable_tls", false)

	// Config file is optional; env-only is fine.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := Config{
		BaseDir:  strings.TrimSpace(v.GetString("base.dir")),
		Interval: v.GetDuration("poll.interval"),
		Source: source.Config{
			Strategy:    strings.ToLower(strings.TrimSpace(v.GetString("source.strategy"))),
			DirectAddr:  strings.TrimSpace(v.GetString("source.direct.addr")),
			IndirectURL: strings.TrimSpace(v.GetString("source.indirect.url")),
			Timeout:     v.GetDuration("source.timeout"),
		},
		DownloadBaseURL: strings.TrimSpace(v.GetString("download.base_url")),
		BinaryName:      strings.TrimSpace(v.GetString("download.binary_name")),
		DownloadTimeout: v.GetDuration("download.timeout"),
		SizeWarnBytes:   v.GetInt64("archive.size_warn_bytes"),
		OnlyNewVersions: v.GetBool("log.only_new_versions"),
		Ledger: ledger.Config{
			Driver:      strings.ToLower(strings.TrimSpace(v.GetString("ledger.driver"))),
			PostgresDSN: v.GetString("ledger.postgres_dsn"),
		},
		StatusPort:   v.GetInt("status.port"),
		EventLogPath: strings.TrimSpace(v.GetString("telemetry.ndjson_path")),
		NATSURL:      strings.TrimSpace(v.GetString("notify.nats_url")),
		NATSSubject:  strings.TrimSpace(v.GetString("notify.subject")),
		Mirror: mirror.Config{
			Endpoint:       strings.TrimSpace(v.GetString("mirror.s3.endpoint")),
			Bucket:         strings.TrimSpace(v.GetString("mirror.s3.bucket")),
			Prefix:         v.GetString("mirror.s3.prefix"),
			Region:         strings.TrimSpace(v.GetString("mirror.s3.region")),
			AccessKey:      v.GetString("mirror.s3.access_key"),
			SecretKey:      v.GetString("mirror.s3.secret_key"),
			ForcePathStyle: v.GetBool("mirror.s3.force_path_style"),
			DisableTLS:     v.GetBool("mirror.s3.disable_tls"),
		},
	}

	if cfg.BaseDir == "" {
		return Config{}, fmt.Errorf("base.dir must not be empty")
	}
	if cfg.Interval <= 0 {
		return Config{}, fmt.Errorf("invalid poll.interval %q", v.GetString("poll.interval"))
	}
	switch cfg.Source.Strategy {
	case source.StrategyDirect:
		if cfg.Source.DirectAddr == "" {
			return Config{}, fmt.Errorf("source.direct.addr must not be empty")
		}
	case source.StrategyIndirect:
		if cfg.Source.IndirectURL == "" {
			return Config{}, fmt.Errorf("source.indirect.url must not be empty")
		}
	default:
		return Config{}, fmt.Errorf("invalid source.strategy %q (want direct or indirect)", cfg.Source.Strategy)
	}
	if cfg.DownloadBaseURL == "" {
		return Config{}, fmt.Errorf("download.base_url must not be empty")
	}
	if cfg.BinaryName == "" {
		return Config{}, fmt.Errorf("download.binary_name must not be empty")
	}
	if cfg.SizeWarnBytes <= 0 {
		return Config{}, fmt.Errorf("invalid archive.size_warn_bytes %d", cfg.SizeWarnBytes)
	}
	if err := cfg.LogLevel.UnmarshalText([]byte(v.GetString("log.level"))); err != nil {
		return Config{}, fmt.Errorf("invalid log.level %q: %w", v.GetString("log.level"), err)
	}
	switch cfg.Ledger.Driver {
	case ledger.DriverSQLite:
		file := strings.TrimSpace(v.GetString("ledger.sqlite_file"))
		if file == "" {
			return Config{}, fmt.Errorf("ledger.sqlite_file must not be empty")
		}
		if !filepath.IsAbs(file) {
			file = filepath.Join(cfg.BaseDir, file)
		}
		cfg.Ledger.SQLitePath = file
	case ledger.DriverPostgres:
		if strings.TrimSpace(cfg.Ledger.PostgresDSN) == "" {
			return Config{}, fmt.Errorf("ledger.postgres_dsn must be set when ledger.driver is postgres")
		}
	default:
		return Config{}, fmt.Errorf("invalid ledger.driver %q (want sqlite or postgres)", cfg.Ledger.Driver)
	}
	if cfg.StatusPort < 0 || cfg.StatusPort > 65535 {
		return Config{}, fmt.Errorf("invalid status.port %d", cfg.StatusPort)
	}
	if cfg.NATSURL != "" && cfg.NATSSubject == "" {
		return Config{}, fmt.Errorf("notify.subject must not be empty when notify.nats_url is set")
	}
	return cfg, nil
}
