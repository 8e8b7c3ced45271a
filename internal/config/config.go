package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	authConfig "github.com/iurnickita/ecowallet/internal/auth/config"
	cacheConfig "github.com/iurnickita/ecowallet/internal/cache/config"
	handlerConfig "github.com/iurnickita/ecowallet/internal/handler/config"
	loggerConfig "github.com/iurnickita/ecowallet/internal/logger/config"
	realtimeConfig "github.com/iurnickita/ecowallet/internal/realtime/config"
	serviceConfig "github.com/iurnickita/ecowallet/internal/service/config"
	storeConfig "github.com/iurnickita/ecowallet/internal/store/config"
)

type Config struct {
	Handler  handlerConfig.Config
	Service  serviceConfig.Config
	Store    storeConfig.Config
	Cache    cacheConfig.Config
	Realtime realtimeConfig.Config
	Auth     authConfig.Config
	Logger   loggerConfig.Config
}

const EnvPrefix = "ECOWALLET"

// флаг командной строки -> ключ конфигурации
var flagKeys = map[string]string{
	"address":      "server.address",
	"log-level":    "log.level",
	"source":       "store.source",
	"driver":       "store.driver",
	"database-uri": "store.dsn",
	"migrate":      "store.migrate",
	"rest-url":     "store.rest_url",
	"realtime":     "realtime.enabled",
	"role":         "service.role",
	"secret-key":   "auth.secret_key",
}

var ErrNoSecretKey = errors.New("auth secret key is not set")

// RegisterFlags - флаги, общие для всех команд
func RegisterFlags(flags *pflag.FlagSet) {
	flags.String("config", "", "config file (yaml)")
	flags.StringP("address", "a", "", "HTTP server address")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.String("source", "", "record store: sql | rest")
	flags.String("driver", "", "sql driver: pgx | sqlite3")
	flags.StringP("database-uri", "d", "", "database DSN")
	flags.Bool("migrate", false, "create collections table if missing")
	flags.String("rest-url", "", "REST backend base URL")
	flags.Bool("realtime", false, "subscribe to collection changes")
	flags.String("role", "", "record role: customer | collector | any")
	flags.String("secret-key", "", "JWT secret key")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", "localhost:8080")
	v.SetDefault("server.events_keepalive", "30s")
	v.SetDefault("log.level", "info")
	v.SetDefault("store.source", "sql")
	v.SetDefault("store.driver", "pgx")
	v.SetDefault("store.query_timeout", "5s")
	v.SetDefault("cache.ttl", "3m")
	v.SetDefault("realtime.channel", "collections_changes")
	v.SetDefault("realtime.debounce", "750ms")
	v.SetDefault("realtime.reconnect_min", "500ms")
	v.SetDefault("realtime.reconnect_max", "30s")
	v.SetDefault("service.role", "customer")
	v.SetDefault("service.soft_timeout", "1500ms")
	v.SetDefault("service.hard_timeout", "10s")
	v.SetDefault("service.retry_delay", "500ms")
	v.SetDefault("auth.cookie_name", "ecowalletUserToken")
}

// GetConfig - значения по умолчанию, затем файл, переменные ECOWALLET_*, флаги.
// flags может быть nil.
func GetConfig(flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			if flag := flags.Lookup(name); flag != nil {
				if err := v.BindPFlag(key, flag); err != nil {
					return Config{}, err
				}
			}
		}
		if cfgFile, _ := flags.GetString("config"); cfgFile != "" {
			v.SetConfigFile(cfgFile)
			if err := v.ReadInConfig(); err != nil {
				return Config{}, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	cfg := Config{
		Handler: handlerConfig.Config{
			ServerAddr:      v.GetString("server.address"),
			EventsKeepAlive: v.GetDuration("server.events_keepalive"),
		},
		Service: serviceConfig.Config{
			Role:        v.GetString("service.role"),
			SoftTimeout: v.GetDuration("service.soft_timeout"),
			HardTimeout: v.GetDuration("service.hard_timeout"),
			RetryDelay:  v.GetDuration("service.retry_delay"),
		},
		Store: storeConfig.Config{
			Source:       v.GetString("store.source"),
			Driver:       v.GetString("store.driver"),
			DBDsn:        v.GetString("store.dsn"),
			Migrate:      v.GetBool("store.migrate"),
			RestURL:      v.GetString("store.rest_url"),
			RestKey:      v.GetString("store.rest_key"),
			QueryTimeout: v.GetDuration("store.query_timeout"),
		},
		Cache: cacheConfig.Config{
			TTL: v.GetDuration("cache.ttl"),
		},
		Realtime: realtimeConfig.Config{
			Enabled:      v.GetBool("realtime.enabled"),
			DBDsn:        v.GetString("realtime.dsn"),
			Channel:      v.GetString("realtime.channel"),
			Debounce:     v.GetDuration("realtime.debounce"),
			ReconnectMin: v.GetDuration("realtime.reconnect_min"),
			ReconnectMax: v.GetDuration("realtime.reconnect_max"),
		},
		Auth: authConfig.Config{
			SecretKey:  v.GetString("auth.secret_key"),
			CookieName: v.GetString("auth.cookie_name"),
		},
		Logger: loggerConfig.Config{
			LogLevel: v.GetString("log.level"),
		},
	}

	// уведомления по умолчанию из той же базы
	if cfg.Realtime.DBDsn == "" {
		cfg.Realtime.DBDsn = cfg.Store.DBDsn
	}

	return cfg, nil
}
