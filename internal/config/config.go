// README: Config loader; optional YAML file with HAIL_* env overrides and sane defaults.
package config

import (
	"errors"
	"strings"

	"github.com/spf13/viper"
)

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type DBConfig struct {
	// DSN is optional; when empty the service runs on the in-memory trip
	// store (single instance, no durability).
	DSN string `mapstructure:"dsn"`
}

type RedisConfig struct {
	// Addr is optional; when empty the driver mirror and the cross-instance
	// event bridge are disabled.
	Addr string `mapstructure:"addr"`
}

type GeoConfig struct {
	// Technique selects the spatial index backend: "geohash" or "rtree".
	Technique string `mapstructure:"technique"`
	Precision uint   `mapstructure:"precision"`
}

type DispatchConfig struct {
	DefaultRadiusMeters float64 `mapstructure:"default_radius_meters"`
	ArrivalRadiusMeters float64 `mapstructure:"arrival_radius_meters"`
}

type MapsConfig struct {
	// APIKey is optional; without it accept events carry no pickup ETA.
	APIKey string `mapstructure:"api_key"`
}

type AMQPConfig struct {
	// URL is optional; when empty the outbound event bridge is disabled.
	URL string `mapstructure:"url"`
}

type Config struct {
	HTTP     HTTPConfig     `mapstructure:"http"`
	DB       DBConfig       `mapstructure:"db"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Geo      GeoConfig      `mapstructure:"geo"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
	Maps     MapsConfig     `mapstructure:"maps"`
	AMQP     AMQPConfig     `mapstructure:"amqp"`
	LogLevel string         `mapstructure:"log_level"`
}

// Load reads config.yaml from the working directory when present, then
// applies HAIL_* environment overrides (HAIL_HTTP_ADDR, HAIL_DB_DSN, ...).
func Load() (Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("db.dsn", "")
	v.SetDefault("redis.addr", "")
	v.SetDefault("geo.technique", "geohash")
	v.SetDefault("geo.precision", 6)
	v.SetDefault("dispatch.default_radius_meters", 3000.0)
	v.SetDefault("dispatch.arrival_radius_meters", 100.0)
	v.SetDefault("maps.api_key", "")
	v.SetDefault("amqp.url", "")
	v.SetDefault("log_level", "info")

	v.SetEnvPrefix("HAIL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
