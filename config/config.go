package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
	Distribution DistributionConfig `mapstructure:"distribution"`
	ZTP          ZTPConfig          `mapstructure:"ztp"`
}

type ServerConfig struct {
	Address  string `mapstructure:"address"`
	HTTPPort string `mapstructure:"http_port"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // "mysql" | "postgres" | "" (in-memory)
	DSN    string `mapstructure:"dsn"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "text" | "json"
	File   string `mapstructure:"file"`
}

type SchedulerConfig struct {
	TickInterval time.Duration `mapstructure:"tick_interval"`
	GracePeriod  time.Duration `mapstructure:"grace_period"`
	BatchSize    int           `mapstructure:"batch_size"`
}

type DistributionConfig struct {
	MaxConcurrent   int           `mapstructure:"max_concurrent"`
	ConnectRetries  int           `mapstructure:"connect_retries"`
	ConnectDelay    time.Duration `mapstructure:"connect_delay"`
	MonitorInterval time.Duration `mapstructure:"monitor_interval"`
	CopyTimeout     time.Duration `mapstructure:"copy_timeout"`
	VerifyTimeout   time.Duration `mapstructure:"verify_timeout"`
}

type ZTPConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.address", "0.0.0.0")
	v.SetDefault("server.http_port", "8080")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("scheduler.tick_interval", 30*time.Second)
	v.SetDefault("scheduler.grace_period", 5*time.Minute)
	v.SetDefault("scheduler.batch_size", 50)
	v.SetDefault("distribution.max_concurrent", 40)
	v.SetDefault("distribution.connect_retries", 3)
	v.SetDefault("distribution.connect_delay", 10*time.Second)
	v.SetDefault("distribution.monitor_interval", 5*time.Second)
	v.SetDefault("distribution.copy_timeout", time.Hour)
	v.SetDefault("distribution.verify_timeout", 10*time.Minute)
	v.SetDefault("ztp.enabled", true)

	v.SetEnvPrefix("SWIM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("swim")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/swim")
	}

	if err := v.ReadInConfig(); err != nil {
		// конфиг-файл опционален: env/defaults достаточно
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && path != "" {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}
