package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/fx"
)

var config = viper.New()

type Config struct {
	AppEnv     string `mapstructure:"APP_ENV"`
	AppName    string `mapstructure:"APP_NAME"`
	AppVersion string `mapstructure:"APP_VERSION"`
	Database   struct {
		Type           string `mapstructure:"TYPE"`
		Host           string `mapstructure:"HOST"`
		Port           string `mapstructure:"PORT"`
		DBNAME         string `mapstructure:"DBNAME"`
		User           string `mapstructure:"USER"`
		Password       string `mapstructure:"PASSWORD"`
		SSLMode        string `mapstructure:"SSLMODE"`
		Timezone       string `mapstructure:"TIMEZONE"`
		ConnectionPool struct {
			MaxIdleConn     int           `mapstructure:"MAX_IDLE_CONN"`
			MaxOpenConns    int           `mapstructure:"MAX_OPEN_CONNS"`
			ConnMaxLifetime time.Duration `mapstructure:"CONN_MAX_LIFETIME"`
			ConnMaxIdleTime time.Duration `mapstructure:"CONN_MAX_IDLE_TIME"`
		} `mapstructure:"CONNECTION_POOL"`
	} `mapstructure:"DATABASE"`
	Redis struct {
		Addr        string        `mapstructure:"ADDR"`
		Password    string        `mapstructure:"PASSWORD"`
		DB          int           `mapstructure:"DB"`
		PoolSize    int           `mapstructure:"POOL_SIZE"`
		PoolTimeout time.Duration `mapstructure:"POOL_TIMEOUT"`
	} `mapstructure:"REDIS"`
	Worker struct {
		Concurrency int `mapstructure:"CONCURRENCY"`
	} `mapstructure:"WORKER"`
	Chain struct {
		Confirmations uint64        `mapstructure:"CONFIRMATIONS"`
		MaxRetry      int           `mapstructure:"MAX_RETRY"`
		RetryBase     time.Duration `mapstructure:"RETRY_BASE"`
	} `mapstructure:"CHAIN"`
	Scheduler struct {
		SweepInterval time.Duration `mapstructure:"SWEEP_INTERVAL"`
	} `mapstructure:"SCHEDULER"`
	Outbox struct {
		RelayInterval time.Duration `mapstructure:"RELAY_INTERVAL"`
		BatchSize     int           `mapstructure:"BATCH_SIZE"`
	} `mapstructure:"OUTBOX"`
	Cache struct {
		TTL time.Duration `mapstructure:"TTL"`
	} `mapstructure:"CACHE"`
}

var Module = fx.Module("config", fx.Provide(LoadConfig))

func LoadConfig() *Config {

	config.SetConfigName("config")
	config.SetConfigType("yaml")
	config.AddConfigPath(".")

	config.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	config.AutomaticEnv()

	if err := config.ReadInConfig(); err != nil {
		os.Exit(1)
	}

	var cfg Config
	if err := config.Unmarshal(&cfg); err != nil {
		os.Exit(1)
	}

	return &cfg
}
