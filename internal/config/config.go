package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const (
	DefaultListenAddr   = ":3000"
	DefaultCacheBackend = "memory"
)

type MySQLConfig struct {
	Dsn             string `mapstructure:"dsn"`
	TablePrefix     string `mapstructure:"tablePrefix"`
	MaxIdleConns    int    `mapstructure:"maxIdleConns"`
	MaxOpenConns    int    `mapstructure:"maxOpenConns"`
	ConnMaxIdleTime int    `mapstructure:"connMaxIdleTime"`
	ConnMaxLifetime int    `mapstructure:"connMaxLifetime"`
}

type RedisConfig struct {
	URL         string `mapstructure:"url"`
	PoolSize    int    `mapstructure:"poolSize"`
	ClusterMode bool   `mapstructure:"clusterMode"`
}

// CacheConfig selects the volatile-state backend used for login challenges.
type CacheConfig struct {
	Backend string      `mapstructure:"backend"` // "redis" or "memory"
	Redis   RedisConfig `mapstructure:"redis"`
}

type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
	TLS      bool   `mapstructure:"tls"`
	CertFile string `mapstructure:"certFile"`
	KeyFile  string `mapstructure:"keyFile"`
	CAFile   string `mapstructure:"caFile"`
}

type MailConfig struct {
	Backend string     `mapstructure:"backend"` // "smtp" or "" to disable notices
	From    string     `mapstructure:"from"`
	SMTP    SMTPConfig `mapstructure:"smtp"`
}

type TwoFactorConfig struct {
	Issuer         string `mapstructure:"issuer"`         // issuer shown in authenticator apps
	PurgeOnDisable bool   `mapstructure:"purgeOnDisable"` // wipe secret and backup codes when 2FA is turned off
}

type Config struct {
	Debug          bool            `mapstructure:"debug"`
	SiteName       string          `mapstructure:"siteName"`
	BaseURL        string          `mapstructure:"baseURL"`
	MasterKey      string          `mapstructure:"masterKey"`
	InternalAPIKey string          `mapstructure:"internalAPIKey"`
	ListenAddr     string          `mapstructure:"listenAddr"`
	AllowOrigins   []string        `mapstructure:"allowOrigins"`
	Cache          CacheConfig     `mapstructure:"cache"`
	Mail           MailConfig      `mapstructure:"mail"`
	MySQL          MySQLConfig     `mapstructure:"mysql"`
	TwoFactor      TwoFactorConfig `mapstructure:"twofactor"`
}

func (c *Config) Sanitize() error {
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.Cache.Backend == "" {
		c.Cache.Backend = DefaultCacheBackend
	}
	if c.TwoFactor.Issuer == "" {
		c.TwoFactor.Issuer = c.SiteName
	}
	if c.MasterKey == "" {
		return fmt.Errorf("masterKey must be set")
	}
	if c.InternalAPIKey == "" {
		return fmt.Errorf("internalAPIKey must be set")
	}
	return nil
}

func LoadConfig(filename string) (*Config, error) {
	viper.SetConfigFile(filename)
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		return nil, err
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	if err := config.Sanitize(); err != nil {
		return nil, err
	}
	return &config, nil
}
