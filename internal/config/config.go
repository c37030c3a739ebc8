package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config stores all configuration for the application.
type Config struct {
	PostgresURL       string `mapstructure:"POSTGRES_URL"`
	RedisAddr         string `mapstructure:"REDIS_ADDR"`
	ServerPort        string `mapstructure:"SERVER_PORT"`
	LogLevel          string `mapstructure:"LOG_LEVEL"`
	CrawlWorkers      int    `mapstructure:"CRAWL_WORKERS"`
	CrawlTimeout      int    `mapstructure:"CRAWL_TIMEOUT"` // in seconds
	DeduplicationDays int    `mapstructure:"DEDUPLICATION_DAYS"`
	MaxDepth          int    `mapstructure:"MAX_DEPTH"`

	SpiderName     string   `mapstructure:"SPIDER_NAME"`
	AllowedDomains []string `mapstructure:"ALLOWED_DOMAINS"`

	// Downloader middlewares
	UserAgents       []string      `mapstructure:"USER_AGENTS"`
	Proxies          []string      `mapstructure:"PROXIES"`
	DefaultHeaders   []string      `mapstructure:"DEFAULT_HEADERS"` // "Name: value"
	RobotsObey       bool          `mapstructure:"ROBOTSTXT_OBEY"`
	RobotsCacheTTL   time.Duration `mapstructure:"ROBOTSTXT_CACHE_TTL"`
	DownloadTimeout  time.Duration `mapstructure:"DOWNLOAD_TIMEOUT"`
	ThrottleRate     float64       `mapstructure:"THROTTLE_RATE"` // requests per second per host
	ThrottleBurst    int           `mapstructure:"THROTTLE_BURST"`
	HTTPCacheEnabled bool          `mapstructure:"HTTPCACHE_ENABLED"`
	HTTPCacheTTL     time.Duration `mapstructure:"HTTPCACHE_TTL"`
	RedirectMaxTimes int           `mapstructure:"REDIRECT_MAX_TIMES"`
	MetaRefreshMax   time.Duration `mapstructure:"METAREFRESH_MAXDELAY"`
	MaxBodyBytes     int64         `mapstructure:"DOWNLOAD_MAXSIZE"`

	// Rendering transport
	RenderEnabled  bool `mapstructure:"RENDER_ENABLED"`
	RenderSessions int  `mapstructure:"RENDER_SESSIONS"`
}

// Load reads configuration from the given .env file, if present, and from
// environment variables. An empty path means ".env".
func Load(path string) (*Config, error) {
	if path == "" {
		path = ".env"
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("env")
	v.AutomaticEnv()

	// Attempt to read the .env file, but don't fail if it's not present
	// This allows configuration purely through environment variables in production
	_ = v.ReadInConfig()

	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("POSTGRES_URL", "")
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("SERVER_PORT", "8080")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CRAWL_WORKERS", 10)
	v.SetDefault("CRAWL_TIMEOUT", 30)
	v.SetDefault("DEDUPLICATION_DAYS", 2)
	v.SetDefault("MAX_DEPTH", 2)
	v.SetDefault("SPIDER_NAME", "crawlchain")
	v.SetDefault("ALLOWED_DOMAINS", []string{})

	v.SetDefault("USER_AGENTS", []string{
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/107.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/107.0.0.0 Safari/537.36",
		"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/107.0.0.0 Safari/537.36",
	})
	v.SetDefault("PROXIES", []string{})
	v.SetDefault("DEFAULT_HEADERS", []string{
		"Accept: text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
		"Accept-Language: en",
	})
	v.SetDefault("ROBOTSTXT_OBEY", true)
	v.SetDefault("ROBOTSTXT_CACHE_TTL", 30*time.Minute)
	v.SetDefault("DOWNLOAD_TIMEOUT", 180*time.Second)
	v.SetDefault("THROTTLE_RATE", 0)
	v.SetDefault("THROTTLE_BURST", 1)
	v.SetDefault("HTTPCACHE_ENABLED", false)
	v.SetDefault("HTTPCACHE_TTL", 24*time.Hour)
	v.SetDefault("REDIRECT_MAX_TIMES", 20)
	v.SetDefault("METAREFRESH_MAXDELAY", 100*time.Second)
	v.SetDefault("DOWNLOAD_MAXSIZE", 1024*1024*1024)

	v.SetDefault("RENDER_ENABLED", false)
	v.SetDefault("RENDER_SESSIONS", 2)
}
