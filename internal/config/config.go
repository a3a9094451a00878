// Package config provides a go-simpler.org/env configuration table read from
// the process environment (or a .env file under the XDG config directory),
// mirroring the teacher relay's environment-driven configuration layer.
package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/adrg/xdg"
	"go-simpler.org/env"
)

// C is the full runtime configuration for the relay. Every field has a
// default so the relay is runnable with zero configuration.
type C struct {
	AppName string `env:"RELAY_APP_NAME" default:"novarelay"`
	Listen  string `env:"RELAY_LISTEN" default:"0.0.0.0"`
	Port    int    `env:"RELAY_PORT" default:"3334"`

	LogLevel  string `env:"RELAY_LOG_LEVEL" default:"info"`
	LogPretty bool   `env:"RELAY_LOG_PRETTY" default:"false"`

	DatabaseURL     string `env:"RELAY_DATABASE_URL" default:"postgres://localhost:5432/novarelay"`
	DatabasePoolCap int    `env:"RELAY_DB_POOL_CAP" default:"10"`

	RelayName        string `env:"RELAY_NAME" default:"novarelay"`
	RelayDescription string `env:"RELAY_DESCRIPTION" default:"a nostr relay"`
	RelayPubkey      string `env:"RELAY_PUBKEY"`
	RelayURL         string `env:"RELAY_URL" default:"ws://localhost:3334"`
	RelayContact     string `env:"RELAY_CONTACT"`

	MaxEventBytes    int `env:"RELAY_MAX_EVENT_BYTES" default:"65536"`
	MaxSubscriptions int `env:"RELAY_MAX_SUBSCRIPTIONS" default:"20"`
	MaxFilters       int `env:"RELAY_MAX_FILTERS" default:"10"`
	MaxLimit         int `env:"RELAY_MAX_LIMIT" default:"500"`
	MaxSubIDLength   int `env:"RELAY_MAX_SUBID_LENGTH" default:"64"`
	MaxEventTags     int `env:"RELAY_MAX_EVENT_TAGS" default:"2000"`
	MaxContentLength int `env:"RELAY_MAX_CONTENT_LENGTH" default:"8192"`

	RateLimitSourceCapacity float64 `env:"RELAY_RATE_SOURCE_CAPACITY" default:"20"`
	RateLimitSourceRefill   float64 `env:"RELAY_RATE_SOURCE_REFILL" default:"1"`
	RateLimitAuthorCapacity float64 `env:"RELAY_RATE_AUTHOR_CAPACITY" default:"40"`
	RateLimitAuthorRefill   float64 `env:"RELAY_RATE_AUTHOR_REFILL" default:"2"`
	SubscriptionCost        float64 `env:"RELAY_SUBSCRIPTION_COST" default:"2"`
	MaxConnectionsPerSource int     `env:"RELAY_MAX_CONNECTIONS_PER_SOURCE" default:"20"`

	AllowList []string `env:"RELAY_ALLOW_LIST"`
	DenyList  []string `env:"RELAY_DENY_LIST"`

	PowEnabled    bool `env:"RELAY_POW_ENABLED" default:"false"`
	PowMinimum    int  `env:"RELAY_POW_MINIMUM" default:"0"`
	AuthRequired  bool `env:"RELAY_AUTH_REQUIRED" default:"false"`
	AuthAllowList []string `env:"RELAY_AUTH_ALLOW_LIST"`

	SpamKeywords         []string `env:"RELAY_SPAM_KEYWORDS"`
	ShortenerDomains      []string `env:"RELAY_SPAM_SHORTENERS" default:"bit.ly,tinyurl.com,t.co"`
	DuplicateWindowSec    int      `env:"RELAY_SPAM_DUPLICATE_WINDOW_SEC" default:"300"`
	MaxEventsPerMinute    int      `env:"RELAY_SPAM_MAX_EVENTS_PER_MINUTE" default:"600"`
	MinContentLength      int      `env:"RELAY_SPAM_MIN_CONTENT_LENGTH" default:"1"`
	MaxMentionsPerEvent   int      `env:"RELAY_SPAM_MAX_MENTIONS" default:"50"`
	MaxURLsPerEvent       int      `env:"RELAY_SPAM_MAX_URLS" default:"10"`
	MaxTagsPerEvent       int      `env:"RELAY_SPAM_MAX_TAGS" default:"2000"`
	MaxHashtagsPerEvent   int      `env:"RELAY_SPAM_MAX_HASHTAGS" default:"20"`

	CORSAllowList []string `env:"RELAY_CORS_ALLOW_LIST" default:"*"`
}

// Load reads configuration from the environment, falling back to a .env
// file under the XDG config directory for the application when present.
// Values already set in the process environment take precedence over the
// .env file, matching the teacher relay's override order.
func Load() (cfg *C, err error) {
	appName := os.Getenv("RELAY_APP_NAME")
	if appName == "" {
		appName = "novarelay"
	}
	dotenv := filepath.Join(xdg.ConfigHome, appName, ".env")
	if fileExists(dotenv) {
		if err = applyDotEnv(dotenv); err != nil {
			return nil, err
		}
	}
	cfg = &C{}
	if err = env.Load(cfg, &env.Options{SliceSep: ","}); err != nil {
		return nil, err
	}
	return cfg, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// applyDotEnv parses a simple KEY=value per-line file and sets any variable
// not already present in the process environment.
func applyDotEnv(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		if _, present := os.LookupEnv(k); present {
			continue
		}
		if err = os.Setenv(k, strings.TrimSpace(v)); err != nil {
			return err
		}
	}
	return nil
}
