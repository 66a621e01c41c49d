package internal

import (
	"fmt"
	"time"
)

type Config struct {
	BadgerFilepath    string        `env:"BADGER_FILEPATH,required=true"`
	LogLevel          string        `env:"LOG_LEVEL,default=INFO"`
	AuthSecret        string        `env:"AUTH_SECRET,required=true"`
	AuthTokenDuration time.Duration `env:"AUTH_TOKEN_DURATION,default=24h"`
	FeedBufferSize    int           `env:"FEED_BUFFER_SIZE,default=64"`
	Colours           bool          `env:"COLOURS,default=true"`
	GCInterval        time.Duration `env:"GC_INTERVAL,default=5m"`
}

// Validate rejects values the environment parser accepts but the
// gateway cannot run with.
func (c Config) Validate() error {
	if len(c.AuthSecret) < 16 {
		return fmt.Errorf("AUTH_SECRET must be at least 16 characters, got %d", len(c.AuthSecret))
	}
	if c.AuthTokenDuration <= 0 {
		return fmt.Errorf("AUTH_TOKEN_DURATION must be positive, got %s", c.AuthTokenDuration)
	}
	if c.FeedBufferSize <= 0 {
		return fmt.Errorf("FEED_BUFFER_SIZE must be positive, got %d", c.FeedBufferSize)
	}
	if c.GCInterval <= 0 {
		return fmt.Errorf("GC_INTERVAL must be positive, got %s", c.GCInterval)
	}
	return nil
}
