package mailstrom

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/mikedilger/mailstrom/dns"
)

// Config holds the engine configuration. All values are passed at
// construction; nothing is process-wide.
type Config struct {
	// Name used in EHLO/HELO and in stamped Message-Id headers.
	HeloName string `envconfig:"HELO_NAME" default:"localhost"`

	// Base interval for exponential backoff of deferred recipients: attempt n
	// is retried after base * 2^(n-1), with ±20% jitter.
	BaseBackoff time.Duration `envconfig:"BASE_BACKOFF" default:"60s"`

	// Timeout per SMTP connection, covering dial and each command round-trip.
	SMTPTimeout time.Duration `envconfig:"SMTP_TIMEOUT" default:"60s"`

	// If set, a host that does not offer STARTTLS is treated as a permanent
	// connection failure. Default is opportunistic TLS.
	RequireSTARTTLS bool `envconfig:"REQUIRE_STARTTLS"`

	// Resolver used for MX and address lookups. If nil, a strict resolver
	// over the system resolver is used.
	Resolver dns.Resolver `ignored:"true"`

	// Sender used for SMTP delivery attempts. If nil, the direct-to-MX
	// sender is used. Replaceable for tests.
	Sender Sender `ignored:"true"`

	// Destination for logging. If nil, log lines go to stderr.
	Log *slog.Logger `ignored:"true"`
}

// NewConfig returns a Config with defaults.
func NewConfig() Config {
	return Config{
		HeloName:    "localhost",
		BaseBackoff: 60 * time.Second,
		SMTPTimeout: 60 * time.Second,
	}
}

// ConfigFromEnv returns a Config populated from MAILSTROM_-prefixed
// environment variables, falling back to defaults.
func ConfigFromEnv() (Config, error) {
	var c Config
	if err := envconfig.Process("mailstrom", &c); err != nil {
		return Config{}, fmt.Errorf("parsing config from environment: %w", err)
	}
	return c, nil
}

func (c Config) check() error {
	if c.HeloName == "" {
		return fmt.Errorf("helo name must not be empty")
	}
	if _, err := dns.ParseDomain(c.HeloName); err != nil {
		return fmt.Errorf("parsing helo name: %w", err)
	}
	if c.BaseBackoff <= 0 {
		return fmt.Errorf("base backoff must be positive")
	}
	if c.SMTPTimeout <= 0 {
		return fmt.Errorf("smtp timeout must be positive")
	}
	return nil
}
