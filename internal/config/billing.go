package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// BillingConfig carries operator-tunable billing policy. It is loaded from
// billing.yml and hot-reloaded, so dunning behavior can change without a
// restart.
type BillingConfig struct {
	Dunning DunningPolicy `mapstructure:"dunning"`
}

// DunningPolicy controls how renewal failures escalate.
type DunningPolicy struct {
	// MaxAttempts is the renewal attempt budget before TerminalAction fires.
	MaxAttempts int `mapstructure:"maxAttempts"`
	// RetryBackoffHours is the delay between renewal attempts.
	RetryBackoffHours int `mapstructure:"retryBackoffHours"`
	// TerminalAction is the status applied after the budget is exhausted:
	// "past_due" or "canceled".
	TerminalAction string `mapstructure:"terminalAction"`
}

func DefaultBillingConfig() BillingConfig {
	return BillingConfig{
		Dunning: DunningPolicy{
			MaxAttempts:       3,
			RetryBackoffHours: 24,
			TerminalAction:    "past_due",
		},
	}
}

type BillingConfigHolder struct {
	current atomic.Value // holds BillingConfig
}

func NewBillingConfigHolder() (*BillingConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("billing")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/carelink/config") // Volume-mounted config
	v.AddConfigPath("/etc/carelink")            // System config
	v.AddConfigPath(".")                        // Current directory (dev mode)

	v.SetEnvPrefix("CARELINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		defaults := DefaultBillingConfig()
		v.SetDefault("billing.dunning", defaults.Dunning)
	}

	var cfg BillingConfig
	if err := v.UnmarshalKey("billing", &cfg); err != nil {
		return nil, err
	}
	cfg = withBillingDefaults(cfg)
	if err := validateBillingConfig(cfg); err != nil {
		return nil, err
	}

	holder := &BillingConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated BillingConfig
		if err := v.UnmarshalKey("billing", &updated); err != nil {
			log.Printf("[billing-config] reload failed: %v", err)
			return
		}
		updated = withBillingDefaults(updated)
		if err := validateBillingConfig(updated); err != nil {
			log.Printf("[billing-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[billing-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

// NewStaticBillingConfigHolder builds a holder pinned to cfg, for tests.
func NewStaticBillingConfigHolder(cfg BillingConfig) *BillingConfigHolder {
	holder := &BillingConfigHolder{}
	holder.current.Store(withBillingDefaults(cfg))
	return holder
}

func (h *BillingConfigHolder) Get() BillingConfig {
	return h.current.Load().(BillingConfig)
}

func withBillingDefaults(cfg BillingConfig) BillingConfig {
	defaults := DefaultBillingConfig()
	if cfg.Dunning.MaxAttempts <= 0 {
		cfg.Dunning.MaxAttempts = defaults.Dunning.MaxAttempts
	}
	if cfg.Dunning.RetryBackoffHours <= 0 {
		cfg.Dunning.RetryBackoffHours = defaults.Dunning.RetryBackoffHours
	}
	if strings.TrimSpace(cfg.Dunning.TerminalAction) == "" {
		cfg.Dunning.TerminalAction = defaults.Dunning.TerminalAction
	}
	return cfg
}

func validateBillingConfig(cfg BillingConfig) error {
	switch strings.TrimSpace(cfg.Dunning.TerminalAction) {
	case "past_due", "canceled":
	default:
		return errors.New("billing.dunning.terminalAction must be past_due or canceled")
	}
	return nil
}
