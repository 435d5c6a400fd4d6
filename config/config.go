// Package config loads the runtime's configuration via viper, with
// fsnotify-driven hot reload for the subset of options that are safe to
// change without a restart (log level, polling interval).
package config

import (
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config is the external interface surface named in spec.md §6.
type Config struct {
	ServerURL                          string        `mapstructure:"server_url"`
	RootNodeID                         string        `mapstructure:"root_node_id"`
	ApplicationName                    string        `mapstructure:"application_name"`
	SessionTimeout                     time.Duration `mapstructure:"session_timeout_ms"`
	ReconnectInterval                  time.Duration `mapstructure:"reconnect_interval_ms"`
	ReconnectHandlerTimeout            time.Duration `mapstructure:"reconnect_handler_timeout_ms"`
	MaximumItemsPerSubscription        int           `mapstructure:"maximum_items_per_subscription"`
	DefaultPublishingInterval          time.Duration `mapstructure:"default_publishing_interval"`
	DefaultSamplingInterval            time.Duration `mapstructure:"default_sampling_interval"`
	DefaultQueueSize                   uint32        `mapstructure:"default_queue_size"`
	DefaultDiscardOldest               bool          `mapstructure:"default_discard_oldest"`
	DefaultDataChangeTrigger           string        `mapstructure:"default_data_change_trigger"`
	DefaultDeadbandType                string        `mapstructure:"default_deadband_type"`
	DefaultDeadbandValue               float64       `mapstructure:"default_deadband_value"`
	SubscriptionKeepAliveCount         uint32        `mapstructure:"subscription_keep_alive_count"`
	SubscriptionLifetimeCount          uint32        `mapstructure:"subscription_lifetime_count"`
	SubscriptionPriority               uint8         `mapstructure:"subscription_priority"`
	SubscriptionMaxNotificationsPerPub uint32        `mapstructure:"subscription_max_notifications_per_publish"`
	WriteQueueSize                     int           `mapstructure:"write_queue_size"`
	SubscriptionHealthCheckInterval    time.Duration `mapstructure:"subscription_health_check_interval"`
	EnablePollingFallback              bool          `mapstructure:"enable_polling_fallback"`
	PollingInterval                    time.Duration `mapstructure:"polling_interval"`
	PollingBatchSize                   int           `mapstructure:"polling_batch_size"`
	PollingDisposalTimeout             time.Duration `mapstructure:"polling_disposal_timeout"`
	PollingCircuitBreakerThreshold     uint32        `mapstructure:"polling_circuit_breaker_threshold"`
	PollingCircuitBreakerCooldown      time.Duration `mapstructure:"polling_circuit_breaker_cooldown"`
	EnableGraphChangePublishing        bool          `mapstructure:"enable_graph_change_publishing"`
	ShouldAddDynamicProperty           bool          `mapstructure:"should_add_dynamic_property"`
	ShouldAddDynamicAttribute          bool          `mapstructure:"should_add_dynamic_attribute"`
	LogLevel                           string        `mapstructure:"log_level"`
}

func defaults(v *viper.Viper) {
	v.SetDefault("server_url", "opc.tcp://localhost:4840")
	v.SetDefault("root_node_id", "ns=0;i=85") // the standard Objects folder
	v.SetDefault("application_name", "opcua-runtime")
	v.SetDefault("session_timeout_ms", 60*time.Second)
	v.SetDefault("reconnect_interval_ms", 5*time.Second)
	v.SetDefault("reconnect_handler_timeout_ms", 30*time.Second)
	v.SetDefault("maximum_items_per_subscription", 1000)
	v.SetDefault("default_publishing_interval", 1*time.Second)
	v.SetDefault("default_sampling_interval", 500*time.Millisecond)
	v.SetDefault("default_queue_size", uint32(10))
	v.SetDefault("default_discard_oldest", true)
	v.SetDefault("default_data_change_trigger", "StatusValue")
	v.SetDefault("default_deadband_type", "None")
	v.SetDefault("default_deadband_value", 0.0)
	v.SetDefault("subscription_keep_alive_count", uint32(10))
	v.SetDefault("subscription_lifetime_count", uint32(100))
	v.SetDefault("subscription_priority", uint8(0))
	v.SetDefault("subscription_max_notifications_per_publish", uint32(0))
	v.SetDefault("write_queue_size", 1000)
	v.SetDefault("subscription_health_check_interval", 10*time.Second)
	v.SetDefault("enable_polling_fallback", true)
	v.SetDefault("polling_interval", 2*time.Second)
	v.SetDefault("polling_batch_size", 50)
	v.SetDefault("polling_disposal_timeout", 5*time.Second)
	v.SetDefault("polling_circuit_breaker_threshold", uint32(5))
	v.SetDefault("polling_circuit_breaker_cooldown", 30*time.Second)
	v.SetDefault("enable_graph_change_publishing", true)
	v.SetDefault("should_add_dynamic_property", false)
	v.SetDefault("should_add_dynamic_attribute", false)
	v.SetDefault("log_level", "info")
}

// LoadConfig reads configuration from file/env, applying defaults, and
// returns both the parsed Config and the underlying *viper.Viper so the
// caller can attach a hot-reload watcher.
func LoadConfig(configFile string) (*Config, *viper.Viper, error) {
	v := viper.New()
	defaults(v)

	v.SetEnvPrefix("OPCUA")
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, nil, err
	}
	return &cfg, v, nil
}

// hotReloadable names the keys safe to apply without restarting the
// session/subscription stack.
var hotReloadable = map[string]bool{
	"log_level":        true,
	"polling_interval": true,
}

// WatchHotReload installs an fsnotify-backed watcher (via viper) that, on
// every config file change event, invokes onChange once for each
// hot-reloadable key with its current value, whether or not that value
// changed. Changes to any other key are neither applied nor logged; those
// take effect only after a restart.
func WatchHotReload(v *viper.Viper, logger *slog.Logger, onChange func(key string, value any)) {
	if logger == nil {
		logger = slog.Default()
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		logger.Info("config: file changed, re-evaluating hot-reloadable keys", "file", e.Name)
		for key := range hotReloadable {
			onChange(key, v.Get(key))
		}
	})
	v.WatchConfig()
}
