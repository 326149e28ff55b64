package config

import "time"

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Sync:      DefaultSyncConfig(),
		Transport: DefaultTransportConfig(),
		Round:     DefaultRoundConfig(),
		Directory: DefaultDirectoryConfig(),
		Futures:   DefaultFuturesConfig(),
		Log:       DefaultLogConfig(),
		Metrics:   DefaultMetricsConfig(),
	}
}

// DefaultSyncConfig returns the default sync-tree settings. Identity has no
// default; it must come from the file or environment.
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		Root:    "./sync",
		AppName: "fedgrid",
	}
}

// DefaultTransportConfig returns the default polling settings.
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		PollInterval:         250 * time.Millisecond,
		MaxPollInterval:      3 * time.Second,
		ReceiverPollInterval: 500 * time.Millisecond,
		ScanRate:             50,
		DedupWindow:          15 * time.Minute,
		DedupMaxSize:         10000,
		RequestTTL:           10 * time.Minute,
	}
}

// DefaultRoundConfig returns the default round settings.
func DefaultRoundConfig() RoundConfig {
	return RoundConfig{
		DefaultTimeout: 5 * time.Minute,
		MinComplete:    0,
	}
}

// DefaultDirectoryConfig returns the default liveness settings.
func DefaultDirectoryConfig() DirectoryConfig {
	return DirectoryConfig{
		Staleness: 10 * time.Minute,
	}
}

// DefaultFuturesConfig returns the default persistence settings.
func DefaultFuturesConfig() FuturesConfig {
	return FuturesConfig{
		Enabled: false,
		Path:    "fedgrid.db",
	}
}

// DefaultLogConfig returns the default logging settings.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: true,
	}
}

// DefaultMetricsConfig returns the default metrics settings.
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:   true,
		Namespace: "fedgrid",
	}
}
