package config

// DefaultConfig returns the default configuration.
func DefaultConfig() *BuildConfig {
	return &BuildConfig{
		StoreDir:        ".buildloom/store",
		MaxJobs:         4,
		BuildTimeoutSec: 0,
	}
}
