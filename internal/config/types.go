package config

import "time"

// BuildConfig is the top-level configuration.
type BuildConfig struct {
	// StoreDir is the directory holding realised store paths.
	StoreDir string `json:"store_dir"`

	// DatabasePath is the SQLite database recording valid paths and past
	// build results. Defaults to <store_dir>/.buildloom.db when empty.
	DatabasePath string `json:"database_path,omitempty"`

	// Substituters are directories that may hold prebuilt store paths,
	// probed in order before anything is built locally.
	Substituters []string `json:"substituters,omitempty"`

	// MaxJobs bounds how many builder processes run at once.
	MaxJobs int `json:"max_jobs,omitempty"`

	// BuildTimeoutSec kills a builder that runs longer than this.
	// Zero disables the deadline.
	BuildTimeoutSec int `json:"build_timeout_sec,omitempty"`

	// KeepGoing keeps realising the remaining goals after one fails,
	// instead of aborting dependents at the first failure.
	KeepGoing bool `json:"keep_going,omitempty"`
}

// BuildTimeout returns the builder deadline as a duration, zero if unset.
func (c *BuildConfig) BuildTimeout() time.Duration {
	return time.Duration(c.BuildTimeoutSec) * time.Second
}
