package core

import "time"

// ProfileSyncPolicy decides when sign-in writes profile metadata back to the gateway
type ProfileSyncPolicy string

const (
	ProfileSyncNewUsers ProfileSyncPolicy = "new_users"
	ProfileSyncAlways   ProfileSyncPolicy = "always"
)

type Config struct {
	// Default OAuth client ID for Google sign-in when the option carries none
	GoogleClientID string `yaml:"google_client_id" env:"AUTHLINK_GOOGLE_CLIENT_ID"`

	ProfileSync ProfileSyncPolicy `yaml:"profile_sync" env:"AUTHLINK_PROFILE_SYNC"`

	// Upper bound for a single background token liveness check
	LivenessTimeout time.Duration `yaml:"liveness_timeout" env:"AUTHLINK_LIVENESS_TIMEOUT"`
}

const defaultLivenessTimeout = 15 * time.Second

func (c *Config) livenessTimeout() time.Duration {
	if c == nil || c.LivenessTimeout <= 0 {
		return defaultLivenessTimeout
	}
	return c.LivenessTimeout
}

func (c *Config) syncAlways() bool {
	return c != nil && c.ProfileSync == ProfileSyncAlways
}
