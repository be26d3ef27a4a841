// Package config exposes typed accessors over viper. Values come from the
// config file, SYNCD_* environment variables, or the defaults set here.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// SetDefaults installs the default configuration. Call once at startup
// before reading any value.
func SetDefaults() {
	viper.SetEnvPrefix("SYNCD")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("listen", ":8085")
	viper.SetDefault("data.dir", "./data")
	viper.SetDefault("database.url", "")
	viper.SetDefault("redis.addr", "")
	viper.SetDefault("room.grace_period", "30s")
	viper.SetDefault("room.save_interval", "15s")
	viper.SetDefault("room.history_limit", 512)
	viper.SetDefault("room.session_buffer", 64)
	viper.SetDefault("discovery.announce", false)
}

// ListenAddr returns the HTTP listen address.
func ListenAddr() string {
	return viper.GetString("listen")
}

// DataDir returns the directory for the bolt store and the trust key.
func DataDir() string {
	return viper.GetString("data.dir")
}

// DatabaseURL returns the Postgres connection string; empty means use the
// embedded bolt store instead.
func DatabaseURL() string {
	return viper.GetString("database.url")
}

// RedisAddr returns the relay address; empty disables cross-node relaying.
func RedisAddr() string {
	return viper.GetString("redis.addr")
}

// GracePeriod returns how long an empty room lingers before teardown.
func GracePeriod() time.Duration {
	return viper.GetDuration("room.grace_period")
}

// SaveInterval returns how often dirty rooms snapshot to the store.
func SaveInterval() time.Duration {
	return viper.GetDuration("room.save_interval")
}

// HistoryLimit returns how many deltas a room retains for resume.
func HistoryLimit() int {
	return viper.GetInt("room.history_limit")
}

// SessionBuffer returns the per-session outbound event buffer size.
func SessionBuffer() int {
	return viper.GetInt("room.session_buffer")
}

// AnnounceDiscovery reports whether to advertise the server over mDNS.
func AnnounceDiscovery() bool {
	return viper.GetBool("discovery.announce")
}
