package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestDefaults(t *testing.T) {
	viper.Reset()
	SetDefaults()

	assert.Equal(t, ":8085", ListenAddr())
	assert.Equal(t, "./data", DataDir())
	assert.Empty(t, DatabaseURL())
	assert.Empty(t, RedisAddr())
	assert.Equal(t, 30*time.Second, GracePeriod())
	assert.Equal(t, 15*time.Second, SaveInterval())
	assert.Equal(t, 512, HistoryLimit())
	assert.Equal(t, 64, SessionBuffer())
	assert.False(t, AnnounceDiscovery())
}

func TestEnvOverride(t *testing.T) {
	viper.Reset()
	t.Setenv("SYNCD_LISTEN", ":9000")
	t.Setenv("SYNCD_ROOM_HISTORY_LIMIT", "64")
	SetDefaults()

	assert.Equal(t, ":9000", ListenAddr())
	assert.Equal(t, 64, HistoryLimit())
}
