package config

import (
	"net"
	"os"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func clearEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"SERVER_IP", "SERVER_PORT", "USERS", "LOCAL_NETWORKS", "FORCE_LOCAL_ADDR",
		"LOG_LEVEL", "CDR_MERGE_MODE", "REGISTRATION_EXPIRES", "MAX_FORWARDS",
		"CDR_DIR", "AMQP_URL", "AMQP_QUEUE_NAME", "METRICS_ADDR",
		"EXTERNAL_IP_AUTODETECT", "STUN_SERVERS", "ADVERTISED_HOST", "ENV_FILE",
	}
	for _, k := range keys {
		os.Unsetenv(k)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("ENV_FILE", "/nonexistent/.env")

	p, err := Load(testLogger())
	require.NoError(t, err)

	snap := p.Current()
	assert.Equal(t, "0.0.0.0", snap.ServerIP)
	assert.Equal(t, 5060, snap.ServerPort)
	assert.Equal(t, 3600, snap.RegistrationExpires)
	assert.Equal(t, 70, snap.MaxForwards)
	assert.True(t, snap.CDRMergeMode)
	assert.False(t, snap.ForceLocalAddr)
	assert.Equal(t, logrus.InfoLevel, snap.LogLevel)
	assert.Equal(t, "CDR", snap.CDRDir)
}

func TestLoadFromEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("ENV_FILE", "/nonexistent/.env")
	t.Setenv("SERVER_IP", "192.168.8.126")
	t.Setenv("SERVER_PORT", "5070")
	t.Setenv("USERS", "1001:pass1,1002:pass2")
	t.Setenv("LOCAL_NETWORKS", "127.0.0.1,192.168.8.0/24,localhost")
	t.Setenv("FORCE_LOCAL_ADDR", "true")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("CDR_MERGE_MODE", "false")
	t.Setenv("REGISTRATION_EXPIRES", "1800")
	t.Setenv("MAX_FORWARDS", "40")

	p, err := Load(testLogger())
	require.NoError(t, err)

	snap := p.Current()
	assert.Equal(t, "192.168.8.126", snap.ServerIP)
	assert.Equal(t, 5070, snap.ServerPort)
	assert.Equal(t, "192.168.8.126:5070", snap.AdvertisedAddr())
	assert.Equal(t, map[string]string{"1001": "pass1", "1002": "pass2"}, snap.Users)
	assert.Len(t, snap.LocalNetworks, 3)
	assert.True(t, snap.ForceLocalAddr)
	assert.Equal(t, logrus.DebugLevel, snap.LogLevel)
	assert.False(t, snap.CDRMergeMode)
	assert.Equal(t, 1800, snap.RegistrationExpires)
	assert.Equal(t, 40, snap.MaxForwards)
}

func TestInvalidValuesRejected(t *testing.T) {
	clearEnv(t)
	t.Setenv("ENV_FILE", "/nonexistent/.env")

	t.Setenv("LOG_LEVEL", "chatty")
	_, err := Load(testLogger())
	assert.Error(t, err)
	os.Unsetenv("LOG_LEVEL")

	t.Setenv("SERVER_PORT", "70000")
	_, err = Load(testLogger())
	assert.Error(t, err)
	os.Unsetenv("SERVER_PORT")

	t.Setenv("LOCAL_NETWORKS", "not-an-address")
	_, err = Load(testLogger())
	assert.Error(t, err)
}

func TestIsLocalPeer(t *testing.T) {
	clearEnv(t)
	t.Setenv("ENV_FILE", "/nonexistent/.env")
	t.Setenv("LOCAL_NETWORKS", "10.0.0.0/8,192.168.8.126")

	p, err := Load(testLogger())
	require.NoError(t, err)
	snap := p.Current()

	assert.True(t, snap.IsLocalPeer(net.ParseIP("10.1.2.3")))
	assert.True(t, snap.IsLocalPeer(net.ParseIP("192.168.8.126")))
	assert.True(t, snap.IsLocalPeer(net.ParseIP("127.0.0.1")), "loopback is always local")
	assert.False(t, snap.IsLocalPeer(net.ParseIP("203.0.113.9")))
	assert.False(t, snap.IsLocalPeer(nil))
}

func TestReloadPinsBindAddress(t *testing.T) {
	clearEnv(t)
	t.Setenv("ENV_FILE", "/nonexistent/.env")
	t.Setenv("SERVER_IP", "192.168.8.126")
	t.Setenv("SERVER_PORT", "5060")
	t.Setenv("USERS", "1001:pass1")

	p, err := Load(testLogger())
	require.NoError(t, err)

	// Operator edits take effect for everything except the socket.
	t.Setenv("SERVER_IP", "10.9.9.9")
	t.Setenv("SERVER_PORT", "5999")
	t.Setenv("USERS", "1001:pass1,1003:pass3")

	require.NoError(t, p.Reload())
	snap := p.Current()
	assert.Equal(t, "192.168.8.126", snap.ServerIP, "bind host requires restart")
	assert.Equal(t, 5060, snap.ServerPort, "bind port requires restart")
	assert.Len(t, snap.Users, 2, "user table hot-applies")
}

func TestReplacePublishesAtomically(t *testing.T) {
	clearEnv(t)
	t.Setenv("ENV_FILE", "/nonexistent/.env")

	p, err := Load(testLogger())
	require.NoError(t, err)

	old := p.Current()
	updated := *old
	updated.AdvertisedHost = "203.0.113.10"
	p.Replace(&updated)

	assert.Equal(t, "203.0.113.10", p.Current().AdvertisedHost)
	assert.NotEqual(t, old.AdvertisedHost, p.Current().AdvertisedHost)
}
