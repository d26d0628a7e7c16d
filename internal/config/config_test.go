package config

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSecretHex() string {
	sum := sha256.Sum256([]byte("config-test-secret"))
	return hex.EncodeToString(sum[:16])
}

func setRequiredEnv(t *testing.T) {
	t.Helper()

	t.Setenv("DRIVE_IDENTITY_HOST", "alice.dotyou.cloud")
	t.Setenv("DRIVE_SESSION_SECRET", testSecretHex())
	t.Setenv("DRIVE_STATE_DB", filepath.Join(t.TempDir(), "state.db"))
	t.Setenv("DRIVE_CHAT_ALIAS", "")
	t.Setenv("DRIVE_CHAT_TYPE", "")
	t.Setenv("DRIVE_INBOX_BATCH_SIZE", "")
	t.Setenv("DRIVE_SUBSCRIPTIONS_FILE", "")
	t.Setenv("ENVIRONMENT", "")
}

func TestLoad_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "alice.dotyou.cloud", cfg.IdentityHost)
	assert.Equal(t, DefaultChatDriveAlias, cfg.ChatDriveAlias)
	assert.Equal(t, DefaultChatDriveType, cfg.ChatDriveType)
	assert.Equal(t, 50, cfg.InboxBatchSize)
	assert.Equal(t, "development", cfg.Environment)
	assert.False(t, cfg.IsProduction())
	assert.True(t, filepath.IsAbs(cfg.StateDBPath))
}

func TestLoad_RequiresIdentityHost(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("DRIVE_IDENTITY_HOST", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DRIVE_IDENTITY_HOST")
}

func TestLoad_RequiresSessionSecret(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("DRIVE_SESSION_SECRET", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DRIVE_SESSION_SECRET")
}

func TestLoad_RejectsNonHexSecret(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("DRIVE_SESSION_SECRET", "not-hex-at-all")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not valid hex")
}

func TestLoad_RejectsWrongLengthSecret(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("DRIVE_SESSION_SECRET", "deadbeef")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "16 bytes")
}

func TestLoad_RejectsNonPositiveBatchSize(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("DRIVE_INBOX_BATCH_SIZE", "0")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DRIVE_INBOX_BATCH_SIZE")
}

func TestLoad_DefaultStateDBPathUsesHost(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("DRIVE_STATE_DB", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, strings.HasSuffix(cfg.StateDBPath, filepath.Join(".drive-sync", "alice.dotyou.cloud", "state.db")))
}

func TestDecodeSessionSecret(t *testing.T) {
	cfg := &Config{SessionSecret: testSecretHex()}

	secret, err := cfg.DecodeSessionSecret()
	require.NoError(t, err)
	assert.Len(t, secret, 16)
}

func TestLoadDriveSubscriptions(t *testing.T) {
	t.Run("no file configured", func(t *testing.T) {
		cfg := &Config{}

		subs, err := cfg.LoadDriveSubscriptions()
		require.NoError(t, err)
		assert.Nil(t, subs)
	})

	t.Run("valid file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "drives.yaml")
		content := `
- name: chat
  alias: 9ff813aff2d61e2f9b9db189e72d1a11
  type: 66ea8355ae4155c39b5a719166b510e3
- name: photos
  alias: 6483b7b1f71bd43eb6896c86148e0772
  type: 2af68fe72fb84896f39f97c59d60813a
`
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

		cfg := &Config{DrivesFile: path}

		subs, err := cfg.LoadDriveSubscriptions()
		require.NoError(t, err)
		require.Len(t, subs, 2)
		assert.Equal(t, "chat", subs[0].Name)
		assert.Equal(t, "9ff813aff2d61e2f9b9db189e72d1a11", subs[0].Alias)
	})

	t.Run("entry missing alias", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "drives.yaml")
		require.NoError(t, os.WriteFile(path, []byte("- name: broken\n  type: abc\n"), 0o600))

		cfg := &Config{DrivesFile: path}

		_, err := cfg.LoadDriveSubscriptions()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "entry 1")
	})

	t.Run("missing file", func(t *testing.T) {
		cfg := &Config{DrivesFile: filepath.Join(t.TempDir(), "nope.yaml")}

		_, err := cfg.LoadDriveSubscriptions()
		require.Error(t, err)
	})
}
