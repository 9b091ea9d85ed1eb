package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setPasswordEnv(t *testing.T) {
	t.Helper()
	t.Setenv("PRONOTE_URL", "https://demo.index-education.net/pronote/")
	t.Setenv("PRONOTE_USERNAME", "demo")
	t.Setenv("PRONOTE_PASSWORD", "secret")
	t.Setenv("DB_DISABLED", "true")
}

func TestLoad_PasswordSchemeDefaults(t *testing.T) {
	setPasswordEnv(t)

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, "username_password", cfg.Portal.Scheme)
	assert.Equal(t, "student", cfg.Portal.AccountType)
	assert.Equal(t, 15, cfg.Portal.LessonDays)
	assert.Equal(t, 7, cfg.Portal.AnnouncementDays)
	assert.Equal(t, 60*time.Minute, cfg.Portal.AlarmOffset)
	assert.Equal(t, 10*time.Minute, cfg.Scheduler.RefreshInterval)
	assert.Equal(t, "Europe/Paris", cfg.App.Timezone)
}

func TestLoad_MissingURLFails(t *testing.T) {
	t.Setenv("PRONOTE_USERNAME", "demo")
	t.Setenv("PRONOTE_PASSWORD", "secret")
	t.Setenv("DB_DISABLED", "true")

	_, err := Load()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "PRONOTE_URL")
}

func TestLoad_PasswordSchemeRequiresCredentials(t *testing.T) {
	t.Setenv("PRONOTE_URL", "https://demo.index-education.net/pronote/")
	t.Setenv("DB_DISABLED", "true")

	_, err := Load()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "PRONOTE_USERNAME")
}

func TestLoad_QRCodeSchemeAcceptsStoreAsTokenSource(t *testing.T) {
	t.Setenv("PRONOTE_URL", "https://demo.index-education.net/pronote/")
	t.Setenv("PRONOTE_SCHEME", "qrcode")
	t.Setenv("DATABASE_URL", "postgres://sync:pw@localhost:5432/pronote")
	t.Setenv("DB_SEALING_KEY", "0f1e2d3c4b5a69788796a5b4c3d2e1f00f1e2d3c4b5a69788796a5b4c3d2e1f0")

	cfg, err := Load()

	require.NoError(t, err)
	assert.False(t, cfg.Database.Disabled)
}

func TestLoad_QRCodeSchemeWithoutAnyTokenSourceFails(t *testing.T) {
	t.Setenv("PRONOTE_URL", "https://demo.index-education.net/pronote/")
	t.Setenv("PRONOTE_SCHEME", "qrcode")
	t.Setenv("DB_DISABLED", "true")

	_, err := Load()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "qrcode scheme")
}

func TestLoad_ParentAccountRequiresChild(t *testing.T) {
	setPasswordEnv(t)
	t.Setenv("PRONOTE_ACCOUNT_TYPE", "parent")

	_, err := Load()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "PRONOTE_CHILD")
}

func TestLoad_SealingKeyRequiredWithDatabase(t *testing.T) {
	t.Setenv("PRONOTE_URL", "https://demo.index-education.net/pronote/")
	t.Setenv("PRONOTE_USERNAME", "demo")
	t.Setenv("PRONOTE_PASSWORD", "secret")
	t.Setenv("DATABASE_URL", "postgres://sync:pw@localhost:5432/pronote")

	_, err := Load()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "DB_SEALING_KEY")
}

func TestLoad_RefreshIntervalLowerBound(t *testing.T) {
	setPasswordEnv(t)
	t.Setenv("SCHEDULER_REFRESH_INTERVAL", "10s")

	_, err := Load()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "SCHEDULER_REFRESH_INTERVAL")
}

func TestLoad_DatabaseURLFromComponents(t *testing.T) {
	setPasswordEnv(t)
	t.Setenv("DB_DISABLED", "")
	t.Setenv("DB_HOST", "db.example.net")
	t.Setenv("DB_USER", "sync")
	t.Setenv("DB_PASSWORD", "pw")
	t.Setenv("DB_SEALING_KEY", "0f1e2d3c4b5a69788796a5b4c3d2e1f00f1e2d3c4b5a69788796a5b4c3d2e1f0")

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, "postgres://sync:pw@db.example.net:5432/postgres?sslmode=require", cfg.Database.URL)
}
