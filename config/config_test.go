package config

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_MatchesDocumentedValues(t *testing.T) {
	t.Parallel()

	cfg := Default()
	pv := cfg.PageViews
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 20*time.Second, pv.ThrottleWindow())
	assert.Equal(t, 100, pv.BatchSize)
	assert.Equal(t, 300*time.Second, pv.BufferTimeoutDuration())
	assert.Equal(t, time.Minute, pv.ReclaimIntervalDuration())
	assert.Nil(t, pv.AsyncProcessing)
	assert.Equal(t, []string{"bot", "crawl", "spider", "slurp", "search", "fetch", "scan"}, pv.BotPatterns)
	assert.True(t, pv.ExcludeAdmin)
	assert.True(t, pv.ExcludeAJAX)
	assert.Equal(t, "/admin/", pv.AdminPrefix)
	assert.Equal(t, []string{"/static/", "/media/"}, pv.ExcludePaths)
	assert.Equal(t, "pageview_buffer", pv.BufferKey)
	assert.Equal(t, time.UTC, pv.Location())
	assert.NoError(t, Validate(cfg))
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PAGEVIEW_THROTTLE_SECONDS", "5")
	t.Setenv("PAGEVIEW_BATCH_SIZE", "10")
	t.Setenv("PAGEVIEW_ASYNC_PROCESSING", "false")
	t.Setenv("PAGEVIEW_TIME_ZONE", "Europe/Berlin")
	t.Setenv("PG_HOST", "db.internal")
	t.Setenv("APP_ENV", "production")

	cfg, err := LoadWith(viper.New())
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.PageViews.ThrottleWindow())
	assert.Equal(t, 10, cfg.PageViews.BatchSize)
	require.NotNil(t, cfg.PageViews.AsyncProcessing)
	assert.False(t, *cfg.PageViews.AsyncProcessing)
	assert.Equal(t, "Europe/Berlin", cfg.PageViews.Location().String())
	assert.Equal(t, "db.internal", cfg.Postgres.Host)
	assert.False(t, cfg.Server.Development())
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	t.Setenv("PAGEVIEW_BATCH_SIZE", "0")

	_, err := LoadWith(viper.New())
	assert.ErrorContains(t, err, "invalid config")
}

func TestLoadWith_BoundFlagsWin(t *testing.T) {
	t.Setenv("PAGEVIEW_RETENTION_DAYS", "30")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("days", 90, "")
	require.NoError(t, flags.Parse([]string{"--days", "7"}))

	v := viper.New()
	require.NoError(t, v.BindPFlag("pageviews.retention_days", flags.Lookup("days")))
	cfg, err := LoadWith(v)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.PageViews.RetentionDays)
}

func TestPageViewsConfig_LocationFallsBackToUTC(t *testing.T) {
	t.Parallel()

	assert.Equal(t, time.UTC, PageViewsConfig{TimeZone: "Mars/Olympus"}.Location())
	assert.Equal(t, time.UTC, PageViewsConfig{}.Location())
	assert.Equal(t, time.UTC, PageViewsConfig{TimeZone: "Local"}.Location())
}

func TestValidate_TimeZone(t *testing.T) {
	t.Parallel()

	for _, tz := range []string{"Local", "Mars/Olympus"} {
		cfg := Default()
		cfg.PageViews.TimeZone = tz
		assert.ErrorContains(t, Validate(cfg), "TimeZone", tz)
	}

	cfg := Default()
	cfg.PageViews.TimeZone = "Europe/Berlin"
	assert.NoError(t, Validate(cfg))
}
