package totp_test

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xeptore/hifilink/spotify/totp"
)

func TestGenerate(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, time.March, 11, 10, 30, 0, 0, time.UTC)

	code, version, err := totp.Generate(now)
	require.NoError(t, err)
	assert.Equal(t, totp.ActiveVersion, version)
	assert.Regexp(t, regexp.MustCompile(`^\d{6}$`), code)

	// Stable within a period, different across period boundaries.
	again, _, err := totp.Generate(now.Add(20 * time.Second))
	require.NoError(t, err)
	assert.Equal(t, code, again)

	next, _, err := totp.Generate(now.Add(totp.Period))
	require.NoError(t, err)
	assert.NotEqual(t, code, next)
}

func TestGenerateVersion(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, time.March, 11, 10, 30, 0, 0, time.UTC)

	for _, version := range []int{59, 60, 61} {
		code, err := totp.GenerateVersion(now, version)
		require.NoError(t, err)
		assert.Len(t, code, 6)
	}

	_, err := totp.GenerateVersion(now, 42)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "version 42")
}

func TestGenerateVersionDiffersAcrossVersions(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, time.March, 11, 10, 30, 0, 0, time.UTC)

	a, err := totp.GenerateVersion(now, 59)
	require.NoError(t, err)
	b, err := totp.GenerateVersion(now, 61)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}
