package selfupdate

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	stableTag        string
	stableDraft      bool
	stablePrerelease bool
	stableErr        error

	releases    []releaseEntry
	releasesErr error

	mainVersion string
	mainErr     error
}

func (f *fakeFetcher) LatestStableRelease() (string, bool, bool, error) {
	return f.stableTag, f.stableDraft, f.stablePrerelease, f.stableErr
}
func (f *fakeFetcher) Releases() ([]releaseEntry, error) { return f.releases, f.releasesErr }
func (f *fakeFetcher) MainVersion() (string, error)      { return f.mainVersion, f.mainErr }

func TestIsNewerVersionComparesNumericSegments(t *testing.T) {
	assert.True(t, isNewerVersion("1.10.0", "1.2.0"))
	assert.False(t, isNewerVersion("1.2.0", "1.10.0"))
	assert.False(t, isNewerVersion("1.0.0", "1.0.0"))
	assert.True(t, isNewerVersion("2.0.0", "1.9.9"))
}

func TestExtractVersionFromRefStripsPrefixes(t *testing.T) {
	v, err := extractVersionFromRef("refs/tags/v1.2.3")
	require.NoError(t, err)
	assert.Equal(t, "1.2.3", v)
}

func TestExtractVersionFromRefRewritesDotBeta(t *testing.T) {
	v, err := extractVersionFromRef("v1.2.3.beta.4")
	require.NoError(t, err)
	assert.Equal(t, "1.2.3-beta.4", v)

	v2, err := extractVersionFromRef("v1.2.3.beta")
	require.NoError(t, err)
	assert.Equal(t, "1.2.3-beta", v2)
}

func TestExtractVersionFromRefRejectsGarbage(t *testing.T) {
	_, err := extractVersionFromRef("not-a-version")
	assert.Error(t, err)

	_, err = extractVersionFromRef("")
	assert.Error(t, err)
}

func TestFetchRemoteTargetDevUsesMain(t *testing.T) {
	f := &fakeFetcher{mainVersion: "1.5.0"}
	target, err := fetchRemoteTarget(f, ChannelDev)
	require.NoError(t, err)
	assert.Equal(t, "main", target.Source)
	assert.Equal(t, "1.5.0", target.Version)
}

func TestFetchRemoteTargetStableFallsBackToMainOnError(t *testing.T) {
	f := &fakeFetcher{stableErr: errors.New("boom"), mainVersion: "9.9.9"}
	target, err := fetchRemoteTarget(f, ChannelStable)
	require.NoError(t, err)
	assert.Equal(t, "main-fallback-stable", target.Source)
	assert.Equal(t, "9.9.9", target.Version)
}

func TestFetchRemoteTargetStablePrefersRelease(t *testing.T) {
	f := &fakeFetcher{stableTag: "v2.0.0"}
	target, err := fetchRemoteTarget(f, ChannelStable)
	require.NoError(t, err)
	assert.Equal(t, "release-stable", target.Source)
	assert.Equal(t, "2.0.0", target.Version)
}

func TestFetchRemoteTargetBetaPrefersNewerBetaOverStable(t *testing.T) {
	f := &fakeFetcher{
		stableTag: "v1.0.0",
		releases:  []releaseEntry{{Tag: "v1.1.0", Prerelease: true}},
	}
	target, err := fetchRemoteTarget(f, ChannelBeta)
	require.NoError(t, err)
	assert.Equal(t, "release-beta", target.Source)
	assert.Equal(t, "1.1.0", target.Version)
}

func TestFetchRemoteTargetBetaFallsBackToStableWhenStableIsNewer(t *testing.T) {
	f := &fakeFetcher{
		stableTag: "v2.0.0",
		releases:  []releaseEntry{{Tag: "v1.1.0", Prerelease: true}},
	}
	target, err := fetchRemoteTarget(f, ChannelBeta)
	require.NoError(t, err)
	assert.Equal(t, "release-stable-fallback-beta", target.Source)
	assert.Equal(t, "2.0.0", target.Version)
}

func TestCheckForUpdatesUsesCacheWithinInterval(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	fetchCalls := 0
	fetcher := &fakeFetcher{stableTag: "v9.9.9"}

	checker := &Checker{
		CurrentVersion: "1.0.0",
		CachePath:      filepath.Join(dir, "update-cache.json"),
		Fetcher:        countingFetcher{fakeFetcher: fetcher, calls: &fetchCalls},
		Now:            func() time.Time { return now },
	}

	status := checker.CheckForUpdates(ChannelStable, false)
	assert.True(t, status.Available)
	assert.Equal(t, 1, fetchCalls)

	status2 := checker.CheckForUpdates(ChannelStable, false)
	assert.Equal(t, "9.9.9", status2.LatestVersion)
	assert.Equal(t, 1, fetchCalls, "second call within interval should use cache, not refetch")
}

func TestCheckForUpdatesForceRemoteBypassesCache(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	fetchCalls := 0
	fetcher := &fakeFetcher{stableTag: "v1.0.0"}

	checker := &Checker{
		CurrentVersion: "1.0.0",
		CachePath:      filepath.Join(dir, "update-cache.json"),
		Fetcher:        countingFetcher{fakeFetcher: fetcher, calls: &fetchCalls},
		Now:            func() time.Time { return now },
	}
	checker.CheckForUpdates(ChannelStable, false)
	checker.CheckForUpdates(ChannelStable, true)
	assert.Equal(t, 2, fetchCalls)
}

func TestFormatUpdateNoticeEmptyWhenUnavailable(t *testing.T) {
	assert.Equal(t, "", FormatUpdateNotice(Status{Available: false}))
}

func TestFormatUpdateNoticeIncludesVersionsAndRef(t *testing.T) {
	notice := FormatUpdateNotice(Status{
		Available: true, Channel: ChannelStable, CurrentVersion: "1.0.0", LatestVersion: "1.1.0", TargetRef: "v1.1.0",
	})
	assert.Contains(t, notice, "1.0.0")
	assert.Contains(t, notice, "1.1.0")
	assert.Contains(t, notice, "v1.1.0")
}

// countingFetcher wraps a ReleaseFetcher to count calls routed through
// fetchRemoteTarget, regardless of which method ends up invoked.
type countingFetcher struct {
	*fakeFetcher
	calls *int
}

func (c countingFetcher) LatestStableRelease() (string, bool, bool, error) {
	*c.calls++
	return c.fakeFetcher.LatestStableRelease()
}
