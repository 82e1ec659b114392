// Package selfupdate checks and applies in-place updates across the
// stable/beta/dev release channels.
//
// Grounded on original_source/clawlite/runtime/self_update.go in full:
// version-component comparison, the release-tag parsing rules
// (refs/tags/ and v prefixes, the X.Y.Z.beta[.N] -> X.Y.Z-beta[.N]
// rewrite), per-channel target resolution with stable/beta/main
// fallbacks, the on-disk check cache, and the dev channel's local-clone
// fast path.
package selfupdate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// Channel is one of the three update tracks.
type Channel string

const (
	ChannelStable Channel = "stable"
	ChannelBeta   Channel = "beta"
	ChannelDev    Channel = "dev"

	defaultChannel = ChannelStable
)

func normalizeChannel(value string) Channel {
	switch Channel(strings.ToLower(strings.TrimSpace(value))) {
	case ChannelStable:
		return ChannelStable
	case ChannelBeta:
		return ChannelBeta
	case ChannelDev:
		return ChannelDev
	default:
		return defaultChannel
	}
}

// Target is a resolved update destination: a version, where it came
// from (release-stable, release-beta, main, or one of the *-fallback-*
// variants), and the git ref/tag that reaches it.
type Target struct {
	Version string
	Source  string
	Ref     string
}

// Status is the result of a CheckForUpdates call.
type Status struct {
	CurrentVersion string
	LatestVersion  string
	Available      bool
	Source         string
	Channel        Channel
	TargetRef      string
}

var versionTokenPattern = regexp.MustCompile(`\d+|[A-Za-z]+`)

// versionComponents splits a version string into comparable tokens:
// numeric runs compare as integers, alphabetic runs compare as strings,
// and a numeric token always outranks an alphabetic one — mirroring
// _parse_version_components' (kind, value) tuples.
type versionToken struct {
	isNumeric bool
	number    int
	text      string
}

func versionComponents(value string) []versionToken {
	if value == "" {
		return []versionToken{{isNumeric: true, number: 0}}
	}
	matches := versionTokenPattern.FindAllString(strings.ToLower(value), -1)
	if len(matches) == 0 {
		return []versionToken{{isNumeric: true, number: 0}}
	}
	tokens := make([]versionToken, 0, len(matches))
	for _, m := range matches {
		if n, err := strconv.Atoi(m); err == nil {
			tokens = append(tokens, versionToken{isNumeric: true, number: n})
		} else {
			tokens = append(tokens, versionToken{text: m})
		}
	}
	return tokens
}

func isNewerVersion(latest, current string) bool {
	a, b := versionComponents(latest), versionComponents(current)
	for i := 0; i < len(a) || i < len(b); i++ {
		var ta, tb versionToken
		if i < len(a) {
			ta = a[i]
		}
		if i < len(b) {
			tb = b[i]
		}
		if i >= len(a) {
			return false
		}
		if i >= len(b) {
			return true
		}
		if ta.isNumeric != tb.isNumeric {
			return ta.isNumeric // numeric token outranks text token
		}
		if ta.isNumeric {
			if ta.number != tb.number {
				return ta.number > tb.number
			}
			continue
		}
		if ta.text != tb.text {
			return ta.text > tb.text
		}
	}
	return false
}

var (
	dotBetaPattern     = regexp.MustCompile(`^([0-9]+(?:\.[0-9]+){2})\.beta(?:\.([0-9A-Za-z.-]+))?$`)
	releaseTagPattern  = regexp.MustCompile(`^[0-9]+(?:\.[0-9]+){2}(?:[-+][0-9A-Za-z.-]+)?$`)
)

// extractVersionFromRef normalizes a git ref/tag ("refs/tags/v1.2.3",
// "v1.2.3.beta.1") into a plain semver-ish string, rejecting anything
// that doesn't look like a release tag.
func extractVersionFromRef(refValue string) (string, error) {
	ref := strings.TrimSpace(refValue)
	if ref == "" {
		return "", fmt.Errorf("selfupdate: referência de release/tag vazia")
	}
	ref = strings.TrimPrefix(ref, "refs/tags/")
	ref = strings.TrimPrefix(ref, "v")

	if m := dotBetaPattern.FindStringSubmatch(ref); m != nil {
		if m[2] != "" {
			ref = fmt.Sprintf("%s-beta.%s", m[1], m[2])
		} else {
			ref = fmt.Sprintf("%s-beta", m[1])
		}
	}
	if !releaseTagPattern.MatchString(ref) {
		return "", fmt.Errorf("selfupdate: tag de release inválida: %s", refValue)
	}
	return ref, nil
}

// ReleaseFetcher abstracts the GitHub-releases / raw-file lookups so
// tests don't need a live network.
type ReleaseFetcher interface {
	LatestStableRelease() (tag string, draft, prerelease bool, err error)
	Releases() (tags []releaseEntry, err error)
	MainVersion() (string, error)
}

type releaseEntry struct {
	Tag        string
	Draft      bool
	Prerelease bool
}

func releaseToTarget(tag, source string) (Target, error) {
	version, err := extractVersionFromRef(tag)
	if err != nil {
		return Target{}, err
	}
	return Target{Version: version, Source: source, Ref: tag}, nil
}

func fetchLatestStableTarget(f ReleaseFetcher) (Target, error) {
	tag, draft, prerelease, err := f.LatestStableRelease()
	if err != nil {
		return Target{}, err
	}
	if draft {
		return Target{}, fmt.Errorf("selfupdate: release latest está marcada como draft")
	}
	if prerelease {
		return Target{}, fmt.Errorf("selfupdate: release latest está marcada como prerelease")
	}
	return releaseToTarget(tag, "release-stable")
}

func fetchLatestBetaTarget(f ReleaseFetcher) (Target, error) {
	entries, err := f.Releases()
	if err != nil {
		return Target{}, err
	}
	for _, e := range entries {
		if e.Draft {
			continue
		}
		if e.Prerelease {
			return releaseToTarget(e.Tag, "release-beta")
		}
	}
	return Target{}, fmt.Errorf("selfupdate: nenhuma release beta encontrada")
}

func fetchMainTarget(f ReleaseFetcher) (Target, error) {
	version, err := f.MainVersion()
	if err != nil {
		return Target{}, err
	}
	return Target{Version: version, Source: "main", Ref: "main"}, nil
}

// fetchRemoteTarget resolves the update target for channel, applying the
// same stable->main and beta->stable->main fallback chains as the
// original.
func fetchRemoteTarget(f ReleaseFetcher, channel Channel) (Target, error) {
	switch channel {
	case ChannelDev:
		return fetchMainTarget(f)
	case ChannelStable:
		if t, err := fetchLatestStableTarget(f); err == nil {
			return t, nil
		}
		main, err := fetchMainTarget(f)
		if err != nil {
			return Target{}, err
		}
		return Target{Version: main.Version, Source: "main-fallback-stable", Ref: "main"}, nil
	default: // beta
		beta, betaErr := fetchLatestBetaTarget(f)
		stable, stableErr := fetchLatestStableTarget(f)
		switch {
		case betaErr == nil && stableErr == nil:
			if isNewerVersion(stable.Version, beta.Version) {
				return Target{Version: stable.Version, Source: "release-stable-fallback-beta", Ref: stable.Ref}, nil
			}
			return beta, nil
		case betaErr == nil:
			return beta, nil
		case stableErr == nil:
			return Target{Version: stable.Version, Source: "release-stable-fallback-beta", Ref: stable.Ref}, nil
		default:
			main, err := fetchMainTarget(f)
			if err != nil {
				return Target{}, err
			}
			return Target{Version: main.Version, Source: "main-fallback-beta", Ref: "main"}, nil
		}
	}
}

type checkCache struct {
	CurrentVersion string          `json:"current_version"`
	Fields         map[string]any `json:"-"`
}

// Checker resolves update status and applies updates for a given
// channel, caching remote lookups on disk.
type Checker struct {
	CurrentVersion string
	CachePath      string
	CheckInterval  time.Duration
	RepoURL        string
	LocalRepoPath  string // set when running from a git checkout; empty disables the dev fast path
	Fetcher        ReleaseFetcher
	Now            func() time.Time
}

func (c *Checker) applyDefaults() {
	if c.CheckInterval <= 0 {
		c.CheckInterval = 6 * time.Hour
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.CurrentVersion == "" {
		c.CurrentVersion = "0.0.0"
	}
}

func (c *Checker) loadCache() map[string]any {
	data, err := os.ReadFile(c.CachePath)
	if err != nil {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil || m == nil {
		return map[string]any{}
	}
	return m
}

func (c *Checker) saveCache(m map[string]any) {
	if err := os.MkdirAll(filepath.Dir(c.CachePath), 0o755); err != nil {
		return
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return
	}
	_ = os.WriteFile(c.CachePath, data, 0o644)
}

func cacheString(m map[string]any, key string) string {
	v, ok := m[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func cacheInt(m map[string]any, key string) int64 {
	v, ok := m[key]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	}
	return 0
}

// CheckForUpdates resolves the latest version for channel, preferring a
// fresh on-disk cache entry to a remote call when it's within
// checkInterval and the running version hasn't changed since it was
// written.
func (c *Checker) CheckForUpdates(channel Channel, forceRemote bool) Status {
	c.applyDefaults()
	channel = normalizeChannel(string(channel))
	now := c.Now().Unix()
	cache := c.loadCache()

	latestKey, refKey, sourceKey, checkedKey := "latest_version_"+string(channel), "target_ref_"+string(channel), "source_"+string(channel), "checked_at_"+string(channel)
	latest := cacheString(cache, latestKey)
	targetRef := cacheString(cache, refKey)
	cachedSource := cacheString(cache, sourceKey)
	checkedAt := cacheInt(cache, checkedKey)
	cachedCurrent := cacheString(cache, "current_version")

	useCache := !forceRemote && latest != "" && cachedCurrent == c.CurrentVersion &&
		time.Duration(now-checkedAt)*time.Second < c.CheckInterval

	source := "cache"
	if !useCache && c.Fetcher != nil {
		target, err := fetchRemoteTarget(c.Fetcher, channel)
		if err == nil {
			latest, targetRef, source = target.Version, target.Ref, target.Source
			cache["current_version"] = c.CurrentVersion
			cache[latestKey] = latest
			cache[refKey] = targetRef
			cache[sourceKey] = source
			cache[checkedKey] = now
			c.saveCache(cache)
		} else if latest != "" {
			source = "cache-stale"
		} else {
			latest = c.CurrentVersion
			source = "unknown"
		}
	} else if useCache {
		if cachedSource != "" {
			source = cachedSource
		}
	} else {
		latest = c.CurrentVersion
		source = "unknown"
	}

	return Status{
		CurrentVersion: c.CurrentVersion,
		LatestVersion:  latest,
		Available:      isNewerVersion(latest, c.CurrentVersion),
		Source:         source,
		Channel:        channel,
		TargetRef:      targetRef,
	}
}

// FormatUpdateNotice renders a one-line startup banner, or "" if no
// update is available.
func FormatUpdateNotice(status Status) string {
	if !status.Available {
		return ""
	}
	refHint := ""
	if status.TargetRef != "" {
		refHint = fmt.Sprintf(" [%s]", status.TargetRef)
	}
	return fmt.Sprintf("Atualização (%s) disponível: %s -> %s%s. Rode: clawlite update",
		status.Channel, status.CurrentVersion, status.LatestVersion, refHint)
}

// repoIsClean reports whether the local checkout has no pending
// changes, via go-git's worktree status instead of shelling out to
// `git status --porcelain`.
func repoIsClean(repoPath string) (bool, error) {
	repo, err := git.PlainOpen(repoPath)
	if err != nil {
		return false, err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return false, err
	}
	status, err := wt.Status()
	if err != nil {
		return false, err
	}
	return status.IsClean(), nil
}

// pullLocalRepo fast-forwards the dev checkout's working branch from
// origin/main via go-git, refusing when the worktree is dirty.
func pullLocalRepo(repoPath string) error {
	clean, err := repoIsClean(repoPath)
	if err != nil {
		return fmt.Errorf("selfupdate: não foi possível inspecionar o repositório local: %w", err)
	}
	if !clean {
		return fmt.Errorf("selfupdate: repositório local tem alterações pendentes, abortando")
	}

	repo, err := git.PlainOpen(repoPath)
	if err != nil {
		return err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return err
	}
	err = wt.Pull(&git.PullOptions{
		RemoteName:    "origin",
		ReferenceName: plumbing.NewBranchReferenceName("main"),
	})
	if err != nil && err != git.NoErrAlreadyUpToDate {
		return fmt.Errorf("selfupdate: falha ao atualizar repositório local: %w", err)
	}
	return nil
}

// UpdateResult is the outcome of an ApplyUpdate call.
type UpdateResult struct {
	Succeeded bool
	Message   string
}

// ApplyUpdate runs a channel's update path: for dev with a clean local
// checkout, a go-git pull against origin/main; otherwise resolves the
// remote target and reports the ref a real packaging step (container
// image tag, binary release download) should install. This package
// does not itself re-exec the process — the caller decides how the
// resolved ref is applied to the running deployment.
func (c *Checker) ApplyUpdate(channel Channel) UpdateResult {
	c.applyDefaults()
	channel = normalizeChannel(string(channel))

	if channel == ChannelDev && c.LocalRepoPath != "" {
		if clean, err := repoIsClean(c.LocalRepoPath); err == nil && clean {
			if err := pullLocalRepo(c.LocalRepoPath); err != nil {
				return UpdateResult{Succeeded: false, Message: err.Error()}
			}
			target, _ := fetchRemoteTarget(c.Fetcher, ChannelDev)
			suffix := ""
			if target.Version != "" {
				suffix = " para " + target.Version
			}
			return UpdateResult{
				Succeeded: true,
				Message:   fmt.Sprintf("ClawLite (%s) atualizado com sucesso%s (modo local). Reinicie o processo atual.", channel, suffix),
			}
		}
	}

	if c.Fetcher == nil {
		return UpdateResult{Succeeded: false, Message: "selfupdate: nenhum fetcher de release configurado"}
	}
	target, err := fetchRemoteTarget(c.Fetcher, channel)
	if err != nil {
		return UpdateResult{Succeeded: false, Message: fmt.Sprintf("selfupdate: falha ao resolver alvo remoto: %v", err)}
	}

	suffix := ""
	if target.Version != "" {
		suffix = " para " + target.Version
	}
	sourceHint := ""
	if target.Source != "" {
		sourceHint = fmt.Sprintf(" [%s]", target.Source)
	}
	return UpdateResult{
		Succeeded: true,
		Message: fmt.Sprintf("ClawLite (%s) resolvido com sucesso%s%s. Ref alvo: %s. Aplique via a esteira de deploy.",
			channel, suffix, sourceHint, target.Ref),
	}
}
