package selfupdate

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"time"
)

const (
	defaultRepoURL          = "https://github.com/clawlite/clawlite.git"
	defaultPyprojectURL     = "https://raw.githubusercontent.com/clawlite/clawlite/refs/heads/main/pyproject.toml"
	defaultReleasesLatest   = "https://api.github.com/repos/clawlite/clawlite/releases/latest"
	defaultReleasesList     = "https://api.github.com/repos/clawlite/clawlite/releases?per_page=30"
	userAgent               = "clawlite-update-check/1.0"
)

var versionLinePattern = regexp.MustCompile(`(?m)^\s*version\s*=\s*"([^"]+)"\s*$`)

// GitHubFetcher implements ReleaseFetcher against the GitHub releases API
// and a raw pyproject.toml-style version file, matching the original's
// _fetch_remote_version/_fetch_latest_stable_release_target/
// _fetch_latest_beta_release_target.
type GitHubFetcher struct {
	PyprojectURL   string
	ReleasesLatest string
	ReleasesList   string
	Client         *http.Client
	Timeout        time.Duration
}

func (f *GitHubFetcher) applyDefaults() {
	if f.PyprojectURL == "" {
		f.PyprojectURL = defaultPyprojectURL
	}
	if f.ReleasesLatest == "" {
		f.ReleasesLatest = defaultReleasesLatest
	}
	if f.ReleasesList == "" {
		f.ReleasesList = defaultReleasesList
	}
	if f.Client == nil {
		f.Client = &http.Client{}
	}
	if f.Timeout <= 0 {
		f.Timeout = 2500 * time.Millisecond
	}
}

func (f *GitHubFetcher) getJSON(url string, out any) error {
	f.applyDefaults()
	ctxClient := *f.Client
	ctxClient.Timeout = f.Timeout

	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := ctxClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("selfupdate: %s retornou status %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}

// MainVersion implements ReleaseFetcher by reading the version string out
// of the main-branch pyproject.toml-equivalent manifest.
func (f *GitHubFetcher) MainVersion() (string, error) {
	f.applyDefaults()
	req, err := http.NewRequest(http.MethodGet, f.PyprojectURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", userAgent)

	client := *f.Client
	client.Timeout = f.Timeout
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("selfupdate: %s retornou status %d", f.PyprojectURL, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	m := versionLinePattern.FindStringSubmatch(string(body))
	if m == nil {
		return "", fmt.Errorf("selfupdate: não foi possível extrair version do manifesto remoto")
	}
	return m[1], nil
}

type githubRelease struct {
	TagName    string `json:"tag_name"`
	Draft      bool   `json:"draft"`
	Prerelease bool   `json:"prerelease"`
}

// LatestStableRelease implements ReleaseFetcher.
func (f *GitHubFetcher) LatestStableRelease() (string, bool, bool, error) {
	var rel githubRelease
	if err := f.getJSON(f.ReleasesLatest, &rel); err != nil {
		return "", false, false, err
	}
	return rel.TagName, rel.Draft, rel.Prerelease, nil
}

// Releases implements ReleaseFetcher.
func (f *GitHubFetcher) Releases() ([]releaseEntry, error) {
	var rels []githubRelease
	if err := f.getJSON(f.ReleasesList, &rels); err != nil {
		return nil, err
	}
	entries := make([]releaseEntry, 0, len(rels))
	for _, r := range rels {
		entries = append(entries, releaseEntry{Tag: r.TagName, Draft: r.Draft, Prerelease: r.Prerelease})
	}
	return entries, nil
}

var _ ReleaseFetcher = (*GitHubFetcher)(nil)
