package marketplace

import (
	"archive/zip"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildSkillZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func checksumOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func newTestServer(t *testing.T, archives map[string][]byte, indexSlugs []RemoteEntry) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/index.json", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(remoteIndex{Skills: indexSlugs})
	})
	for path, data := range archives {
		data := data
		mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write(data)
		})
	}
	return httptest.NewServer(mux)
}

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	dir := t.TempDir()
	host := srv.Listener.Addr().String()
	cfg := Config{
		IndexURL:     srv.URL + "/index.json",
		InstallDir:   filepath.Join(dir, "skills"),
		ManifestPath: filepath.Join(dir, "installed.json"),
		AllowedHosts: []string{hostOf(host)},
		Now:          func() time.Time { return time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC) },
	}
	return New(cfg)
}

func hostOf(addr string) string {
	h, _, err := splitHostPort(addr)
	if err != nil {
		return addr
	}
	return h
}

func splitHostPort(addr string) (string, string, error) {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[:i], addr[i+1:], nil
		}
	}
	return addr, "", nil
}

func TestNormalizeSlugRejectsInvalidCharacters(t *testing.T) {
	_, err := normalizeSlug("Invalid Slug!")
	assert.Error(t, err)

	slug, err := normalizeSlug("  My-Skill_1  ")
	require.NoError(t, err)
	assert.Equal(t, "my-skill_1", slug)
}

func TestNormalizeVersionRejectsEmpty(t *testing.T) {
	_, err := normalizeVersion("   ")
	assert.Error(t, err)

	v, err := normalizeVersion("1.2.3")
	require.NoError(t, err)
	assert.Equal(t, "1.2.3", v)
}

func TestCheckAllowedURLRejectsUnknownHost(t *testing.T) {
	c := New(Config{IndexURL: "https://example.com/index.json"})
	err := c.checkAllowedURL("https://evil.example/payload.zip")
	assert.Error(t, err)
}

func TestCheckAllowedURLAllowsDefaultHosts(t *testing.T) {
	c := New(Config{IndexURL: "https://raw.githubusercontent.com/x/index.json"})
	assert.NoError(t, c.checkAllowedURL("https://raw.githubusercontent.com/x/skill.zip"))
}

func TestCheckAllowedURLRejectsPlainHTTPForNonLocalhost(t *testing.T) {
	c := New(Config{AllowedHosts: []string{"example.com"}})
	err := c.checkAllowedURL("http://example.com/skill.zip")
	assert.Error(t, err)
}

func TestInstallDownloadsVerifiesAndExtracts(t *testing.T) {
	archive := buildSkillZip(t, map[string]string{
		"SKILL.md":  "# My Skill\n",
		"handler.py": "print('hi')\n",
	})
	entry := RemoteEntry{Slug: "demo-skill", Version: "1.0.0", ChecksumSHA256: checksumOf(archive)}

	srv := newTestServer(t, map[string][]byte{"/demo-skill.zip": archive}, nil)
	defer srv.Close()
	entry.DownloadURL = srv.URL + "/demo-skill.zip"

	c := newTestClient(t, srv)
	c2 := New(Config{
		IndexURL:     srv.URL + "/index.json",
		InstallDir:   c.cfg.InstallDir,
		ManifestPath: c.cfg.ManifestPath,
		AllowedHosts: c.cfg.AllowedHosts,
		Now:          c.cfg.Now,
	})

	result, err := c2.installEntry(entry, false)
	require.NoError(t, err)
	assert.Equal(t, "demo-skill", result.Slug)

	content, err := os.ReadFile(filepath.Join(result.InstallPath, "SKILL.md"))
	require.NoError(t, err)
	assert.Contains(t, string(content), "My Skill")

	manifest := c2.loadInstalledManifest()
	installed, ok := manifest.Skills["demo-skill"]
	require.True(t, ok)
	assert.Equal(t, "1.0.0", installed.Version)
}

func TestInstallRejectsChecksumMismatch(t *testing.T) {
	archive := buildSkillZip(t, map[string]string{"SKILL.md": "# x\n"})
	entry := RemoteEntry{Slug: "bad-checksum", Version: "1.0.0", ChecksumSHA256: checksumOf([]byte("not the archive"))}

	srv := newTestServer(t, map[string][]byte{"/pkg.zip": archive}, nil)
	defer srv.Close()
	entry.DownloadURL = srv.URL + "/pkg.zip"

	c := newTestClient(t, srv)
	_, err := c.installEntry(entry, false)
	assert.Error(t, err)
}

func TestInstallRejectsMissingSkillManifest(t *testing.T) {
	archive := buildSkillZip(t, map[string]string{"handler.py": "print(1)\n"})
	entry := RemoteEntry{Slug: "no-manifest", Version: "1.0.0", ChecksumSHA256: checksumOf(archive)}

	srv := newTestServer(t, map[string][]byte{"/pkg.zip": archive}, nil)
	defer srv.Close()
	entry.DownloadURL = srv.URL + "/pkg.zip"

	c := newTestClient(t, srv)
	_, err := c.installEntry(entry, false)
	assert.Error(t, err)
}

func TestInstallRefusesOverwriteWithoutForce(t *testing.T) {
	archive := buildSkillZip(t, map[string]string{"SKILL.md": "# x\n"})
	entry := RemoteEntry{Slug: "dup-skill", Version: "1.0.0", ChecksumSHA256: checksumOf(archive)}

	srv := newTestServer(t, map[string][]byte{"/pkg.zip": archive}, nil)
	defer srv.Close()
	entry.DownloadURL = srv.URL + "/pkg.zip"

	c := newTestClient(t, srv)
	_, err := c.installEntry(entry, false)
	require.NoError(t, err)

	_, err = c.installEntry(entry, false)
	assert.Error(t, err)

	result, err := c.installEntry(entry, true)
	require.NoError(t, err)
	assert.Equal(t, "dup-skill", result.Slug)
}

func TestSafeExtractZipRejectsPathTraversal(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("../../etc/evil")
	require.NoError(t, err)
	_, _ = w.Write([]byte("pwned"))
	require.NoError(t, zw.Close())

	dest := t.TempDir()
	err = safeExtractZip(buf.Bytes(), dest)
	assert.Error(t, err)
}

func TestSafeExtractZipRejectsAbsolutePaths(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("/etc/passwd")
	require.NoError(t, err)
	_, _ = w.Write([]byte("pwned"))
	require.NoError(t, zw.Close())

	dest := t.TempDir()
	err = safeExtractZip(buf.Bytes(), dest)
	assert.Error(t, err)
}

func TestVersionLessComparesNumericSegments(t *testing.T) {
	assert.True(t, versionLess("1.2.0", "1.10.0"))
	assert.False(t, versionLess("2.0.0", "1.9.9"))
	assert.True(t, versionLess("1.0.0", "1.0.1"))
	assert.False(t, versionLess("1.0.0", "1.0.0"))
}

func TestUpdateSkipsUpToDateSkills(t *testing.T) {
	archive := buildSkillZip(t, map[string]string{"SKILL.md": "# x\n"})
	checksum := checksumOf(archive)
	entry := RemoteEntry{Slug: "stable-skill", Version: "1.0.0", ChecksumSHA256: checksum}

	srv := newTestServer(t, map[string][]byte{"/pkg.zip": archive}, []RemoteEntry{entry})
	defer srv.Close()
	entry.DownloadURL = srv.URL + "/pkg.zip"
	// re-register index now that DownloadURL is known
	srv.Close()
	srv = newTestServer(t, map[string][]byte{"/pkg.zip": archive}, []RemoteEntry{entry})
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.installEntry(entry, false)
	require.NoError(t, err)

	report, err := c.Update(nil, false, false, false)
	require.NoError(t, err)
	require.Len(t, report.Skipped, 1)
	assert.Equal(t, "stable-skill", report.Skipped[0].Slug)
	assert.Empty(t, report.Updated)
}

func TestUpdateInstallsNewerVersion(t *testing.T) {
	oldArchive := buildSkillZip(t, map[string]string{"SKILL.md": "# v1\n"})
	newArchive := buildSkillZip(t, map[string]string{"SKILL.md": "# v2\n"})

	oldEntry := RemoteEntry{Slug: "growing-skill", Version: "1.0.0", ChecksumSHA256: checksumOf(oldArchive)}
	newEntry := RemoteEntry{Slug: "growing-skill", Version: "2.0.0", ChecksumSHA256: checksumOf(newArchive)}

	srv := newTestServer(t, map[string][]byte{
		"/old.zip": oldArchive,
		"/new.zip": newArchive,
	}, nil)
	defer srv.Close()
	oldEntry.DownloadURL = srv.URL + "/old.zip"
	newEntry.DownloadURL = srv.URL + "/new.zip"

	c := newTestClient(t, srv)
	_, err := c.installEntry(oldEntry, false)
	require.NoError(t, err)

	srv2 := newTestServer(t, map[string][]byte{"/new.zip": newArchive}, []RemoteEntry{newEntry})
	defer srv2.Close()
	c.cfg.IndexURL = srv2.URL + "/index.json"
	c.cfg.AllowedHosts = append(c.cfg.AllowedHosts, hostOf(srv2.Listener.Addr().String()))
	c.allowedHosts[hostOf(srv2.Listener.Addr().String())] = true

	report, err := c.Update(nil, false, false, false)
	require.NoError(t, err)
	require.Len(t, report.Updated, 1)
	assert.Equal(t, "2.0.0", report.Updated[0].Version)
}

func TestUpdateDryRunDoesNotWriteFiles(t *testing.T) {
	oldArchive := buildSkillZip(t, map[string]string{"SKILL.md": "# v1\n"})
	newArchive := buildSkillZip(t, map[string]string{"SKILL.md": "# v2\n"})

	oldEntry := RemoteEntry{Slug: "dry-run-skill", Version: "1.0.0", ChecksumSHA256: checksumOf(oldArchive)}
	newEntry := RemoteEntry{Slug: "dry-run-skill", Version: "2.0.0", ChecksumSHA256: checksumOf(newArchive)}

	srv := newTestServer(t, map[string][]byte{"/old.zip": oldArchive}, nil)
	defer srv.Close()
	oldEntry.DownloadURL = srv.URL + "/old.zip"

	c := newTestClient(t, srv)
	_, err := c.installEntry(oldEntry, false)
	require.NoError(t, err)

	srv2 := newTestServer(t, map[string][]byte{"/new.zip": newArchive}, []RemoteEntry{newEntry})
	defer srv2.Close()
	newEntry.DownloadURL = srv2.URL + "/new.zip"
	c.cfg.IndexURL = srv2.URL + "/index.json"
	c.allowedHosts[hostOf(srv2.Listener.Addr().String())] = true

	report, err := c.Update(nil, false, true, false)
	require.NoError(t, err)
	require.Len(t, report.Updated, 1)

	manifest := c.loadInstalledManifest()
	assert.Equal(t, "1.0.0", manifest.Skills["dry-run-skill"].Version)
}

func TestUpdateReportsMissingForUnknownSlug(t *testing.T) {
	srv := newTestServer(t, nil, nil)
	defer srv.Close()
	c := newTestClient(t, srv)

	report, err := c.Update([]string{"never-installed"}, false, false, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"never-installed"}, report.Missing)
}

func TestInstallRejectsSkillNotInRemoteIndex(t *testing.T) {
	srv := newTestServer(t, nil, []RemoteEntry{})
	defer srv.Close()
	c := newTestClient(t, srv)

	_, err := c.Install("missing-skill", false)
	assert.Error(t, err)
}
