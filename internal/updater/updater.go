// Package updater checks GitHub releases for a newer apdu-shell build and
// picks the release asset matching the running platform.
package updater

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/SimplyPrint/apdu-shell/internal/logging"
)

const (
	// GitHubReleasesURL lists the most recent releases, newest first.
	GitHubReleasesURL = "https://api.github.com/repos/SimplyPrint/apdu-shell/releases?per_page=20"
	CacheDuration     = 30 * time.Minute
	RequestTimeout    = 10 * time.Second
	UserAgent         = "apdu-shell-updater"
	// MaxReleaseNotesLength caps the notes returned with an UpdateInfo.
	MaxReleaseNotesLength = 500

	// binaryName prefixes every asset we publish.
	binaryName = "apdu-shell"
)

var (
	errRateLimited = errors.New("rate limited by GitHub API, try again later")
	errNoReleases  = errors.New("no releases found")
	errNoMatching  = errors.New("no apdu-shell releases found")
)

// releaseTagPattern matches shell release tags (v1.2.3) but not prefixed
// ones such as sdk-v1.2.3
var releaseTagPattern = regexp.MustCompile(`^v\d+\.\d+\.\d+`)

// Release is the subset of the GitHub release object we read.
type Release struct {
	TagName     string    `json:"tag_name"`
	Name        string    `json:"name"`
	Body        string    `json:"body"`
	HTMLURL     string    `json:"html_url"`
	PublishedAt time.Time `json:"published_at"`
	Draft       bool      `json:"draft"`
	Prerelease  bool      `json:"prerelease"`
	Assets      []Asset   `json:"assets"`
}

// Asset is one downloadable file of a release.
type Asset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
	Size               int64  `json:"size"`
}

// UpdateInfo is the result of a check, as served on /v1/updates.
type UpdateInfo struct {
	Available      bool       `json:"available"`
	CurrentVersion string     `json:"currentVersion"`
	LatestVersion  string     `json:"latestVersion,omitempty"`
	ReleaseURL     string     `json:"releaseUrl,omitempty"`
	ReleaseNotes   string     `json:"releaseNotes,omitempty"`
	PublishedAt    *time.Time `json:"publishedAt,omitempty"`
	DownloadURL    string     `json:"downloadUrl,omitempty"`
	AssetName      string     `json:"assetName,omitempty"`
	Platform       string     `json:"platform"`
	CheckedAt      time.Time  `json:"checkedAt"`
	Error          string     `json:"error,omitempty"`
	IsDev          bool       `json:"isDev"`
}

// Checker compares the running version with the published releases and
// caches the answer for CacheDuration.
type Checker struct {
	current     Version
	releasesURL string
	client      *http.Client
	goos        string
	goarch      string

	mu      sync.Mutex
	cached  *UpdateInfo
	expires time.Time
}

// NewChecker returns a Checker for the running build.
func NewChecker(currentVersion string) *Checker {
	return &Checker{
		current:     ParseVersion(currentVersion),
		releasesURL: GitHubReleasesURL,
		client:      &http.Client{Timeout: RequestTimeout},
		goos:        runtime.GOOS,
		goarch:      runtime.GOARCH,
	}
}

// Check returns the cached result unless it expired or forceRefresh is set.
// Failures are reported in UpdateInfo.Error, never as a nil result.
func (c *Checker) Check(forceRefresh bool) *UpdateInfo {
	c.mu.Lock()
	if !forceRefresh && c.cached != nil && time.Now().Before(c.expires) {
		result := *c.cached
		c.mu.Unlock()
		return &result
	}
	c.mu.Unlock()

	result := c.check()

	c.mu.Lock()
	c.cached = result
	c.expires = time.Now().Add(CacheDuration)
	c.mu.Unlock()

	copied := *result
	return &copied
}

// ClearCache forgets the last result.
func (c *Checker) ClearCache() {
	c.mu.Lock()
	c.cached = nil
	c.expires = time.Time{}
	c.mu.Unlock()
}

func (c *Checker) check() *UpdateInfo {
	info := &UpdateInfo{
		CurrentVersion: c.current.Raw,
		Platform:       c.goos + "/" + c.goarch,
		CheckedAt:      time.Now(),
		IsDev:          c.current.IsDev(),
	}

	releases, err := c.fetchReleases()
	if err != nil {
		info.Error = err.Error()
		logging.Debug(logging.CatSystem, "Update check failed", map[string]any{
			"error": info.Error,
		})
		return info
	}

	// pre-release builds also follow pre-releases
	release := latestRelease(releases, c.current.Pre != "")
	if release == nil {
		info.Error = errNoMatching.Error()
		return info
	}

	info.LatestVersion = release.TagName
	info.ReleaseURL = release.HTMLURL
	info.ReleaseNotes = truncateReleaseNotes(release.Body, MaxReleaseNotesLength)
	published := release.PublishedAt
	info.PublishedAt = &published
	// dev builds are usually ahead of the last tag
	info.Available = !info.IsDev && c.current.IsOlderThan(ParseVersion(release.TagName))

	if asset, ok := selectAsset(release.Assets, c.goos, c.goarch); ok {
		info.DownloadURL = asset.BrowserDownloadURL
		info.AssetName = asset.Name
	}

	logging.Debug(logging.CatSystem, "Update check finished", map[string]any{
		"current":   c.current.Raw,
		"latest":    release.TagName,
		"available": info.Available,
		"asset":     info.AssetName,
	})
	return info
}

func (c *Checker) fetchReleases() ([]Release, error) {
	req, err := http.NewRequest(http.MethodGet, c.releasesURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Accept", "application/vnd.github.v3+json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch release info: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusForbidden, http.StatusTooManyRequests:
		return nil, errRateLimited
	case http.StatusNotFound:
		return nil, errNoReleases
	default:
		return nil, fmt.Errorf("GitHub API returned status %d", resp.StatusCode)
	}

	var releases []Release
	if err := json.NewDecoder(resp.Body).Decode(&releases); err != nil {
		return nil, fmt.Errorf("failed to parse release info: %w", err)
	}
	return releases, nil
}

// latestRelease returns the highest published vX.Y.Z release. Drafts are
// skipped, and pre-releases unless withPre is set.
func latestRelease(releases []Release, withPre bool) *Release {
	var best *Release
	var bestVer Version
	for i := range releases {
		r := &releases[i]
		if r.Draft || (r.Prerelease && !withPre) || !releaseTagPattern.MatchString(r.TagName) {
			continue
		}
		v := ParseVersion(r.TagName)
		if best == nil || bestVer.IsOlderThan(v) {
			best, bestVer = r, v
		}
	}
	return best
}

// Asset kinds, in order of preference.
const (
	kindArchive = iota
	kindAltArchive
	kindBinary
)

// Signatures, checksums and installer packages we do not publish for this
// binary are never offered as the download.
var skippedSuffixes = []string{
	".txt", ".sig", ".asc", ".pem", ".sha256", ".sbom", ".json",
	".deb", ".rpm", ".dmg", ".pkg", ".msi",
}

// selectAsset picks the release asset for goos/goarch. Assets are named
// apdu-shell_<version>_<os>_<arch>.tar.gz (.zip on Windows) with a bare
// apdu-shell_<os>_<arch>[.exe] binary alongside; the archive is preferred.
func selectAsset(assets []Asset, goos, goarch string) (Asset, bool) {
	var best Asset
	bestRank := -1
	for _, a := range assets {
		rank := assetRank(a.Name, goos, goarch)
		if rank < 0 {
			continue
		}
		if bestRank < 0 || rank < bestRank {
			best, bestRank = a, rank
		}
	}
	return best, bestRank >= 0
}

// assetRank orders usable assets, lower is better; -1 means unusable.
func assetRank(name, goos, goarch string) int {
	lower := strings.ToLower(name)
	if !strings.HasPrefix(lower, binaryName+"_") && !strings.HasPrefix(lower, binaryName+"-") {
		return -1
	}
	for _, s := range skippedSuffixes {
		if strings.HasSuffix(lower, s) {
			return -1
		}
	}

	kind := kindBinary
	base := lower
	switch {
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		base = strings.TrimSuffix(strings.TrimSuffix(lower, ".tar.gz"), ".tgz")
		kind = kindArchive
		if goos == "windows" {
			kind = kindAltArchive
		}
	case strings.HasSuffix(lower, ".zip"):
		base = strings.TrimSuffix(lower, ".zip")
		kind = kindAltArchive
		if goos == "windows" {
			kind = kindArchive
		}
	case strings.HasSuffix(lower, ".exe"):
		if goos != "windows" {
			return -1
		}
		base = strings.TrimSuffix(lower, ".exe")
	}

	// x86_64 would otherwise split into two fields
	base = strings.ReplaceAll(base, "x86_64", "amd64")
	fields := strings.FieldsFunc(strings.TrimPrefix(base, binaryName), func(r rune) bool {
		return r == '_' || r == '-'
	})
	if !hasField(fields, osAliases(goos)) || !hasField(fields, archAliases(goos, goarch)) {
		return -1
	}
	return kind
}

func osAliases(goos string) []string {
	if goos == "darwin" {
		return []string{"darwin", "macos"}
	}
	return []string{goos}
}

func archAliases(goos, goarch string) []string {
	var aliases []string
	switch goarch {
	case "arm64":
		aliases = []string{"arm64", "aarch64"}
	case "386":
		aliases = []string{"386", "i386"}
	default:
		aliases = []string{goarch}
	}
	if goos == "darwin" {
		// universal binaries
		aliases = append(aliases, "all", "universal")
	}
	return aliases
}

func hasField(fields, want []string) bool {
	for _, f := range fields {
		for _, w := range want {
			if f == w {
				return true
			}
		}
	}
	return false
}

// truncateReleaseNotes truncates release notes to maxLen characters
func truncateReleaseNotes(notes string, maxLen int) string {
	notes = strings.TrimSpace(notes)
	if len(notes) <= maxLen {
		return notes
	}
	return notes[:maxLen] + "..."
}
