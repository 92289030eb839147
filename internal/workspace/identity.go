package workspace

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"

	"compass-pipeline/internal/model"
)

// supportedHosts maps a code-hosting host to its platform
var supportedHosts = map[string]model.Platform{
	"github.com":                model.PlatformGitHub,
	"www.github.com":            model.PlatformGitHub,
	"raw.githubusercontent.com": model.PlatformGitHub,
	"gitee.com":                 model.PlatformGitee,
	"www.gitee.com":             model.PlatformGitee,
	"gitlab.com":                model.PlatformGitLab,
	"www.gitlab.com":            model.PlatformGitLab,
}

// UnsupportedOriginError is returned for urls that do not point at a
// supported code-hosting platform
type UnsupportedOriginError struct {
	URL    string
	Host   string
	Reason string
}

func (e *UnsupportedOriginError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("no support project from %q: %s", e.URL, e.Reason)
	}
	return fmt.Sprintf("no support project from %q", e.URL)
}

// PlatformForHost resolves a host to its platform
func PlatformForHost(host string) (model.Platform, bool) {
	p, ok := supportedHosts[strings.ToLower(host)]
	return p, ok
}

// CanonicalURL normalizes a repository url: scheme and host lower-cased,
// trailing slashes removed, query and fragment dropped. It does not check the
// host against the supported table.
func CanonicalURL(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, &UnsupportedOriginError{URL: raw, Reason: "empty url"}
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, &UnsupportedOriginError{URL: raw, Reason: err.Error()}
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, &UnsupportedOriginError{URL: raw, Host: u.Host, Reason: "scheme must be http or https"}
	}
	return &url.URL{
		Scheme: scheme,
		Host:   strings.ToLower(u.Host),
		Path:   strings.TrimRight(u.Path, "/"),
	}, nil
}

// DeriveIdentity turns a repository url into a Target. It performs no I/O and
// gives the same result for the same input.
func DeriveIdentity(raw string) (model.Target, error) {
	u, err := CanonicalURL(raw)
	if err != nil {
		return model.Target{}, err
	}
	platform, ok := PlatformForHost(u.Host)
	if !ok {
		return model.Target{}, &UnsupportedOriginError{URL: raw, Host: u.Host, Reason: "unsupported host"}
	}
	if strings.Trim(u.Path, "/") == "" {
		return model.Target{}, &UnsupportedOriginError{URL: raw, Host: u.Host, Reason: "missing repository path"}
	}

	canonical := u.String()
	return model.Target{
		URL:      canonical,
		Platform: platform,
		Key:      strings.ToLower(string(platform) + strings.ReplaceAll(u.Path, "/", "-")),
		Hash:     HashString(canonical),
	}, nil
}

// HashString returns the hex sha256 of s
func HashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
