package urlutil

import (
	"net/url"
	"strings"

	"github.com/j0hanz/fetch-url-mcp-sub000/internal/policy"
)

// Transformed is the result of a raw-URL rewrite attempt.
type Transformed struct {
	URL         string
	Platform    string // set when a rewrite applied ("github", "gist", ...)
	Transformed bool
}

// rewriter rewrites one hosting platform's "view" URLs to their
// raw-content equivalents. Returns false when the URL does not match the
// platform's view pattern (including when it is already a raw URL).
type rewriter struct {
	platform string
	rewrite  func(u *url.URL, host string) (string, bool)
}

var rewriters = []rewriter{
	{platform: "github", rewrite: rewriteGitHub},
	{platform: "gist", rewrite: rewriteGist},
	{platform: "gitlab", rewrite: rewriteGitLab},
	{platform: "bitbucket", rewrite: rewriteBitbucket},
}

// TransformToRaw rewrites well-known source-hosting "view" URLs to the URL
// that serves the file bytes directly. URLs that are already raw, fail to
// parse, or match no platform pass through unchanged. The rewrite is
// advisory: callers must still normalize and validate the result.
func TransformToRaw(raw string) Transformed {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return Transformed{URL: raw}
	}
	host := policy.CanonicalHost(u.Hostname())
	for _, r := range rewriters {
		if out, ok := r.rewrite(u, host); ok {
			return Transformed{URL: out, Platform: r.platform, Transformed: true}
		}
	}
	return Transformed{URL: raw}
}

// rewriteGitHub maps github.com/:owner/:repo/blob/:branch/:path+ to
// raw.githubusercontent.com/:owner/:repo/:branch/:path+.
func rewriteGitHub(u *url.URL, host string) (string, bool) {
	if host != "github.com" {
		return "", false
	}
	segs := pathSegments(u)
	if len(segs) < 5 || segs[2] != "blob" {
		return "", false
	}
	out := url.URL{
		Scheme: u.Scheme,
		Host:   "raw.githubusercontent.com",
		Path:   "/" + strings.Join(append(segs[:2:2], segs[3:]...), "/"),
	}
	return out.String(), true
}

// rewriteGist maps gist.github.com/:user/:id to
// gist.githubusercontent.com/:user/:id/raw, appending the file name when a
// #file-... fragment is present.
func rewriteGist(u *url.URL, host string) (string, bool) {
	if host != "gist.github.com" {
		return "", false
	}
	segs := pathSegments(u)
	if len(segs) != 2 || segs[0] == "" || segs[1] == "" {
		return "", false
	}
	path := "/" + segs[0] + "/" + segs[1] + "/raw"
	if file := strings.TrimPrefix(u.Fragment, "file-"); file != u.Fragment && file != "" {
		path += "/" + file
	}
	out := url.URL{Scheme: u.Scheme, Host: "gist.githubusercontent.com", Path: path}
	return out.String(), true
}

// rewriteGitLab maps .../-/blob/... to .../-/raw/... on gitlab.com and its
// subdomains, preserving the rest of the URL.
func rewriteGitLab(u *url.URL, host string) (string, bool) {
	if host != "gitlab.com" && !strings.HasSuffix(host, ".gitlab.com") {
		return "", false
	}
	if !strings.Contains(u.Path, "/-/blob/") {
		return "", false
	}
	out := *u
	out.Path = strings.Replace(u.Path, "/-/blob/", "/-/raw/", 1)
	out.RawPath = ""
	out.Fragment = ""
	return out.String(), true
}

// rewriteBitbucket maps bitbucket.org/:owner/:repo/src/... to the /raw/
// equivalent.
func rewriteBitbucket(u *url.URL, host string) (string, bool) {
	if host != "bitbucket.org" {
		return "", false
	}
	segs := pathSegments(u)
	if len(segs) < 5 || segs[2] != "src" {
		return "", false
	}
	segs[2] = "raw"
	out := *u
	out.Path = "/" + strings.Join(segs, "/")
	out.RawPath = ""
	out.Fragment = ""
	return out.String(), true
}

// pathSegments splits the URL path into non-empty segments.
func pathSegments(u *url.URL) []string {
	trimmed := strings.Trim(u.Path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
