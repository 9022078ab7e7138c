package urlutil_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/j0hanz/fetch-url-mcp-sub000/internal/urlutil"
)

// --- TransformToRaw: rewrites ---

func TestTransformToRaw_GitHubBlobToRaw(t *testing.T) {
	got := urlutil.TransformToRaw("https://github.com/golang/go/blob/master/src/net/http/client.go")
	assert.True(t, got.Transformed)
	assert.Equal(t, "github", got.Platform)
	assert.Equal(t, "https://raw.githubusercontent.com/golang/go/master/src/net/http/client.go", got.URL)
}

func TestTransformToRaw_GistWithAndWithoutFileFragment(t *testing.T) {
	got := urlutil.TransformToRaw("https://gist.github.com/someone/abc123")
	assert.True(t, got.Transformed)
	assert.Equal(t, "gist", got.Platform)
	assert.Equal(t, "https://gist.githubusercontent.com/someone/abc123/raw", got.URL)

	got = urlutil.TransformToRaw("https://gist.github.com/someone/abc123#file-notes-md")
	assert.True(t, got.Transformed)
	assert.Equal(t, "https://gist.githubusercontent.com/someone/abc123/raw/notes-md", got.URL)
}

func TestTransformToRaw_GitLabBlobToRaw(t *testing.T) {
	got := urlutil.TransformToRaw("https://gitlab.com/group/subgroup/project/-/blob/main/README.md")
	assert.True(t, got.Transformed)
	assert.Equal(t, "gitlab", got.Platform)
	assert.Equal(t, "https://gitlab.com/group/subgroup/project/-/raw/main/README.md", got.URL)

	// Subdomain hosts rewrite on the same origin.
	got = urlutil.TransformToRaw("https://foo.gitlab.com/g/p/-/blob/main/a.txt")
	assert.True(t, got.Transformed)
	assert.Equal(t, "https://foo.gitlab.com/g/p/-/raw/main/a.txt", got.URL)
}

func TestTransformToRaw_BitbucketSrcToRaw(t *testing.T) {
	got := urlutil.TransformToRaw("https://bitbucket.org/owner/repo/src/main/setup.py")
	assert.True(t, got.Transformed)
	assert.Equal(t, "bitbucket", got.Platform)
	assert.Equal(t, "https://bitbucket.org/owner/repo/raw/main/setup.py", got.URL)
}

// --- TransformToRaw: pass-through ---

func TestTransformToRaw_AlreadyRawPassesThrough(t *testing.T) {
	inputs := []string{
		"https://raw.githubusercontent.com/golang/go/master/README.md",
		"https://gist.githubusercontent.com/someone/abc123/raw",
		"https://gitlab.com/g/p/-/raw/main/a.txt",
		"https://bitbucket.org/owner/repo/raw/main/setup.py",
	}
	for _, input := range inputs {
		got := urlutil.TransformToRaw(input)
		assert.False(t, got.Transformed, "input %q", input)
		assert.Equal(t, input, got.URL, "input %q", input)
	}
}

func TestTransformToRaw_UnmatchedURLsPassThrough(t *testing.T) {
	inputs := []string{
		"https://example.com/github.com/owner/repo/blob/main/x",
		"https://github.com/golang/go",
		"https://github.com/golang/go/tree/master",
		"https://gist.github.com/someone",
		"https://bitbucket.org/owner/repo/src/main",
		"not a url",
		"",
	}
	for _, input := range inputs {
		got := urlutil.TransformToRaw(input)
		assert.False(t, got.Transformed, "input %q", input)
		assert.Equal(t, input, got.URL, "input %q", input)
	}
}

func TestTransformToRaw_IsIdempotent(t *testing.T) {
	inputs := []string{
		"https://github.com/golang/go/blob/master/README.md",
		"https://gist.github.com/someone/abc123#file-notes-md",
		"https://gitlab.com/g/p/-/blob/main/a.txt",
		"https://bitbucket.org/owner/repo/src/main/setup.py",
		"https://example.com/plain",
	}
	for _, input := range inputs {
		first := urlutil.TransformToRaw(input)
		second := urlutil.TransformToRaw(first.URL)
		assert.False(t, second.Transformed, "input %q", input)
		assert.Equal(t, first.URL, second.URL, "input %q", input)
	}
}
