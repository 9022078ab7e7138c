package fetch_test

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/j0hanz/fetch-url-mcp-sub000/internal/fetch"
)

const testURL = "https://example.com/page"

func newResponse(body []byte, header http.Header) *http.Response {
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     header,
		Body:       io.NopCloser(bytes.NewReader(body)),
	}
}

func headerWith(kv ...string) http.Header {
	h := http.Header{}
	for i := 0; i+1 < len(kv); i += 2 {
		h.Set(kv[i], kv[i+1])
	}
	return h
}

func gzipBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	_, err := w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func zlibBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	_, err := w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func flateBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func brotliBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := brotli.NewWriter(&buf)
	_, err := w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

// --- content-type gate ---

func TestCheckContentType(t *testing.T) {
	allowed := []string{
		"",
		"text/html",
		"text/html; charset=utf-8",
		"text/plain",
		"application/json",
		"application/xhtml+xml",
		"application/vnd.api+json",
		"application/atom+xml",
		"application/x-yaml",
		"image/svg+xml",
	}
	for _, ct := range allowed {
		assert.NoError(t, fetch.CheckContentType(testURL, ct), "content type %q", ct)
	}

	rejected := []string{
		"image/png",
		"application/octet-stream",
		"application/pdf",
		"audio/mpeg",
		"video/mp4",
	}
	for _, ct := range rejected {
		err := fetch.CheckContentType(testURL, ct)
		require.Error(t, err, "content type %q", ct)
		fe := asFetchError(t, err)
		assert.Equal(t, http.StatusUnsupportedMediaType, fe.StatusCode)
	}
}

func asFetchError(t *testing.T, err error) *fetch.Error {
	t.Helper()
	var fe *fetch.Error
	require.ErrorAs(t, err, &fe)
	return fe
}

// --- size cap ---

func TestReadBuffer_TruncatesAtMaxBytes(t *testing.T) {
	body := bytes.Repeat([]byte{'a'}, 150)
	resp := newResponse(body, headerWith("Content-Type", "text/plain"))

	got, err := fetch.ReadBuffer(context.Background(), resp, testURL, fetch.ReadOptions{MaxBytes: 100})
	require.NoError(t, err)
	assert.Len(t, got.Buffer, 100)
	assert.True(t, got.Truncated)
	assert.Equal(t, 100, got.Size)
}

func TestReadBuffer_ExactSizeNotTruncated(t *testing.T) {
	body := bytes.Repeat([]byte{'a'}, 100)
	resp := newResponse(body, headerWith("Content-Type", "text/plain"))

	got, err := fetch.ReadBuffer(context.Background(), resp, testURL, fetch.ReadOptions{MaxBytes: 100})
	require.NoError(t, err)
	assert.Len(t, got.Buffer, 100)
	assert.False(t, got.Truncated)
}

func TestReadBuffer_ZeroMaxBytesMeansUnlimited(t *testing.T) {
	body := bytes.Repeat([]byte{'a'}, 64*1024)
	resp := newResponse(body, headerWith("Content-Type", "text/plain"))

	got, err := fetch.ReadBuffer(context.Background(), resp, testURL, fetch.ReadOptions{})
	require.NoError(t, err)
	assert.Len(t, got.Buffer, 64*1024)
	assert.False(t, got.Truncated)
}

// --- content-encoding ---

func TestReadBuffer_Gzip(t *testing.T) {
	payload := []byte("hello compressed world")
	resp := newResponse(gzipBytes(t, payload), headerWith(
		"Content-Type", "text/plain",
		"Content-Encoding", "gzip",
	))

	got, err := fetch.ReadBuffer(context.Background(), resp, testURL, fetch.ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, payload, got.Buffer)
}

func TestReadBuffer_DeflateZlibFramed(t *testing.T) {
	payload := []byte("zlib framed deflate payload")
	resp := newResponse(zlibBytes(t, payload), headerWith(
		"Content-Type", "text/plain",
		"Content-Encoding", "deflate",
	))

	got, err := fetch.ReadBuffer(context.Background(), resp, testURL, fetch.ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, payload, got.Buffer)
}

func TestReadBuffer_DeflateRawStream(t *testing.T) {
	payload := []byte("bare deflate stream payload")
	resp := newResponse(flateBytes(t, payload), headerWith(
		"Content-Type", "text/plain",
		"Content-Encoding", "deflate",
	))

	got, err := fetch.ReadBuffer(context.Background(), resp, testURL, fetch.ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, payload, got.Buffer)
}

func TestReadBuffer_Brotli(t *testing.T) {
	payload := []byte("brotli compressed payload")
	resp := newResponse(brotliBytes(t, payload), headerWith(
		"Content-Type", "text/plain",
		"Content-Encoding", "br",
	))

	got, err := fetch.ReadBuffer(context.Background(), resp, testURL, fetch.ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, payload, got.Buffer)
}

func TestReadBuffer_ChainedEncodings(t *testing.T) {
	// "gzip, br" means gzip was applied first, so the wire carries
	// br(gzip(payload)) and decoding unwraps br before gzip.
	payload := []byte("chained encoding payload")
	wire := brotliBytes(t, gzipBytes(t, payload))
	resp := newResponse(wire, headerWith(
		"Content-Type", "text/plain",
		"Content-Encoding", "gzip, br",
	))

	got, err := fetch.ReadBuffer(context.Background(), resp, testURL, fetch.ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, payload, got.Buffer)
}

func TestReadBuffer_IdentityIgnored(t *testing.T) {
	payload := []byte("no transform")
	resp := newResponse(payload, headerWith(
		"Content-Type", "text/plain",
		"Content-Encoding", "identity",
	))

	got, err := fetch.ReadBuffer(context.Background(), resp, testURL, fetch.ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, payload, got.Buffer)
}

func TestReadBuffer_UnsupportedEncodingRejected(t *testing.T) {
	for _, header := range []string{"zstd", "gzip, zstd", "compress"} {
		resp := newResponse([]byte("x"), headerWith(
			"Content-Type", "text/plain",
			"Content-Encoding", header,
		))
		_, err := fetch.ReadBuffer(context.Background(), resp, testURL, fetch.ReadOptions{})
		fe := asFetchError(t, err)
		assert.Equal(t, fetch.CodeUnsupportedEncoding, fe.Code, "header %q", header)
		assert.Equal(t, http.StatusUnsupportedMediaType, fe.StatusCode)
	}
}

func TestReadBuffer_DecodeFailureFallsBackToRawBody(t *testing.T) {
	payload := []byte("just plain text, despite the header")
	resp := newResponse(payload, headerWith(
		"Content-Type", "text/plain",
		"Content-Encoding", "gzip",
	))

	got, err := fetch.ReadBuffer(context.Background(), resp, testURL, fetch.ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, payload, got.Buffer)
}

func TestReadBuffer_CapAppliesToDecodedBytes(t *testing.T) {
	payload := bytes.Repeat([]byte{'a'}, 200)
	resp := newResponse(gzipBytes(t, payload), headerWith(
		"Content-Type", "text/plain",
		"Content-Encoding", "gzip",
	))

	got, err := fetch.ReadBuffer(context.Background(), resp, testURL, fetch.ReadOptions{MaxBytes: 100})
	require.NoError(t, err)
	assert.Len(t, got.Buffer, 100)
	assert.True(t, got.Truncated)
}

// --- binary detection ---

func TestReadBuffer_RejectsBinaryContent(t *testing.T) {
	resp := newResponse([]byte("%PDF-1.4 binary payload"), headerWith("Content-Type", "text/plain"))

	_, err := fetch.ReadBuffer(context.Background(), resp, testURL, fetch.ReadOptions{})
	fe := asFetchError(t, err)
	assert.Equal(t, fetch.CodeBinaryContent, fe.Code)
	assert.Equal(t, http.StatusInternalServerError, fe.StatusCode)
}

func TestReadBuffer_RejectsNULBytes(t *testing.T) {
	resp := newResponse([]byte("text\x00with nul"), headerWith("Content-Type", "text/plain"))

	_, err := fetch.ReadBuffer(context.Background(), resp, testURL, fetch.ReadOptions{})
	fe := asFetchError(t, err)
	assert.Equal(t, fetch.CodeBinaryContent, fe.Code)
}

func TestReadBuffer_UTF16NULsAllowed(t *testing.T) {
	body := []byte{0xff, 0xfe, 'h', 0x00, 'i', 0x00}
	resp := newResponse(body, headerWith("Content-Type", "text/html"))

	got, err := fetch.ReadBuffer(context.Background(), resp, testURL, fetch.ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, "utf-16le", got.Encoding.Name)
}

// --- Read ---

func TestRead_DecodesCharsetFromContentType(t *testing.T) {
	body := []byte{'c', 'a', 'f', 0xe9}
	resp := newResponse(body, headerWith("Content-Type", "text/html; charset=iso-8859-1"))

	got, err := fetch.Read(context.Background(), resp, testURL, fetch.ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, "café", got.Text)
	assert.Equal(t, 4, got.Size)
}

func TestRead_UTF16Body(t *testing.T) {
	body := []byte{0xff, 0xfe, 'h', 0x00, 'i', 0x00}
	resp := newResponse(body, headerWith("Content-Type", "text/html"))

	got, err := fetch.Read(context.Background(), resp, testURL, fetch.ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, "hi", got.Text)
	assert.Equal(t, "utf-16le", got.Encoding)
	assert.Equal(t, 6, got.Size)
}

func TestRead_DeclaredCharsetOverridesHeader(t *testing.T) {
	body := []byte{'c', 'a', 'f', 0xe9}
	resp := newResponse(body, headerWith("Content-Type", "text/html; charset=utf-8"))

	got, err := fetch.Read(context.Background(), resp, testURL, fetch.ReadOptions{DeclaredCharset: "iso-8859-1"})
	require.NoError(t, err)
	assert.Equal(t, "café", got.Text)
}

// --- cancellation ---

type errReader struct{ err error }

func (e errReader) Read([]byte) (int, error) { return 0, e.err }

func TestReadBuffer_AbortSurfacesAs499(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	resp := &http.Response{
		StatusCode: http.StatusOK,
		Header:     headerWith("Content-Type", "text/plain"),
		Body:       io.NopCloser(errReader{err: errors.New("read aborted")}),
	}
	_, err := fetch.ReadBuffer(ctx, resp, testURL, fetch.ReadOptions{})
	fe := asFetchError(t, err)
	assert.Equal(t, fetch.KindAborted, fe.Kind)
	assert.Equal(t, fetch.StatusClientClosedRequest, fe.StatusCode)
}

func TestRead_TruncatedHTML(t *testing.T) {
	page := "<html><body>" + strings.Repeat("content ", 50) + "</body></html>"
	resp := newResponse([]byte(page), headerWith("Content-Type", "text/html"))

	got, err := fetch.Read(context.Background(), resp, testURL, fetch.ReadOptions{MaxBytes: 64})
	require.NoError(t, err)
	assert.True(t, got.Truncated)
	assert.Len(t, got.Text, 64)
}
