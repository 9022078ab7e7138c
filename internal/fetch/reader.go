package fetch

import (
	"bufio"
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"context"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
)

// ReadOptions control how a response body is consumed.
type ReadOptions struct {
	MaxBytes        int64  // decoded byte cap; <= 0 means unlimited
	DeclaredCharset string // overrides the Content-Type charset parameter
}

// BufferResult is the undecoded outcome of ReadBuffer.
type BufferResult struct {
	Buffer    []byte
	Encoding  TextEncoding
	Size      int
	Truncated bool
}

// ReadResult is the decoded outcome of Read.
type ReadResult struct {
	Text      string
	Encoding  string
	Size      int
	Truncated bool
}

// textLikeTypes whitelists non-text/* media types that still carry text.
var textLikeTypes = map[string]struct{}{
	"application/json":         {},
	"application/ld+json":      {},
	"application/xml":          {},
	"application/xhtml+xml":    {},
	"application/javascript":   {},
	"application/ecmascript":   {},
	"application/x-javascript": {},
	"application/x-yaml":       {},
	"application/yaml":         {},
	"application/markdown":     {},
}

var textLikeSuffixes = []string{"+json", "+xml", "+yaml", "+text", "+markdown"}

// TextLikeContentType reports whether mediaType may carry textual content.
func TextLikeContentType(mediaType string) bool {
	if strings.HasPrefix(mediaType, "text/") {
		return true
	}
	if _, ok := textLikeTypes[mediaType]; ok {
		return true
	}
	for _, suffix := range textLikeSuffixes {
		if strings.HasSuffix(mediaType, suffix) {
			return true
		}
	}
	return false
}

// CheckContentType rejects responses whose declared media type is not
// text-like. A missing Content-Type passes; binary sniffing covers the
// worst cases.
func CheckContentType(rawURL, contentType string) error {
	mediaType := normalizeMediaType(contentType)
	if mediaType == "" || TextLikeContentType(mediaType) {
		return nil
	}
	return UnsupportedContentType(rawURL, mediaType)
}

// Read drains resp.Body under opts and decodes it to UTF-8 text.
func Read(ctx context.Context, resp *http.Response, rawURL string, opts ReadOptions) (ReadResult, error) {
	buf, err := ReadBuffer(ctx, resp, rawURL, opts)
	if err != nil {
		return ReadResult{}, err
	}
	return ReadResult{
		Text:      DecodeText(buf.Buffer, buf.Encoding),
		Encoding:  buf.Encoding.Name,
		Size:      buf.Size,
		Truncated: buf.Truncated,
	}, nil
}

// ReadBuffer drains resp.Body under opts, applying the content-type gate,
// the content-encoding chain, the byte cap and binary detection. The body
// is always closed.
func ReadBuffer(ctx context.Context, resp *http.Response, rawURL string, opts ReadOptions) (BufferResult, error) {
	defer resp.Body.Close()

	contentType := resp.Header.Get("Content-Type")
	if err := CheckContentType(rawURL, contentType); err != nil {
		return BufferResult{}, err
	}
	tokens, err := parseContentEncodings(rawURL, resp.Header.Get("Content-Encoding"))
	if err != nil {
		return BufferResult{}, err
	}

	data, truncated, err := drainBody(ctx, resp.Body, tokens, rawURL, opts.MaxBytes)
	if err != nil {
		return BufferResult{}, err
	}

	declared := opts.DeclaredCharset
	if declared == "" {
		declared = charsetParam(contentType)
	}
	enc := ResolveEncoding(data, declared)
	if LooksBinary(data, enc.Wide()) {
		return BufferResult{}, BinaryContent(rawURL)
	}
	return BufferResult{Buffer: data, Encoding: enc, Size: len(data), Truncated: truncated}, nil
}

// parseContentEncodings splits a Content-Encoding header into its applied
// tokens, dropping identity. Any token outside gzip/deflate/br rejects
// the response.
func parseContentEncodings(rawURL, header string) ([]string, error) {
	if header == "" {
		return nil, nil
	}
	var tokens []string
	for _, raw := range strings.Split(header, ",") {
		token := strings.ToLower(strings.TrimSpace(raw))
		if token == "" || token == "identity" {
			continue
		}
		switch token {
		case "gzip", "deflate", "br":
			tokens = append(tokens, token)
		default:
			return nil, UnsupportedEncoding(rawURL, token)
		}
	}
	return tokens, nil
}

// drainBody consumes body through the content-encoding chain, capping the
// decoded output at maxBytes. The raw bytes are teed aside so a failing
// decompressor falls back to serving the undecoded body; caller aborts
// are never masked by the fallback.
func drainBody(ctx context.Context, body io.Reader, tokens []string, rawURL string, maxBytes int64) ([]byte, bool, error) {
	if len(tokens) == 0 {
		return capRead(ctx, body, rawURL, maxBytes)
	}

	var raw bytes.Buffer
	decoded, err := newDecodeChain(io.TeeReader(body, &raw), tokens)
	if err == nil {
		data, truncated, rerr := capRead(ctx, decoded, rawURL, maxBytes)
		if rerr == nil {
			return data, truncated, nil
		}
		var fe *Error
		if errors.As(rerr, &fe) && fe.Kind == KindAborted {
			return nil, false, rerr
		}
	}

	slog.WarnContext(ctx, "content decode failed, serving undecoded body",
		"url", RedactURL(rawURL), "encodings", tokens)
	rest := io.MultiReader(bytes.NewReader(raw.Bytes()), body)
	return capRead(ctx, rest, rawURL, maxBytes)
}

// newDecodeChain wraps r with one decompressor per token. Tokens are
// listed in application order, so the chain is built in reverse.
func newDecodeChain(r io.Reader, tokens []string) (io.Reader, error) {
	for i := len(tokens) - 1; i >= 0; i-- {
		switch tokens[i] {
		case "gzip":
			gz, err := gzip.NewReader(r)
			if err != nil {
				return nil, err
			}
			r = gz
		case "deflate":
			dr, err := newDeflateReader(r)
			if err != nil {
				return nil, err
			}
			r = dr
		case "br":
			r = brotli.NewReader(r)
		}
	}
	return r, nil
}

// newDeflateReader handles both the RFC 1950 zlib framing and the bare
// RFC 1951 stream some servers send for Content-Encoding: deflate.
func newDeflateReader(r io.Reader) (io.Reader, error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(2)
	if err == nil && len(head) == 2 && looksZlib(head) {
		return zlib.NewReader(br)
	}
	return flate.NewReader(br), nil
}

func looksZlib(head []byte) bool {
	// CMF low nibble 8 = deflate; CMF/FLG as a big-endian value is a
	// multiple of 31.
	return head[0]&0x0f == 8 && (uint16(head[0])<<8|uint16(head[1]))%31 == 0
}

// capRead drains r into memory, stopping at maxBytes with truncated=true.
// maxBytes <= 0 reads the whole stream.
func capRead(ctx context.Context, r io.Reader, rawURL string, maxBytes int64) ([]byte, bool, error) {
	var buf bytes.Buffer
	if maxBytes <= 0 {
		if _, err := io.Copy(&buf, r); err != nil {
			return nil, false, readError(ctx, rawURL, err)
		}
		return buf.Bytes(), false, nil
	}
	n, err := io.Copy(&buf, io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, false, readError(ctx, rawURL, err)
	}
	if n > maxBytes {
		return buf.Bytes()[:maxBytes], true, nil
	}
	return buf.Bytes(), false, nil
}

func readError(ctx context.Context, rawURL string, err error) error {
	if ctx.Err() != nil {
		return Aborted(rawURL)
	}
	return Classify(rawURL, err)
}

func normalizeMediaType(contentType string) string {
	contentType = strings.TrimSpace(contentType)
	if contentType == "" {
		return ""
	}
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		return mediaType
	}
	mediaType, _, _ := strings.Cut(contentType, ";")
	return strings.ToLower(strings.TrimSpace(mediaType))
}

func charsetParam(contentType string) string {
	if contentType == "" {
		return ""
	}
	if _, params, err := mime.ParseMediaType(contentType); err == nil {
		return params["charset"]
	}
	return ""
}
