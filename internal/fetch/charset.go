package fetch

import (
	"bytes"
	"regexp"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode/utf32"
)

// metaScanLimit bounds the <meta charset> / XML declaration scan.
const metaScanLimit = 8192

// Byte-order marks, longest first so UTF-32LE is not misread as UTF-16LE.
var boms = []struct {
	mark  []byte
	label string
}{
	{[]byte{0xff, 0xfe, 0x00, 0x00}, "utf-32le"},
	{[]byte{0x00, 0x00, 0xfe, 0xff}, "utf-32be"},
	{[]byte{0xef, 0xbb, 0xbf}, "utf-8"},
	{[]byte{0xff, 0xfe}, "utf-16le"},
	{[]byte{0xfe, 0xff}, "utf-16be"},
}

var (
	metaCharsetPattern = regexp.MustCompile(`(?i)<meta[^>]+charset\s*=\s*["']?([a-zA-Z0-9][a-zA-Z0-9._-]*)`)
	xmlEncodingPattern = regexp.MustCompile(`(?i)<\?xml[^>]+encoding\s*=\s*["']([a-zA-Z0-9][a-zA-Z0-9._-]*)["']`)
)

// TextEncoding is the resolved character encoding of a response body.
type TextEncoding struct {
	Name   string // canonical label, e.g. "utf-8", "utf-16le"
	Source string // "bom", "declared", "meta" or "default"

	enc    encoding.Encoding
	bomLen int
}

// Wide reports whether the encoding uses code units wider than one byte,
// which makes NUL bytes legitimate in text.
func (e TextEncoding) Wide() bool {
	return strings.HasPrefix(e.Name, "utf-16") || strings.HasPrefix(e.Name, "utf-32")
}

// ResolveEncoding determines the effective encoding for body with the
// precedence BOM, declared charset, meta/XML declaration, UTF-8.
func ResolveEncoding(body []byte, declared string) TextEncoding {
	for _, b := range boms {
		if bytes.HasPrefix(body, b.mark) {
			if enc, name, ok := lookupEncoding(b.label); ok {
				return TextEncoding{Name: name, Source: "bom", enc: enc, bomLen: len(b.mark)}
			}
		}
	}
	if enc, name, ok := lookupEncoding(declared); ok {
		return TextEncoding{Name: name, Source: "declared", enc: enc}
	}
	if label := scanMetaCharset(body); label != "" {
		if enc, name, ok := lookupEncoding(label); ok {
			return TextEncoding{Name: name, Source: "meta", enc: enc}
		}
	}
	enc, name, _ := lookupEncoding("utf-8")
	return TextEncoding{Name: name, Source: "default", enc: enc}
}

// DecodeText converts body to UTF-8 using enc, stripping any BOM.
// Malformed sequences decode to U+FFFD; a decoder failure falls back to
// the raw bytes scrubbed to valid UTF-8.
func DecodeText(body []byte, enc TextEncoding) string {
	if enc.bomLen > 0 && len(body) >= enc.bomLen {
		body = body[enc.bomLen:]
	}
	if enc.enc != nil {
		if out, err := enc.enc.NewDecoder().Bytes(body); err == nil {
			return string(out)
		}
	}
	return strings.ToValidUTF8(string(body), "�")
}

// lookupEncoding resolves a charset label to its encoding and canonical
// name. UTF-32 is handled directly; the HTML encoding index does not
// carry it.
func lookupEncoding(label string) (encoding.Encoding, string, bool) {
	label = strings.ToLower(strings.TrimSpace(label))
	if label == "" {
		return nil, "", false
	}
	switch label {
	case "utf-32", "utf-32le":
		return utf32.UTF32(utf32.LittleEndian, utf32.IgnoreBOM), "utf-32le", true
	case "utf-32be":
		return utf32.UTF32(utf32.BigEndian, utf32.IgnoreBOM), "utf-32be", true
	}
	enc, err := htmlindex.Get(label)
	if err != nil {
		return nil, "", false
	}
	name, err := htmlindex.Name(enc)
	if err != nil {
		return enc, label, true
	}
	return enc, name, true
}

func scanMetaCharset(body []byte) string {
	probe := body
	if len(probe) > metaScanLimit {
		probe = probe[:metaScanLimit]
	}
	if m := xmlEncodingPattern.FindSubmatch(probe); m != nil {
		return string(m[1])
	}
	if m := metaCharsetPattern.FindSubmatch(probe); m != nil {
		return string(m[1])
	}
	return ""
}
