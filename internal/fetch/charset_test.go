package fetch_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/j0hanz/fetch-url-mcp-sub000/internal/fetch"
)

// --- ResolveEncoding ---

func TestResolveEncoding_BOM(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want string
	}{
		{"utf-8", []byte{0xef, 0xbb, 0xbf, 'h', 'i'}, "utf-8"},
		{"utf-16le", []byte{0xff, 0xfe, 'h', 0x00}, "utf-16le"},
		{"utf-16be", []byte{0xfe, 0xff, 0x00, 'h'}, "utf-16be"},
		{"utf-32le", []byte{0xff, 0xfe, 0x00, 0x00, 'h', 0x00, 0x00, 0x00}, "utf-32le"},
		{"utf-32be", []byte{0x00, 0x00, 0xfe, 0xff, 0x00, 0x00, 0x00, 'h'}, "utf-32be"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc := fetch.ResolveEncoding(tt.data, "")
			assert.Equal(t, tt.want, enc.Name)
			assert.Equal(t, "bom", enc.Source)
		})
	}
}

func TestResolveEncoding_BOMBeatsDeclared(t *testing.T) {
	data := []byte{0xef, 0xbb, 0xbf, 'h', 'i'}
	enc := fetch.ResolveEncoding(data, "utf-16le")
	assert.Equal(t, "utf-8", enc.Name)
	assert.Equal(t, "bom", enc.Source)
}

func TestResolveEncoding_DeclaredBeatsMeta(t *testing.T) {
	body := []byte(`<html><head><meta charset="shift_jis"></head></html>`)
	enc := fetch.ResolveEncoding(body, "utf-8")
	assert.Equal(t, "utf-8", enc.Name)
	assert.Equal(t, "declared", enc.Source)
}

func TestResolveEncoding_MetaCharset(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"double quoted", `<meta charset="shift_jis">`, "shift_jis"},
		{"single quoted", `<meta charset='euc-jp'>`, "euc-jp"},
		{"unquoted", `<meta charset=koi8-r>`, "koi8-r"},
		{"http-equiv", `<meta http-equiv="Content-Type" content="text/html; charset=iso-8859-2">`, "iso-8859-2"},
		{"xml declaration", `<?xml version="1.0" encoding="EUC-KR"?><root/>`, "euc-kr"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc := fetch.ResolveEncoding([]byte(tt.body), "")
			assert.Equal(t, tt.want, enc.Name)
			assert.Equal(t, "meta", enc.Source)
		})
	}
}

func TestResolveEncoding_MetaScanReachesBeyond1KiB(t *testing.T) {
	padding := strings.Repeat("<!-- padding -->", 200) // ~3.2 KiB
	body := []byte("<html><head>" + padding + `<meta charset="shift_jis"></head></html>`)
	enc := fetch.ResolveEncoding(body, "")
	assert.Equal(t, "shift_jis", enc.Name)
}

func TestResolveEncoding_MetaScanStopsAt8KiB(t *testing.T) {
	padding := strings.Repeat("x", 9000)
	body := []byte("<html>" + padding + `<meta charset="shift_jis"></html>`)
	enc := fetch.ResolveEncoding(body, "")
	assert.Equal(t, "utf-8", enc.Name)
	assert.Equal(t, "default", enc.Source)
}

func TestResolveEncoding_DefaultUTF8(t *testing.T) {
	enc := fetch.ResolveEncoding([]byte("plain text"), "")
	assert.Equal(t, "utf-8", enc.Name)
	assert.Equal(t, "default", enc.Source)

	// Unknown labels fall through to the default.
	enc = fetch.ResolveEncoding([]byte("plain text"), "bogus-charset")
	assert.Equal(t, "utf-8", enc.Name)
	assert.Equal(t, "default", enc.Source)
}

func TestTextEncoding_Wide(t *testing.T) {
	assert.True(t, fetch.ResolveEncoding([]byte{0xff, 0xfe, 'h', 0x00}, "").Wide())
	assert.True(t, fetch.ResolveEncoding(nil, "utf-16be").Wide())
	assert.False(t, fetch.ResolveEncoding(nil, "utf-8").Wide())
	assert.False(t, fetch.ResolveEncoding(nil, "iso-8859-2").Wide())
}

// --- DecodeText ---

func TestDecodeText_UTF8Passthrough(t *testing.T) {
	body := []byte("héllo wörld")
	enc := fetch.ResolveEncoding(body, "")
	assert.Equal(t, "héllo wörld", fetch.DecodeText(body, enc))
}

func TestDecodeText_StripsBOM(t *testing.T) {
	body := []byte{0xef, 0xbb, 0xbf, 'h', 'i'}
	enc := fetch.ResolveEncoding(body, "")
	assert.Equal(t, "hi", fetch.DecodeText(body, enc))
}

func TestDecodeText_UTF16LE(t *testing.T) {
	body := []byte{0xff, 0xfe, 'h', 0x00, 'i', 0x00}
	enc := fetch.ResolveEncoding(body, "")
	assert.Equal(t, "hi", fetch.DecodeText(body, enc))
}

func TestDecodeText_UTF32LE(t *testing.T) {
	body := []byte{0xff, 0xfe, 0x00, 0x00, 'h', 0x00, 0x00, 0x00, 'i', 0x00, 0x00, 0x00}
	enc := fetch.ResolveEncoding(body, "")
	assert.Equal(t, "hi", fetch.DecodeText(body, enc))
}

func TestDecodeText_Legacy8Bit(t *testing.T) {
	// 0xe9 is é in both ISO-8859-1 and its windows-1252 superset.
	body := []byte{'c', 'a', 'f', 0xe9}
	enc := fetch.ResolveEncoding(body, "iso-8859-1")
	assert.Equal(t, "café", fetch.DecodeText(body, enc))
}

func TestDecodeText_InvalidUTF8Replaced(t *testing.T) {
	body := []byte{'o', 'k', 0xff, 0xfe, 0xfd}
	enc := fetch.ResolveEncoding(nil, "utf-8")
	text := fetch.DecodeText(body, enc)
	assert.True(t, strings.HasPrefix(text, "ok"))
	assert.Contains(t, text, "�")
}
