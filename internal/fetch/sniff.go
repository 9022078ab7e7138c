package fetch

import "bytes"

// nulProbeLen bounds the NUL-byte scan applied when no signature matches.
const nulProbeLen = 1000

// signature is a byte-prefix match at a fixed offset in the body.
type signature struct {
	name   string
	offset int
	prefix []byte
}

var binarySignatures = []signature{
	{name: "pdf", prefix: []byte("%PDF")},
	{name: "png", prefix: []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}},
	{name: "gif", prefix: []byte("GIF8")},
	{name: "jpeg", prefix: []byte{0xff, 0xd8, 0xff}},
	{name: "riff", prefix: []byte("RIFF")},
	{name: "bmp", prefix: []byte("BM")},
	{name: "tiff", prefix: []byte{0x49, 0x49, 0x2a, 0x00}},
	{name: "tiff", prefix: []byte{0x4d, 0x4d, 0x00, 0x2a}},
	{name: "ico", prefix: []byte{0x00, 0x00, 0x01, 0x00}},
	{name: "zip", prefix: []byte{'P', 'K', 0x03, 0x04}},
	{name: "zip", prefix: []byte{'P', 'K', 0x05, 0x06}},
	{name: "zip", prefix: []byte{'P', 'K', 0x07, 0x08}},
	{name: "gzip", prefix: []byte{0x1f, 0x8b}},
	{name: "bzip2", prefix: []byte("BZh")},
	{name: "rar", prefix: []byte{'R', 'a', 'r', '!', 0x1a, 0x07}},
	{name: "7z", prefix: []byte{'7', 'z', 0xbc, 0xaf, 0x27, 0x1c}},
	{name: "elf", prefix: []byte{0x7f, 'E', 'L', 'F'}},
	{name: "pe", prefix: []byte("MZ")},
	{name: "macho", prefix: []byte{0xfe, 0xed, 0xfa, 0xce}},
	{name: "macho", prefix: []byte{0xfe, 0xed, 0xfa, 0xcf}},
	{name: "macho", prefix: []byte{0xce, 0xfa, 0xed, 0xfe}},
	{name: "macho", prefix: []byte{0xcf, 0xfa, 0xed, 0xfe}},
	{name: "macho", prefix: []byte{0xca, 0xfe, 0xba, 0xbe}},
	{name: "wasm", prefix: []byte{0x00, 'a', 's', 'm'}},
	{name: "matroska", prefix: []byte{0x1a, 0x45, 0xdf, 0xa3}},
	{name: "mp4", offset: 4, prefix: []byte("ftyp")},
	{name: "flv", prefix: []byte{'F', 'L', 'V', 0x01}},
	{name: "mp3", prefix: []byte("ID3")},
	{name: "mp3", prefix: []byte{0xff, 0xfb}},
	{name: "mp3", prefix: []byte{0xff, 0xf3}},
	{name: "mp3", prefix: []byte{0xff, 0xf2}},
	{name: "ogg", prefix: []byte("OggS")},
	{name: "flac", prefix: []byte("fLaC")},
	{name: "midi", prefix: []byte("MThd")},
	{name: "woff", prefix: []byte("wOFF")},
	{name: "woff2", prefix: []byte("wOF2")},
	{name: "ttf", prefix: []byte{0x00, 0x01, 0x00, 0x00}},
	{name: "otf", prefix: []byte("OTTO")},
	{name: "sqlite", prefix: []byte("SQLite format 3\x00")},
}

// MatchBinarySignature returns the name of the first signature matching
// the start of data.
func MatchBinarySignature(data []byte) (string, bool) {
	for _, sig := range binarySignatures {
		end := sig.offset + len(sig.prefix)
		if len(data) >= end && bytes.Equal(data[sig.offset:end], sig.prefix) {
			return sig.name, true
		}
	}
	return "", false
}

// LooksBinary classifies data using the signature table, falling back to
// a NUL-byte probe over the first bytes. wideText disables the probe:
// UTF-16/UTF-32 text carries NUL bytes legitimately.
func LooksBinary(data []byte, wideText bool) bool {
	if _, ok := MatchBinarySignature(data); ok {
		return true
	}
	if wideText {
		return false
	}
	probe := data
	if len(probe) > nulProbeLen {
		probe = probe[:nulProbeLen]
	}
	return bytes.IndexByte(probe, 0) >= 0
}
