// Copyright 2026 The Proxycap Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package capture

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// BinaryMarker prefixes base64-encoded binary payloads in storage. The
// same single nullable text column carries request, response and frame
// bodies, so the marker is the only type tag.
const BinaryMarker = "[BINARY:base64]"

// BodyPayload is a captured body: UTF-8 text, or BinaryMarker followed by
// base64. The empty string is the absent value.
type BodyPayload string

// TextPayload builds a payload from already-decoded text.
func TextPayload(s string) BodyPayload { return BodyPayload(s) }

// BinaryPayload builds a payload from raw bytes.
func BinaryPayload(b []byte) BodyPayload {
	if len(b) == 0 {
		return ""
	}
	return BodyPayload(BinaryMarker + base64.StdEncoding.EncodeToString(b))
}

// Present reports whether the payload carries a value.
func (bp BodyPayload) Present() bool { return bp != "" }

// IsBinary reports whether the payload is marker-prefixed base64.
func (bp BodyPayload) IsBinary() bool {
	return strings.HasPrefix(string(bp), BinaryMarker)
}

// Bytes returns the decoded payload bytes: base64-decoded for binary
// payloads, raw UTF-8 for text.
func (bp BodyPayload) Bytes() ([]byte, error) {
	if bp.IsBinary() {
		return base64.StdEncoding.DecodeString(strings.TrimPrefix(string(bp), BinaryMarker))
	}
	return []byte(bp), nil
}

// String returns the storage form.
func (bp BodyPayload) String() string { return string(bp) }

// binaryTypePrefixes force the binary classification regardless of
// content.
var binaryTypePrefixes = []string{
	"image/",
	"video/",
	"audio/",
	"application/pdf",
	"application/zip",
	"application/octet-stream",
	"application/x-binary",
	"application/x-msdownload",
	"application/x-executable",
}

// textTypes force the text classification.
var textTypes = map[string]struct{}{
	"application/json":                  {},
	"application/xml":                   {},
	"application/javascript":            {},
	"application/x-javascript":          {},
	"application/ecmascript":            {},
	"application/x-www-form-urlencoded": {},
}

const (
	heuristicSampleSize = 512
	heuristicThreshold  = 0.30
)

// ProcessedBody is the pipeline output.
type ProcessedBody struct {
	Payload BodyPayload

	// Size is the decoded byte count (after decompression, after the
	// raw-size truncation).
	Size int64

	// Truncated is set when the raw input exceeded the cap. Truncation
	// happens before decompression, which is accepted as lossy capture.
	Truncated bool

	Binary bool
}

// Pipeline turns raw captured bytes into a BodyPayload: cap size,
// decompress, classify text vs binary, encode. The zero MaxBodySize means
// no cap.
type Pipeline struct {
	MaxBodySize int64
}

// Process runs the pipeline. A non-nil error reports a decompression
// failure that was downgraded: the returned payload is still valid (raw
// bytes stored as binary) and capture proceeds; callers note the error on
// the transaction.
func (p Pipeline) Process(raw []byte, contentType, contentEncoding string) (ProcessedBody, error) {
	if len(raw) == 0 {
		return ProcessedBody{}, nil
	}

	var out ProcessedBody
	if p.MaxBodySize > 0 && int64(len(raw)) > p.MaxBodySize {
		raw = raw[:p.MaxBodySize]
		out.Truncated = true
	}

	decoded := raw
	if enc := normalizeEncoding(contentEncoding); enc != "" {
		var err error
		decoded, err = decompress(raw, enc)
		if err != nil {
			// Downgrade: keep the compressed bytes as binary.
			out.Payload = BinaryPayload(raw)
			out.Size = int64(len(raw))
			out.Binary = true
			return out, fmt.Errorf("decoding %s body: %w", enc, err)
		}
	}

	out.Size = int64(len(decoded))
	if isBinaryContent(decoded, contentType) {
		out.Payload = BinaryPayload(decoded)
		out.Binary = true
	} else {
		out.Payload = TextPayload(string(decoded))
	}
	return out, nil
}

func normalizeEncoding(enc string) string {
	enc = strings.ToLower(strings.TrimSpace(enc))
	switch enc {
	case "", "identity":
		return ""
	case "br":
		return "brotli"
	}
	return enc
}

func decompress(raw []byte, encoding string) ([]byte, error) {
	var r io.Reader
	switch encoding {
	case "gzip":
		gz, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		r = gz
	case "deflate":
		// Some servers send raw DEFLATE instead of the zlib wrapping the
		// RFC asks for; try zlib first, then raw.
		zr, err := zlib.NewReader(bytes.NewReader(raw))
		if err == nil {
			defer zr.Close()
			r = zr
		} else {
			fr := flate.NewReader(bytes.NewReader(raw))
			defer fr.Close()
			r = fr
		}
	case "brotli":
		r = brotli.NewReader(bytes.NewReader(raw))
	case "zstd":
		zr, err := zstd.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		r = zr.IOReadCloser()
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", encoding)
	}
	return io.ReadAll(r)
}

// isBinaryContent decides text vs binary: the declared content type wins
// when recognized, otherwise a byte-distribution heuristic over the first
// 512 bytes.
func isBinaryContent(data []byte, contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}

	for _, prefix := range binaryTypePrefixes {
		if strings.HasPrefix(ct, prefix) {
			return true
		}
	}
	if strings.HasPrefix(ct, "text/") {
		return false
	}
	if _, ok := textTypes[ct]; ok {
		return false
	}

	sample := data
	if len(sample) > heuristicSampleSize {
		sample = sample[:heuristicSampleSize]
	}
	if len(sample) == 0 {
		return false
	}
	var suspect int
	for _, b := range sample {
		if b < 32 && b != '\t' && b != '\n' && b != '\r' {
			suspect++
		} else if b > 126 {
			suspect++
		}
	}
	return float64(suspect)/float64(len(sample)) > heuristicThreshold
}
