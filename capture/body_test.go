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
	"strings"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gzipBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write(data)
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func TestPlainTextIsIdentity(t *testing.T) {
	p := Pipeline{MaxBodySize: 1 << 20}
	body := []byte(`{"status":"ok"}`)

	got, err := p.Process(body, "application/json", "")
	require.NoError(t, err)
	assert.Equal(t, TextPayload(`{"status":"ok"}`), got.Payload)
	assert.False(t, got.Binary)
	assert.False(t, got.Truncated)
	assert.Equal(t, int64(len(body)), got.Size)
}

func TestGzipDecodedEqualsPlain(t *testing.T) {
	p := Pipeline{MaxBodySize: 1 << 20}
	text := "Hello, 世界"

	plain, err := p.Process([]byte(text), "text/plain; charset=utf-8", "")
	require.NoError(t, err)
	encoded, err := p.Process(gzipBytes(t, []byte(text)), "text/plain; charset=utf-8", "gzip")
	require.NoError(t, err)

	assert.Equal(t, plain.Payload, encoded.Payload)
	assert.Equal(t, TextPayload(text), encoded.Payload)
	assert.False(t, encoded.Binary)
}

func TestBrotliAndZstd(t *testing.T) {
	p := Pipeline{MaxBodySize: 1 << 20}
	text := strings.Repeat("compressible ", 50)

	var br bytes.Buffer
	bw := brotli.NewWriter(&br)
	_, err := bw.Write([]byte(text))
	require.NoError(t, err)
	require.NoError(t, bw.Close())

	got, err := p.Process(br.Bytes(), "text/plain", "br")
	require.NoError(t, err)
	assert.Equal(t, TextPayload(text), got.Payload)

	var zs bytes.Buffer
	zw, err := zstd.NewWriter(&zs)
	require.NoError(t, err)
	_, err = zw.Write([]byte(text))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	got, err = p.Process(zs.Bytes(), "text/plain", "zstd")
	require.NoError(t, err)
	assert.Equal(t, TextPayload(text), got.Payload)
}

func TestCorruptGzipDowngradesToBinary(t *testing.T) {
	p := Pipeline{MaxBodySize: 1 << 20}
	raw := []byte{0x1f, 0x8b, 0xff, 0x00, 0x01, 0x02}

	got, err := p.Process(raw, "text/plain", "gzip")
	require.Error(t, err)
	assert.True(t, got.Binary)
	assert.True(t, got.Payload.IsBinary())

	decoded, err := got.Payload.Bytes()
	require.NoError(t, err)
	assert.Equal(t, raw, decoded)
}

func TestBinaryContentTypes(t *testing.T) {
	p := Pipeline{MaxBodySize: 1 << 20}
	payload := []byte{0x89, 0x50, 0x4e, 0x47}

	for _, ct := range []string{"image/png", "video/mp4", "audio/ogg", "application/octet-stream"} {
		got, err := p.Process(payload, ct, "")
		require.NoError(t, err)
		require.True(t, got.Binary, "content type %s", ct)
		want := BinaryMarker + base64.StdEncoding.EncodeToString(payload)
		assert.Equal(t, BodyPayload(want), got.Payload)
	}
}

func TestTextContentTypesStayText(t *testing.T) {
	p := Pipeline{MaxBodySize: 1 << 20}
	// High-bit-heavy content that the heuristic alone would call binary.
	payload := []byte("日本語のテキスト日本語のテキスト")

	for _, ct := range []string{"application/json", "text/html; charset=utf-8", "application/x-www-form-urlencoded"} {
		got, err := p.Process(payload, ct, "")
		require.NoError(t, err)
		assert.False(t, got.Binary, "content type %s", ct)
		assert.Equal(t, TextPayload(string(payload)), got.Payload)
	}
}

func TestHeuristicOnUnknownType(t *testing.T) {
	p := Pipeline{MaxBodySize: 1 << 20}

	got, err := p.Process([]byte("just some words"), "application/x-custom", "")
	require.NoError(t, err)
	assert.False(t, got.Binary)

	junk := make([]byte, 256)
	for i := range junk {
		junk[i] = byte(i % 7) // mostly control bytes
	}
	got, err = p.Process(junk, "application/x-custom", "")
	require.NoError(t, err)
	assert.True(t, got.Binary)
}

func TestTruncationBeforeDecompression(t *testing.T) {
	text := strings.Repeat("a", 4096)
	compressed := gzipBytes(t, []byte(text))

	p := Pipeline{MaxBodySize: int64(len(compressed) - 1)}
	got, err := p.Process(compressed, "text/plain", "gzip")
	// The truncated gzip stream cannot decode; the pipeline downgrades.
	require.Error(t, err)
	assert.True(t, got.Truncated)
	assert.True(t, got.Binary)
}

func TestEmptyNormalizesToAbsent(t *testing.T) {
	p := Pipeline{MaxBodySize: 1 << 20}
	got, err := p.Process(nil, "text/plain", "")
	require.NoError(t, err)
	assert.False(t, got.Payload.Present())
	assert.Equal(t, int64(0), got.Size)
}

func TestBodyPayloadRoundTrip(t *testing.T) {
	bin := BinaryPayload([]byte{0, 1, 2, 3})
	require.True(t, bin.IsBinary())
	b, err := bin.Bytes()
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1, 2, 3}, b)

	txt := TextPayload("hello")
	require.False(t, txt.IsBinary())
	b, err = txt.Bytes()
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), b)

	assert.False(t, BinaryPayload(nil).Present())
	assert.False(t, TextPayload("").Present())
}
