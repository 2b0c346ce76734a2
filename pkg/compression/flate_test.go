package compression

import (
	"archive/zip"
	"bytes"
	"compress/flate"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressor_CompressDecompress(t *testing.T) {
	compressor := NewCompressorWithLevel(flate.BestCompression)

	repeated := "<message>This is test data that should be compressed.</message>"
	testData := []byte(repeated + repeated + repeated + repeated + repeated)

	compressed, err := compressor.Compress(testData)
	require.NoError(t, err)
	assert.Less(t, len(compressed), len(testData))

	decompressed, err := compressor.Decompress(compressed)
	require.NoError(t, err)
	assert.Equal(t, testData, decompressed)
}

func TestCompressor_EmptyData(t *testing.T) {
	compressor := NewCompressorWithLevel(flate.DefaultCompression)

	compressed, err := compressor.Compress([]byte{})
	require.NoError(t, err)

	decompressed, err := compressor.Decompress(compressed)
	require.NoError(t, err)
	assert.Empty(t, decompressed)
}

func TestCompressor_InvalidLevel(t *testing.T) {
	_, err := NewCompressorWithLevel(42).Compress([]byte("x"))
	assert.Error(t, err)
}

func TestCompressor_Method(t *testing.T) {
	stored := NewCompressor()
	assert.Equal(t, zip.Store, stored.Method("message.xml"))

	deflating := NewCompressorWithLevel(flate.BestSpeed)
	assert.Equal(t, zip.Deflate, deflating.Method("message.xml"))
	assert.Equal(t, zip.Store, deflating.Method("mimetype"))
	assert.Equal(t, zip.Store, deflating.Method("q1-request-abc.asice"))
}

func TestCompressor_ShouldCompress(t *testing.T) {
	tests := []struct {
		name     string
		entry    string
		expected bool
	}{
		{"xml", "message.xml", true},
		{"signature", "META-INF/signatures.xml", true},
		{"linking info", "linkinginfo", true},
		{"mimetype", "mimetype", false},
		{"container", "q1-response-x.asice", false},
		{"zip", "archive.ZIP", false},
		{"encrypted", "mlog.zip.xenc", false},
		{"timestamp token", "META-INF/timestamp.tsr", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ShouldCompress(tt.entry))
		})
	}
}

func TestCompressor_RegisterRoundTrip(t *testing.T) {
	c := NewCompressorWithLevel(flate.BestCompression)
	payload := bytes.Repeat([]byte("<entry>log</entry>"), 1000)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	c.Register(zw)
	w, err := zw.CreateHeader(&zip.FileHeader{Name: "message.xml", Method: c.Method("message.xml")})
	require.NoError(t, err)
	_, err = w.Write(payload)
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	assert.Less(t, buf.Len(), len(payload)/10)

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	rc, err := zr.File[0].Open()
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}
