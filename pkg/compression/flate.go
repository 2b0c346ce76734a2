package compression

import (
	"archive/zip"
	"bytes"
	"compress/flate"
	"fmt"
	"io"
	"path"
	"strings"
)

// NoCompression stores entries without compression.
const NoCompression = flate.NoCompression

// Compressor decides the compression method and level of ZIP entries.
type Compressor struct {
	compressionLevel int
}

// NewCompressor creates a compressor that stores every entry.
func NewCompressor() *Compressor {
	return &Compressor{
		compressionLevel: NoCompression,
	}
}

// NewCompressorWithLevel creates a compressor deflating at level. Levels
// outside -2..9 are rejected by Register and Compress.
func NewCompressorWithLevel(level int) *Compressor {
	return &Compressor{
		compressionLevel: level,
	}
}

// Level returns the flate level.
func (c *Compressor) Level() int {
	return c.compressionLevel
}

// Method returns the ZIP method for the named entry.
func (c *Compressor) Method(name string) uint16 {
	if c.compressionLevel == NoCompression || !ShouldCompress(name) {
		return zip.Store
	}
	return zip.Deflate
}

// Register installs a deflate writer using the compressor's level on w.
func (c *Compressor) Register(w *zip.Writer) {
	level := c.compressionLevel
	w.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, level)
	})
}

// Compress deflates data.
func (c *Compressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer

	writer, err := flate.NewWriter(&buf, c.compressionLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to create flate writer: %w", err)
	}

	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return nil, fmt.Errorf("failed to write data: %w", err)
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close flate writer: %w", err)
	}

	return buf.Bytes(), nil
}

// Decompress inflates data.
func (c *Compressor) Decompress(data []byte) ([]byte, error) {
	reader := flate.NewReader(bytes.NewReader(data))
	defer reader.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, reader); err != nil {
		return nil, fmt.Errorf("failed to read compressed data: %w", err)
	}

	return buf.Bytes(), nil
}

// ShouldCompress reports whether an entry with the given name benefits from
// compression.
func ShouldCompress(name string) bool {
	if name == "mimetype" {
		return false
	}
	// Don't compress already compressed or encrypted formats
	compressedExt := map[string]bool{
		".zip":   true,
		".asice": true,
		".xenc":  true,
		".gz":    true,
		".tsr":   true,
	}

	return !compressedExt[strings.ToLower(path.Ext(name))]
}
