package config

import (
	"crypto"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte("instance: EE\n"))
	require.NoError(t, err)

	assert.Equal(t, "file", cfg.Signing.Mode)
	assert.Equal(t, "SHA-256", cfg.Signing.DigestMethod)
	assert.Equal(t, "member-{member}-signing", cfg.Signing.PKCS11.KeyLabelPattern)
	assert.Equal(t, time.Hour, cfg.OCSP.Freshness())
	assert.Equal(t, "dir", cfg.Archive.Sink)
	assert.Equal(t, int64(100<<20), cfg.Archive.MaxSize)
	assert.Equal(t, 64, cfg.Archive.QueueSize)
	assert.Equal(t, "memory", cfg.Storage.Type)
	assert.Equal(t, "archives", cfg.Storage.MongoDB.GridFS.BucketName)
	assert.Equal(t, ":9090", cfg.Metrics.Metrics.Address)

	p := cfg.Archive.Retry.Policy()
	assert.Equal(t, 3, p.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, p.RetryInterval)
	assert.Equal(t, 10*time.Second, p.MaxInterval)
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("TEST_KEY_PASSWORD", "s3cret")
	t.Setenv("TEST_MONGODB_URI", "mongodb://db:27017")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
instance: EE
signing:
  mode: pkcs12
  digestMethod: SHA-512
  pkcs12:
    keyDir: /keys
    password: ${TEST_KEY_PASSWORD}
ocsp:
  freshnessSeconds: 600
  fetchTimeout: 3s
archive:
  sink: gridfs
  linkDigest: SHA-384
  retry:
    maxRetries: 5
    interval: 1s
storage:
  type: mongodb
  mongodb:
    uri: $TEST_MONGODB_URI
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.Signing.PKCS12.Password)
	assert.Equal(t, "mongodb://db:27017", cfg.Storage.MongoDB.URI)
	assert.Equal(t, 10*time.Minute, cfg.OCSP.Freshness())
	assert.Equal(t, 3*time.Second, cfg.OCSP.FetchTimeout)
	assert.Equal(t, 5, cfg.Archive.Retry.MaxRetries)
	assert.Equal(t, time.Second, cfg.Archive.Retry.Interval)

	h, err := DigestHash(cfg.Signing.DigestMethod)
	require.NoError(t, err)
	assert.Equal(t, crypto.SHA512, h)
	h, err = DigestHash(cfg.Archive.LinkDigest)
	require.NoError(t, err)
	assert.Equal(t, crypto.SHA384, h)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorContains(t, err, "reading config file")
}

func TestParseInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"not yaml", "instance: [", "parsing config file"},
		{"no instance", "signing:\n  mode: file\n", "instance is required"},
		{"bad mode", "instance: EE\nsigning:\n  mode: tpm\n", "signing.mode"},
		{"pkcs11 without module", "instance: EE\nsigning:\n  mode: pkcs11\n", "modulePath"},
		{"pkcs12 without dir", "instance: EE\nsigning:\n  mode: pkcs12\n", "keyDir"},
		{"bad digest", "instance: EE\nsigning:\n  digestMethod: MD5\n", "signing.digestMethod"},
		{"bad link digest", "instance: EE\narchive:\n  linkDigest: SHA-1\n", "archive.linkDigest"},
		{"bad compression", "instance: EE\narchive:\n  compressionLevel: 12\n", "compressionLevel"},
		{"encryption without group", "instance: EE\narchive:\n  encryption:\n    enabled: true\n", "group is required"},
		{"encryption without key", "instance: EE\narchive:\n  encryption:\n    enabled: true\n    group: g1\n", "no key for group"},
		{"s3 without bucket", "instance: EE\narchive:\n  sink: s3\n", "bucket"},
		{"gridfs without mongodb", "instance: EE\narchive:\n  sink: gridfs\n", "requires storage.type"},
		{"bad sink", "instance: EE\narchive:\n  sink: ftp\n", "archive.sink"},
		{"mongodb without uri", "instance: EE\nstorage:\n  type: mongodb\n", "uri is required"},
		{"bad storage", "instance: EE\nstorage:\n  type: sqlite\n", "storage.type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseEncryption(t *testing.T) {
	cfg, err := Parse([]byte(`
instance: EE
archive:
  encryption:
    enabled: true
    group: g1
    recipientKeys:
      g1: /keys/g1.pub.pem
    privateKeys:
      g1: /keys/g1.pem
`))
	require.NoError(t, err)
	assert.Equal(t, "/keys/g1.pub.pem", cfg.Archive.Encryption.RecipientKeys["g1"])
	assert.Equal(t, "/keys/g1.pem", cfg.Archive.Encryption.PrivateKeys["g1"])
}
