// Package config handles configuration loading for the message log.
//
// Configuration is loaded from a YAML file with support for environment
// variable expansion (${VAR} or $VAR syntax). This allows secrets such as
// key passwords and database credentials to be injected at runtime.
//
// # Configuration Sections
//
//   - instance: security server instance identifier used in archive names
//   - signing: key management mode (file, pkcs12 or pkcs11), digest and policy
//   - trust: trust anchors, intermediates, OCSP responders, AuthZEN PDP
//   - ocsp: response freshness and fetching
//   - archive: rotation size, compression, retry, encryption and sink
//   - storage: record store (memory or MongoDB)
//   - observability: Prometheus metrics endpoint
//
// # Example Configuration
//
//	instance: EE
//
//	signing:
//	  mode: pkcs12
//	  pkcs12:
//	    keyDir: /etc/msglog/keys
//	    password: ${KEY_PASSWORD}
//
//	trust:
//	  anchorsFile: /etc/msglog/anchors.pem
//
//	archive:
//	  sink: s3
//	  maxSize: 104857600
//	  s3:
//	    bucket: msglog-archives
//	    region: eu-north-1
//
//	storage:
//	  type: mongodb
//	  mongodb:
//	    uri: ${MONGODB_URI}
//
// See [Load] for loading configuration from a file.
package config

import (
	"crypto"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sirosfoundation/go-msglog/pkg/reliability"
)

// Config is the root configuration structure
type Config struct {
	Instance string        `yaml:"instance"`
	Signing  SigningConfig `yaml:"signing"`
	Trust    TrustConfig   `yaml:"trust"`
	OCSP     OCSPConfig    `yaml:"ocsp"`
	Archive  ArchiveConfig `yaml:"archive"`
	Storage  StorageConfig `yaml:"storage"`
	Metrics  MetricsConfig `yaml:"observability"`
}

// SigningConfig holds signing key management settings
type SigningConfig struct {
	// Mode determines how signing keys are managed
	// - "pkcs11": Keys stored in PKCS#11 token (HSM/smart card)
	// - "pkcs12": Keys loaded from password protected .p12 files
	// - "file": Keys loaded from PEM files (development only)
	Mode string `yaml:"mode"`

	// KeyID selects the member key; empty means the default key
	KeyID string `yaml:"keyId"`

	// DigestMethod is SHA-256, SHA-384 or SHA-512
	DigestMethod string `yaml:"digestMethod"`

	// PolicyID is embedded in every signature
	PolicyID string `yaml:"policyId"`

	PKCS11 PKCS11Config  `yaml:"pkcs11"`
	PKCS12 PKCS12Config  `yaml:"pkcs12"`
	File   FileKeyConfig `yaml:"file"`
}

// PKCS11Config holds PKCS#11 HSM settings
type PKCS11Config struct {
	// Path to the PKCS#11 library (.so/.dylib/.dll)
	ModulePath string `yaml:"modulePath"`
	// Slot ID or label to use
	SlotID    uint   `yaml:"slotId"`
	SlotLabel string `yaml:"slotLabel"`
	// PIN for authentication (can be env var reference like ${HSM_PIN})
	PIN string `yaml:"pin"`
	// Key labels for member keys (pattern: member-{member}-signing)
	KeyLabelPattern string `yaml:"keyLabelPattern"`
}

// PKCS12Config holds PKCS#12 bundle settings
type PKCS12Config struct {
	KeyDir   string `yaml:"keyDir"`
	Password string `yaml:"password"`
}

// FileKeyConfig holds file-based key settings (development only)
type FileKeyConfig struct {
	// Directory containing PEM key files
	KeyDir string `yaml:"keyDir"`
}

// TrustConfig names the PEM files of the trust provider
type TrustConfig struct {
	AnchorsFile       string `yaml:"anchorsFile"`
	IntermediatesFile string `yaml:"intermediatesFile"`
	// ResponderFiles maps a CA certificate file to a file of OCSP
	// responders trusted for it
	ResponderFiles map[string]string `yaml:"responderFiles"`
	// AuthZENURL selects a go-trust policy decision point for chain
	// validation instead of local path building
	AuthZENURL string `yaml:"authzenUrl"`
}

// OCSPConfig holds OCSP settings
type OCSPConfig struct {
	FreshnessSeconds int           `yaml:"freshnessSeconds"`
	VerifyNextUpdate bool          `yaml:"verifyNextUpdate"`
	Fetch            bool          `yaml:"fetch"`
	FetchTimeout     time.Duration `yaml:"fetchTimeout"`
}

// Freshness returns the freshness window.
func (c OCSPConfig) Freshness() time.Duration {
	return time.Duration(c.FreshnessSeconds) * time.Second
}

// ArchiveConfig holds archive settings
type ArchiveConfig struct {
	// Sink is "dir", "s3" or "gridfs"
	Sink             string           `yaml:"sink"`
	Dir              string           `yaml:"dir"`
	MaxSize          int64            `yaml:"maxSize"`
	CompressionLevel int              `yaml:"compressionLevel"`
	LinkDigest       string           `yaml:"linkDigest"`
	QueueSize        int              `yaml:"queueSize"`
	Retry            RetryConfig      `yaml:"retry"`
	Encryption       EncryptionConfig `yaml:"encryption"`
	S3               S3Config         `yaml:"s3"`
}

// RetryConfig holds the bounded backoff of archive I/O
type RetryConfig struct {
	MaxRetries  int           `yaml:"maxRetries"`
	Interval    time.Duration `yaml:"interval"`
	Multiplier  float64       `yaml:"multiplier"`
	MaxInterval time.Duration `yaml:"maxInterval"`
}

// Policy converts the settings.
func (c RetryConfig) Policy() reliability.RetryPolicy {
	return reliability.RetryPolicy{
		MaxRetries:      c.MaxRetries,
		RetryInterval:   c.Interval,
		RetryMultiplier: c.Multiplier,
		MaxInterval:     c.MaxInterval,
	}
}

// EncryptionConfig holds archive encryption settings
type EncryptionConfig struct {
	Enabled bool   `yaml:"enabled"`
	Group   string `yaml:"group"`
	// RecipientKeys maps a group to an X25519 public key PEM file
	RecipientKeys map[string]string `yaml:"recipientKeys"`
	// PrivateKeys maps a group to an X25519 private key PEM file; needed
	// for crash recovery and chain verification of encrypted archives
	PrivateKeys map[string]string `yaml:"privateKeys"`
}

// S3Config holds S3 sink settings
type S3Config struct {
	Bucket       string `yaml:"bucket"`
	Prefix       string `yaml:"prefix"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	UsePathStyle bool   `yaml:"usePathStyle"`
	StorageClass string `yaml:"storageClass"`
}

// StorageConfig holds database settings
type StorageConfig struct {
	// Type is "memory" or "mongodb"
	Type    string        `yaml:"type"`
	MongoDB MongoDBConfig `yaml:"mongodb"`
}

// MongoDBConfig holds MongoDB connection settings
type MongoDBConfig struct {
	URI        string `yaml:"uri"`
	Database   string `yaml:"database"`
	Collection string `yaml:"collection"`
	GridFS     struct {
		BucketName     string `yaml:"bucketName"`
		ChunkSizeBytes int    `yaml:"chunkSizeBytes"`
	} `yaml:"gridfs"`
}

// MetricsConfig holds observability settings
type MetricsConfig struct {
	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Address string `yaml:"address"`
		Path    string `yaml:"path"`
	} `yaml:"metrics"`
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse reads configuration from YAML bytes
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Signing.Mode == "" {
		c.Signing.Mode = "file" // Default to file for development
	}
	if c.Signing.DigestMethod == "" {
		c.Signing.DigestMethod = "SHA-256"
	}
	if c.Signing.PKCS11.KeyLabelPattern == "" {
		c.Signing.PKCS11.KeyLabelPattern = "member-{member}-signing"
	}
	if c.OCSP.FreshnessSeconds == 0 {
		c.OCSP.FreshnessSeconds = 3600
	}
	if c.OCSP.FetchTimeout == 0 {
		c.OCSP.FetchTimeout = 10 * time.Second
	}
	if c.Archive.Sink == "" {
		c.Archive.Sink = "dir"
	}
	if c.Archive.Dir == "" {
		c.Archive.Dir = "./archive"
	}
	if c.Archive.MaxSize == 0 {
		c.Archive.MaxSize = 100 << 20
	}
	if c.Archive.LinkDigest == "" {
		c.Archive.LinkDigest = "SHA-256"
	}
	if c.Archive.QueueSize == 0 {
		c.Archive.QueueSize = 64
	}
	if c.Archive.Retry == (RetryConfig{}) {
		c.Archive.Retry = RetryConfig{
			MaxRetries:  3,
			Interval:    500 * time.Millisecond,
			Multiplier:  2,
			MaxInterval: 10 * time.Second,
		}
	}
	if c.Storage.Type == "" {
		c.Storage.Type = "memory"
	}
	if c.Storage.MongoDB.Database == "" {
		c.Storage.MongoDB.Database = "msglog"
	}
	if c.Storage.MongoDB.Collection == "" {
		c.Storage.MongoDB.Collection = "messagelog"
	}
	if c.Storage.MongoDB.GridFS.BucketName == "" {
		c.Storage.MongoDB.GridFS.BucketName = "archives"
	}
	if c.Storage.MongoDB.GridFS.ChunkSizeBytes == 0 {
		c.Storage.MongoDB.GridFS.ChunkSizeBytes = 261120 // 255KB
	}
	if c.Metrics.Metrics.Address == "" {
		c.Metrics.Metrics.Address = ":9090"
	}
	if c.Metrics.Metrics.Path == "" {
		c.Metrics.Metrics.Path = "/metrics"
	}
}

func (c *Config) validate() error {
	if c.Instance == "" {
		return fmt.Errorf("instance is required")
	}

	switch c.Signing.Mode {
	case "pkcs11", "pkcs12", "file":
	default:
		return fmt.Errorf("signing.mode must be 'pkcs11', 'pkcs12' or 'file', got '%s'", c.Signing.Mode)
	}
	if c.Signing.Mode == "pkcs11" && c.Signing.PKCS11.ModulePath == "" {
		return fmt.Errorf("signing.pkcs11.modulePath is required when mode is 'pkcs11'")
	}
	if c.Signing.Mode == "pkcs12" && c.Signing.PKCS12.KeyDir == "" {
		return fmt.Errorf("signing.pkcs12.keyDir is required when mode is 'pkcs12'")
	}
	if _, err := DigestHash(c.Signing.DigestMethod); err != nil {
		return fmt.Errorf("signing.digestMethod: %w", err)
	}
	if _, err := DigestHash(c.Archive.LinkDigest); err != nil {
		return fmt.Errorf("archive.linkDigest: %w", err)
	}

	if c.OCSP.FreshnessSeconds < 0 {
		return fmt.Errorf("ocsp.freshnessSeconds must not be negative")
	}

	if c.Archive.MaxSize < 0 {
		return fmt.Errorf("archive.maxSize must not be negative")
	}
	if c.Archive.CompressionLevel < -2 || c.Archive.CompressionLevel > 9 {
		return fmt.Errorf("archive.compressionLevel must be between -2 and 9, got %d", c.Archive.CompressionLevel)
	}
	if c.Archive.Retry.MaxRetries < 0 {
		return fmt.Errorf("archive.retry.maxRetries must not be negative")
	}
	if e := c.Archive.Encryption; e.Enabled {
		if e.Group == "" {
			return fmt.Errorf("archive.encryption.group is required when encryption is enabled")
		}
		if _, ok := e.RecipientKeys[e.Group]; !ok {
			return fmt.Errorf("archive.encryption.recipientKeys has no key for group '%s'", e.Group)
		}
	}

	switch c.Storage.Type {
	case "memory":
	case "mongodb":
		if c.Storage.MongoDB.URI == "" {
			return fmt.Errorf("storage.mongodb.uri is required")
		}
	default:
		return fmt.Errorf("storage.type must be 'memory' or 'mongodb', got '%s'", c.Storage.Type)
	}

	switch c.Archive.Sink {
	case "dir":
	case "s3":
		if c.Archive.S3.Bucket == "" {
			return fmt.Errorf("archive.s3.bucket is required when sink is 's3'")
		}
	case "gridfs":
		if c.Storage.Type != "mongodb" {
			return fmt.Errorf("archive.sink 'gridfs' requires storage.type 'mongodb'")
		}
	default:
		return fmt.Errorf("archive.sink must be 'dir', 's3' or 'gridfs', got '%s'", c.Archive.Sink)
	}

	return nil
}

// DigestHash maps a digest name to its hash.
func DigestHash(name string) (crypto.Hash, error) {
	switch name {
	case "SHA-256":
		return crypto.SHA256, nil
	case "SHA-384":
		return crypto.SHA384, nil
	case "SHA-512":
		return crypto.SHA512, nil
	}
	return 0, fmt.Errorf("unsupported digest '%s'", name)
}
