// Package s3sink publishes archive files to an S3 compatible object store.
package s3sink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/sirosfoundation/go-msglog/pkg/archive"
	"github.com/sirosfoundation/go-msglog/pkg/fault"
)

// API is the subset of the S3 client the sink uses.
type API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Config holds the bucket settings
type Config struct {
	Bucket string
	// Prefix is prepended to every object key, e.g. "messagelog/".
	Prefix       string
	Region       string
	Endpoint     string
	UsePathStyle bool
	StorageClass string
}

// Sink implements archive.Sink on a bucket. PutObject replaces an object
// atomically, so readers never see a partial archive.
type Sink struct {
	client API
	cfg    Config
}

// New creates a sink using the default AWS credential chain.
func New(ctx context.Context, cfg Config) (*Sink, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	var loadOpts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.Region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return NewWithClient(client, cfg), nil
}

// NewWithClient creates a sink on an existing client.
func NewWithClient(client API, cfg Config) *Sink {
	return &Sink{client: client, cfg: cfg}
}

func (s *Sink) key(name string) string {
	return s.cfg.Prefix + name
}

// Publish implements archive.Sink
func (s *Sink) Publish(ctx context.Context, name string, data []byte) error {
	in := &s3.PutObjectInput{
		Bucket:            aws.String(s.cfg.Bucket),
		Key:               aws.String(s.key(name)),
		Body:              bytes.NewReader(data),
		ContentLength:     aws.Int64(int64(len(data))),
		ContentType:       aws.String(contentType(name)),
		ChecksumAlgorithm: types.ChecksumAlgorithmSha256,
	}
	if s.cfg.StorageClass != "" {
		in.StorageClass = types.StorageClass(s.cfg.StorageClass)
	}
	if _, err := s.client.PutObject(ctx, in); err != nil {
		return fault.Wrap(fault.KindArchiveIO, err, "uploading %s to s3://%s", name, s.cfg.Bucket)
	}
	return nil
}

// List implements archive.Sink
func (s *Sink) List(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	pages := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.cfg.Bucket),
		Prefix: aws.String(s.key(prefix)),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fault.Wrap(fault.KindArchiveIO, err, "listing s3://%s", s.cfg.Bucket)
		}
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), s.cfg.Prefix)
			if name == "" || strings.Contains(name, "/") {
				continue
			}
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Read implements archive.Sink
func (s *Sink) Read(ctx context.Context, name string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.key(name)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fault.Wrap(fault.KindArchiveIO, archive.ErrArchiveNotFound, "%s", name)
		}
		return nil, fault.Wrap(fault.KindArchiveIO, err, "downloading %s", name)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fault.Wrap(fault.KindArchiveIO, err, "downloading %s", name)
	}
	return data, nil
}

func contentType(name string) string {
	if strings.HasSuffix(name, ".xenc") {
		return "application/xml"
	}
	return "application/zip"
}

var _ archive.Sink = (*Sink)(nil)
