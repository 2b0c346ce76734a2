package mongodb

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/sirosfoundation/go-msglog/pkg/archive"
	"github.com/sirosfoundation/go-msglog/pkg/fault"
)

// Sink stores archive files in the store's GridFS bucket. A GridFS file
// becomes visible only once its files document is written after the last
// chunk, so a failed upload leaves nothing to list.
type Sink struct {
	bucket *gridfs.Bucket
}

// Sink returns the archive sink backed by this store.
func (s *Store) Sink() *Sink {
	return &Sink{bucket: s.gridfs}
}

// Publish implements archive.Sink
func (s *Sink) Publish(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return fault.Wrap(fault.KindArchiveIO, err, "publishing %s", name)
	}
	sum := sha256.Sum256(data)
	uploadOpts := options.GridFSUpload().SetMetadata(bson.M{
		"sha256": hex.EncodeToString(sum[:]),
	})

	stream, err := s.bucket.OpenUploadStream(name, uploadOpts)
	if err != nil {
		return fault.Wrap(fault.KindArchiveIO, err, "opening upload stream for %s", name)
	}
	if _, err := stream.Write(data); err != nil {
		stream.Abort()
		return fault.Wrap(fault.KindArchiveIO, err, "writing %s", name)
	}
	if err := stream.Close(); err != nil {
		return fault.Wrap(fault.KindArchiveIO, err, "closing %s", name)
	}
	return nil
}

// List implements archive.Sink
func (s *Sink) List(ctx context.Context, prefix string) ([]string, error) {
	cursor, err := s.bucket.Find(listFilter(prefix), options.GridFSFind().SetSort(bson.D{{Key: "filename", Value: 1}}))
	if err != nil {
		return nil, fault.Wrap(fault.KindArchiveIO, err, "listing archives")
	}
	defer cursor.Close(ctx)

	var files []struct {
		Name string `bson:"filename"`
	}
	if err := cursor.All(ctx, &files); err != nil {
		return nil, fault.Wrap(fault.KindArchiveIO, err, "listing archives")
	}
	names := make([]string, 0, len(files))
	for _, f := range files {
		// a retried upload may leave two revisions of one name
		if len(names) > 0 && names[len(names)-1] == f.Name {
			continue
		}
		names = append(names, f.Name)
	}
	return names, nil
}

// Read implements archive.Sink. The newest revision of name is returned.
func (s *Sink) Read(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fault.Wrap(fault.KindArchiveIO, err, "reading %s", name)
	}
	var buf bytes.Buffer
	if _, err := s.bucket.DownloadToStreamByName(name, &buf); err != nil {
		if errors.Is(err, gridfs.ErrFileNotFound) {
			return nil, fault.Wrap(fault.KindArchiveIO, archive.ErrArchiveNotFound, "%s", name)
		}
		return nil, fault.Wrap(fault.KindArchiveIO, err, "reading %s", name)
	}
	return buf.Bytes(), nil
}

func listFilter(prefix string) bson.M {
	if prefix == "" {
		return bson.M{}
	}
	return bson.M{"filename": bson.M{"$regex": fmt.Sprintf("^%s", regexp.QuoteMeta(prefix))}}
}

var _ archive.Sink = (*Sink)(nil)
