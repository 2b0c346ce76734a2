package archive

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirosfoundation/go-msglog/pkg/asic"
	"github.com/sirosfoundation/go-msglog/pkg/fault"
)

// ErrArchiveNotFound is returned by Sink.Read for unknown names.
var ErrArchiveNotFound = errors.New("archive not found")

// Sink stores archive files. Publish must make a file visible completely or
// not at all. List returns names in ascending order.
type Sink interface {
	Publish(ctx context.Context, name string, data []byte) error
	List(ctx context.Context, prefix string) ([]string, error)
	Read(ctx context.Context, name string) ([]byte, error)
}

// DirSink stores archive files in a local directory.
type DirSink struct {
	dir string
}

// NewDirSink creates the directory if needed.
func NewDirSink(dir string) (*DirSink, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fault.Wrap(fault.KindArchiveIO, err, "creating archive directory %s", dir)
	}
	return &DirSink{dir: dir}, nil
}

// Dir returns the archive directory.
func (s *DirSink) Dir() string { return s.dir }

// Publish writes the file through a temporary file and a rename.
func (s *DirSink) Publish(ctx context.Context, name string, data []byte) error {
	if err := checkName(name); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fault.Wrap(fault.KindArchiveIO, err, "publishing %s", name)
	}
	return asic.WriteFileAtomic(filepath.Join(s.dir, name), data)
}

// List returns the file names starting with prefix. Temporary files are
// skipped.
func (s *DirSink) List(ctx context.Context, prefix string) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fault.Wrap(fault.KindArchiveIO, err, "listing %s", s.dir)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Read returns the content of a published file.
func (s *DirSink) Read(ctx context.Context, name string) ([]byte, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fault.Wrap(fault.KindArchiveIO, ErrArchiveNotFound, "%s", name)
	}
	if err != nil {
		return nil, fault.Wrap(fault.KindArchiveIO, err, "reading %s", name)
	}
	return data, nil
}

func checkName(name string) error {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return fault.New(fault.KindInternal, "invalid archive name %q", name)
	}
	return nil
}
