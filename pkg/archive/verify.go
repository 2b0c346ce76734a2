package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/sirosfoundation/go-msglog/pkg/asic"
)

// ErrChainBroken is wrapped by every VerifyChain finding.
var ErrChainBroken = errors.New("archive chain broken")

type chainConfig struct {
	decryptor *asic.Decryptor
	group     string
}

// VerifyOption configures VerifyChain.
type VerifyOption func(*chainConfig)

// WithChainDecryptor lets VerifyChain open encrypted archive files.
func WithChainDecryptor(dec *asic.Decryptor, group string) VerifyOption {
	return func(c *chainConfig) {
		c.decryptor = dec
		c.group = group
	}
}

// VerifyChain checks the archives of instance in sink: sequence numbers
// are consecutive, every entry matches its recorded digest and every file
// names its predecessor together with the digest of its bytes. The oldest
// listed archive may point at a predecessor that was removed. It returns
// the number of archives checked.
func VerifyChain(ctx context.Context, sink Sink, instance string, opts ...VerifyOption) (int, error) {
	var cfg chainConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	names, err := sink.List(ctx, namePrefixFor(instance))
	if err != nil {
		return 0, err
	}

	var (
		prev     *ArchiveName
		prevData []byte
		checked  int
	)
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return checked, err
		}
		parsed, err := ParseArchiveName(instance, name)
		if err != nil {
			continue
		}
		data, err := sink.Read(ctx, name)
		if err != nil {
			return checked, err
		}
		li, err := checkArchive(name, parsed, data, cfg)
		if err != nil {
			return checked, err
		}

		switch {
		case prev == nil:
			if parsed.Seq == 1 && li.PreviousName != "" {
				return checked, fmt.Errorf("%w: %s is first but links to %s", ErrChainBroken, name, li.PreviousName)
			}
		case parsed.Seq != prev.Seq+1:
			return checked, fmt.Errorf("%w: %s follows sequence %d", ErrChainBroken, name, prev.Seq)
		case li.PreviousName != prev.String():
			return checked, fmt.Errorf("%w: %s links to %q, want %q", ErrChainBroken, name, li.PreviousName, prev.String())
		case !bytes.Equal(li.PreviousDigest, digestOf(li.DigestMethod, prevData)):
			return checked, fmt.Errorf("%w: %s: digest of %s does not match", ErrChainBroken, name, prev.String())
		}
		prev, prevData = &parsed, data
		checked++
	}
	return checked, nil
}

// checkArchive opens one archive file and checks its entries against its
// linking info.
func checkArchive(name string, parsed ArchiveName, data []byte, cfg chainConfig) (*LinkingInfo, error) {
	plain := data
	if parsed.Encrypted {
		if cfg.decryptor == nil {
			return nil, fmt.Errorf("%s is encrypted and no decryptor is configured", name)
		}
		var err error
		if plain, err = cfg.decryptor.Decrypt(cfg.group, data); err != nil {
			return nil, err
		}
	}

	zr, err := zip.NewReader(bytes.NewReader(plain), int64(len(plain)))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrChainBroken, name, err)
	}
	raw, err := readZipEntry(zr, EntryLinkingInfo)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrChainBroken, name, err)
	}
	li, err := ParseLinkingInfo(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrChainBroken, name, err)
	}

	want := make(map[string][]byte, len(li.Entries))
	for _, e := range li.Entries {
		want[e.Name] = e.Digest
	}
	for _, f := range zr.File {
		if f.Name == EntryLinkingInfo || f.Name == EntryManifest {
			continue
		}
		d, ok := want[f.Name]
		if !ok {
			return nil, fmt.Errorf("%w: %s: entry %s not in linking info", ErrChainBroken, name, f.Name)
		}
		delete(want, f.Name)
		content, err := readFile(f)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %s: %v", ErrChainBroken, name, f.Name, err)
		}
		if !bytes.Equal(digestOf(li.DigestMethod, content), d) {
			return nil, fmt.Errorf("%w: %s: digest of entry %s does not match", ErrChainBroken, name, f.Name)
		}
	}
	if len(want) > 0 {
		missing := make([]string, 0, len(want))
		for n := range want {
			missing = append(missing, n)
		}
		sort.Strings(missing)
		return nil, fmt.Errorf("%w: %s: entries missing: %s", ErrChainBroken, name, strings.Join(missing, ", "))
	}
	return li, nil
}

func readFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
