package archive

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirosfoundation/go-msglog/pkg/asic"
)

const (
	namePrefix = "mlog-"
	timeLayout = "20060102150405"
	zipExt     = ".zip"
	seqDigits  = 10
)

// ArchiveName is the parsed name of an archive file.
type ArchiveName struct {
	Instance  string
	Seq       uint64
	Start     time.Time
	End       time.Time
	Encrypted bool
}

// String formats the file name.
func (n ArchiveName) String() string {
	s := fmt.Sprintf("%s%s-%0*d-%s-%s%s", namePrefix, asic.SanitizeName(n.Instance), seqDigits, n.Seq,
		n.Start.UTC().Format(timeLayout), n.End.UTC().Format(timeLayout), zipExt)
	if n.Encrypted {
		s += asic.EncryptedExt
	}
	return s
}

// namePrefixFor returns the common prefix of the archive names of instance.
func namePrefixFor(instance string) string {
	return namePrefix + asic.SanitizeName(instance) + "-"
}

// ParseArchiveName parses the name of an archive file of instance.
func ParseArchiveName(instance, name string) (ArchiveName, error) {
	n := ArchiveName{Instance: instance}
	rest, ok := strings.CutPrefix(name, namePrefixFor(instance))
	if !ok {
		return n, fmt.Errorf("%q is not an archive of %q", name, instance)
	}
	if r, ok := strings.CutSuffix(rest, asic.EncryptedExt); ok {
		rest = r
		n.Encrypted = true
	}
	rest, ok = strings.CutSuffix(rest, zipExt)
	if !ok {
		return n, fmt.Errorf("%q: missing %s suffix", name, zipExt)
	}

	fields := strings.Split(rest, "-")
	if len(fields) != 3 || len(fields[0]) != seqDigits {
		return n, fmt.Errorf("%q: malformed archive name", name)
	}
	seq, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return n, fmt.Errorf("%q: sequence: %w", name, err)
	}
	n.Seq = seq
	if n.Start, err = time.ParseInLocation(timeLayout, fields[1], time.UTC); err != nil {
		return n, fmt.Errorf("%q: start time: %w", name, err)
	}
	if n.End, err = time.ParseInLocation(timeLayout, fields[2], time.UTC); err != nil {
		return n, fmt.Errorf("%q: end time: %w", name, err)
	}
	return n, nil
}
