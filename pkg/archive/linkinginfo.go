package archive

import (
	"bufio"
	"bytes"
	"crypto"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	// digest algorithms named in linking info
	_ "crypto/sha256"
	_ "crypto/sha512"
)

// Archive entry names besides the containers.
const (
	EntryLinkingInfo = "linkinginfo"
	EntryManifest    = "manifest"
)

const noPrevious = "-"

// ErrMalformedLinkingInfo is returned for unparsable linking info.
var ErrMalformedLinkingInfo = errors.New("malformed linking info")

var digestNames = map[crypto.Hash]string{
	crypto.SHA256: "SHA-256",
	crypto.SHA384: "SHA-384",
	crypto.SHA512: "SHA-512",
}

// DigestName returns the linking info name of h.
func DigestName(h crypto.Hash) (string, error) {
	name, ok := digestNames[h]
	if !ok {
		return "", fmt.Errorf("unsupported digest algorithm %v", h)
	}
	return name, nil
}

func digestForName(name string) (crypto.Hash, error) {
	for h, n := range digestNames {
		if n == name {
			return h, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown digest algorithm %q", ErrMalformedLinkingInfo, name)
}

// EntryDigest is the digest of one archive entry.
type EntryDigest struct {
	Name   string
	Digest []byte
}

// LinkingInfo links an archive file to its predecessor.
type LinkingInfo struct {
	DigestMethod crypto.Hash
	// PreviousName and PreviousDigest are empty for the first archive.
	PreviousName   string
	PreviousDigest []byte
	Entries        []EntryDigest
}

// Marshal encodes the linking info in its text form.
func (li *LinkingInfo) Marshal() ([]byte, error) {
	alg, err := DigestName(li.DigestMethod)
	if err != nil {
		return nil, err
	}
	prevName, prevDigest := noPrevious, noPrevious
	if li.PreviousName != "" {
		prevName = li.PreviousName
		prevDigest = hex.EncodeToString(li.PreviousDigest)
	}

	var b bytes.Buffer
	fmt.Fprintf(&b, "%s %s %s\n", alg, prevName, prevDigest)
	for _, e := range li.Entries {
		if e.Name == "" || strings.ContainsAny(e.Name, " \n") {
			return nil, fmt.Errorf("entry name %q cannot be encoded", e.Name)
		}
		fmt.Fprintf(&b, "%s %s\n", e.Name, hex.EncodeToString(e.Digest))
	}
	return b.Bytes(), nil
}

// ParseLinkingInfo decodes the text form.
func ParseLinkingInfo(data []byte) (*LinkingInfo, error) {
	sc := bufio.NewScanner(bytes.NewReader(data))
	if !sc.Scan() {
		return nil, fmt.Errorf("%w: empty", ErrMalformedLinkingInfo)
	}
	head := strings.Fields(sc.Text())
	if len(head) != 3 {
		return nil, fmt.Errorf("%w: header %q", ErrMalformedLinkingInfo, sc.Text())
	}
	h, err := digestForName(head[0])
	if err != nil {
		return nil, err
	}
	li := &LinkingInfo{DigestMethod: h}
	if head[1] != noPrevious {
		li.PreviousName = head[1]
		if li.PreviousDigest, err = hex.DecodeString(head[2]); err != nil {
			return nil, fmt.Errorf("%w: previous digest: %v", ErrMalformedLinkingInfo, err)
		}
	} else if head[2] != noPrevious {
		return nil, fmt.Errorf("%w: digest without previous archive", ErrMalformedLinkingInfo)
	}

	for sc.Scan() {
		if sc.Text() == "" {
			continue
		}
		fields := strings.Fields(sc.Text())
		if len(fields) != 2 {
			return nil, fmt.Errorf("%w: line %q", ErrMalformedLinkingInfo, sc.Text())
		}
		d, err := hex.DecodeString(fields[1])
		if err != nil {
			return nil, fmt.Errorf("%w: digest of %s: %v", ErrMalformedLinkingInfo, fields[0], err)
		}
		li.Entries = append(li.Entries, EntryDigest{Name: fields[0], Digest: d})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedLinkingInfo, err)
	}
	return li, nil
}

func digestOf(h crypto.Hash, data []byte) []byte {
	hasher := h.New()
	hasher.Write(data)
	return hasher.Sum(nil)
}
