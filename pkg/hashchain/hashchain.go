package hashchain

import (
	"bytes"
	"crypto"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"errors"
	"fmt"
)

var (
	// ErrNoParts is returned when a chain is built from an empty part list.
	ErrNoParts = errors.New("hashchain: no parts")
	// ErrDuplicatePart is returned when two parts share a name.
	ErrDuplicatePart = errors.New("hashchain: duplicate part name")
	// ErrPartNotFound is returned when a part has no proof in the chain.
	ErrPartNotFound = errors.New("hashchain: part not found")
	// ErrDigestMismatch is returned when a part digest differs from its leaf.
	ErrDigestMismatch = errors.New("hashchain: part digest mismatch")
	// ErrRootMismatch is returned when a proof does not lead to the root.
	ErrRootMismatch = errors.New("hashchain: root digest mismatch")
	// ErrMalformed is returned for undecodable chain documents.
	ErrMalformed = errors.New("hashchain: malformed document")
)

// Part identifies one signable unit: the message body or an attachment.
// Data is optional; when present the digest can be recomputed from it.
type Part struct {
	Name         string
	DigestMethod crypto.Hash
	Digest       []byte
	Data         []byte
}

// NewPart creates a part and computes its digest from data.
func NewPart(name string, h crypto.Hash, data []byte) (Part, error) {
	if !h.Available() {
		return Part{}, fmt.Errorf("digest algorithm %v not available", h)
	}
	hasher := h.New()
	hasher.Write(data)
	return Part{
		Name:         name,
		DigestMethod: h,
		Digest:       hasher.Sum(nil),
		Data:         data,
	}, nil
}

// NewDigestPart creates a part from a precomputed digest.
func NewDigestPart(name string, h crypto.Hash, digest []byte) Part {
	return Part{Name: name, DigestMethod: h, Digest: append([]byte(nil), digest...)}
}

// ComputeDigest returns the digest of the part. It is recomputed from Data
// when Data is present.
func (p Part) ComputeDigest() ([]byte, error) {
	if p.Data == nil {
		if len(p.Digest) == 0 {
			return nil, fmt.Errorf("part %q has neither data nor digest", p.Name)
		}
		return p.Digest, nil
	}
	if !p.DigestMethod.Available() {
		return nil, fmt.Errorf("digest algorithm %v not available", p.DigestMethod)
	}
	hasher := p.DigestMethod.New()
	hasher.Write(p.Data)
	return hasher.Sum(nil), nil
}

// Step is one sibling on the path from a leaf to the root.
type Step struct {
	// Left is true when the sibling is the left operand.
	Left   bool
	Digest []byte
}

// Proof links one part to the chain root.
type Proof struct {
	Part         string
	DigestMethod crypto.Hash // digest algorithm of the part itself
	Leaf         []byte
	Steps        []Step
	// Err is set when the proof could not be decoded. It only affects
	// verification of this part.
	Err error
}

// Root recomputes the root digest reached from the leaf.
func (p *Proof) Root(h crypto.Hash) []byte {
	node := p.Leaf
	for _, s := range p.Steps {
		if s.Left {
			node = combine(h, s.Digest, node)
		} else {
			node = combine(h, node, s.Digest)
		}
	}
	return node
}

// Chain holds the proofs of every part of a batch.
type Chain struct {
	DigestMethod crypto.Hash
	Proofs       []Proof
}

// Build creates a chain over parts, preserving their order, and returns it
// together with the root digest.
func Build(h crypto.Hash, parts []Part) (*Chain, []byte, error) {
	if len(parts) == 0 {
		return nil, nil, ErrNoParts
	}
	if !h.Available() {
		return nil, nil, fmt.Errorf("digest algorithm %v not available", h)
	}

	seen := make(map[string]bool, len(parts))
	chain := &Chain{DigestMethod: h, Proofs: make([]Proof, len(parts))}
	level := make([][]byte, len(parts))
	// position[i] is the index of part i's ancestor in the current level
	position := make([]int, len(parts))

	for i, p := range parts {
		if seen[p.Name] {
			return nil, nil, fmt.Errorf("%w: %s", ErrDuplicatePart, p.Name)
		}
		seen[p.Name] = true

		digest, err := p.ComputeDigest()
		if err != nil {
			return nil, nil, err
		}
		level[i] = digest
		position[i] = i
		chain.Proofs[i] = Proof{
			Part:         p.Name,
			DigestMethod: p.DigestMethod,
			Leaf:         append([]byte(nil), digest...),
		}
	}

	for len(level) > 1 {
		for i := range chain.Proofs {
			pos := position[i]
			switch {
			case pos%2 == 1:
				chain.Proofs[i].Steps = append(chain.Proofs[i].Steps, Step{Left: true, Digest: level[pos-1]})
			case pos+1 < len(level):
				chain.Proofs[i].Steps = append(chain.Proofs[i].Steps, Step{Left: false, Digest: level[pos+1]})
			}
			position[i] = pos / 2
		}

		next := make([][]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, combine(h, level[i], level[i+1]))
			} else {
				next = append(next, level[i])
			}
		}
		level = next
	}

	return chain, level[0], nil
}

// Proof returns the proof of the named part.
func (c *Chain) Proof(name string) (*Proof, bool) {
	for i := range c.Proofs {
		if c.Proofs[i].Part == name {
			return &c.Proofs[i], true
		}
	}
	return nil, false
}

// Narrow returns a chain holding only the proof of the named part.
func (c *Chain) Narrow(name string) (*Chain, error) {
	p, ok := c.Proof(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPartNotFound, name)
	}
	if p.Err != nil {
		return nil, p.Err
	}
	return &Chain{DigestMethod: c.DigestMethod, Proofs: []Proof{*p}}, nil
}

// Verify checks that part is covered by the chain and that its proof leads
// to root.
func (c *Chain) Verify(part Part, root []byte) error {
	proof, ok := c.Proof(part.Name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrPartNotFound, part.Name)
	}
	if proof.Err != nil {
		return proof.Err
	}

	digest, err := part.ComputeDigest()
	if err != nil {
		return err
	}
	if !bytes.Equal(digest, proof.Leaf) {
		return fmt.Errorf("%w: %s", ErrDigestMismatch, part.Name)
	}

	if !bytes.Equal(proof.Root(c.DigestMethod), root) {
		return fmt.Errorf("%w: %s", ErrRootMismatch, part.Name)
	}
	return nil
}

func combine(h crypto.Hash, left, right []byte) []byte {
	hasher := h.New()
	hasher.Write(left)
	hasher.Write(right)
	return hasher.Sum(nil)
}
