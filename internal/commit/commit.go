// Package commit manages the immutable commit graph of a page and the set
// of heads the graph currently converges to. Commits are content-addressed:
// a commit's identifier is the digest of its canonical serialized bytes, so
// two devices producing the same logical commit agree on its identity
// without coordination.
package commit

import (
	"errors"
	"fmt"
	"sort"

	"github.com/aweris/pagesync/internal/codec"
	"github.com/aweris/pagesync/internal/object"
)

var (
	// ErrMissingParent is returned when a commit references a parent that is
	// not present locally and could not be fetched.
	ErrMissingParent = errors.New("commit: missing parent")

	// ErrInvalid is returned for commits violating graph invariants.
	ErrInvalid = errors.New("commit: invalid")
)

// Source tags where a commit was learned from. Locally authored commits are
// eligible for upload; commits learned via sync are not re-uploaded.
type Source uint8

const (
	SourceLocal Source = iota
	SourceSync
)

func (s Source) String() string {
	if s == SourceSync {
		return "sync"
	}
	return "local"
}

// Commit is one immutable node of a page's version DAG. The identifier is
// derived from the serialized form and cached alongside.
type Commit struct {
	record record
	id     object.ID
	bytes  []byte
}

// record is the canonical serialized form. Field order and parent ordering
// are fixed so identical logical commits encode to identical bytes.
type record struct {
	Parents    []object.ID `cbor:"p"`
	Root       object.ID   `cbor:"r"`
	Generation uint64      `cbor:"g"`
	Timestamp  int64       `cbor:"t"`
}

// New builds a commit on top of the given parents. Generation is derived,
// never supplied: max of the parent generations plus one, zero for genesis.
// Parents are sorted by digest to keep the encoding canonical.
func New(parents []*Commit, root object.ID, timestamp int64) (*Commit, error) {
	rec := record{Root: root, Timestamp: timestamp}
	for _, p := range parents {
		rec.Parents = append(rec.Parents, p.id)
		if p.Generation()+1 > rec.Generation {
			rec.Generation = p.Generation() + 1
		}
	}
	sort.Slice(rec.Parents, func(i, j int) bool {
		return rec.Parents[i].Digest < rec.Parents[j].Digest
	})

	data, err := codec.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode commit: %w", err)
	}
	return &Commit{record: rec, id: object.Identify(data), bytes: data}, nil
}

// Genesis builds the deterministic first commit of a page: no parents,
// generation zero, timestamp zero. Every device derives the identical
// genesis for the same empty root.
func Genesis(emptyRoot object.ID) (*Commit, error) {
	return New(nil, emptyRoot, 0)
}

// Decode parses serialized commit bytes, recomputing the identifier.
func Decode(data []byte) (*Commit, error) {
	var rec record
	if err := codec.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode commit: %w", err)
	}

	c := &Commit{record: rec, id: object.Identify(data), bytes: append([]byte(nil), data...)}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Commit) validate() error {
	if len(c.record.Parents) == 0 && c.record.Generation != 0 {
		return fmt.Errorf("%w: parentless commit with generation %d", ErrInvalid, c.record.Generation)
	}
	if len(c.record.Parents) > 0 && c.record.Generation == 0 {
		return fmt.Errorf("%w: generation 0 with %d parents", ErrInvalid, len(c.record.Parents))
	}
	if c.record.Root.IsZero() {
		return fmt.Errorf("%w: commit without root", ErrInvalid)
	}
	for i := 1; i < len(c.record.Parents); i++ {
		if c.record.Parents[i-1].Digest >= c.record.Parents[i].Digest {
			return fmt.Errorf("%w: parents not sorted", ErrInvalid)
		}
	}
	return nil
}

// ID returns the commit's content-derived identifier.
func (c *Commit) ID() object.ID { return c.id }

// Parents returns the parent identifiers: none for genesis, one for a
// normal edit, two or more for a merge.
func (c *Commit) Parents() []object.ID { return c.record.Parents }

// Root returns the identifier of the commit's tree root.
func (c *Commit) Root() object.ID { return c.record.Root }

// Generation returns the commit's depth counter; it strictly increases
// along every parent-to-child edge.
func (c *Commit) Generation() uint64 { return c.record.Generation }

// Timestamp returns the author-side creation time in Unix milliseconds.
func (c *Commit) Timestamp() int64 { return c.record.Timestamp }

// Bytes returns the canonical serialized form.
func (c *Commit) Bytes() []byte { return c.bytes }

func (c *Commit) String() string {
	return fmt.Sprintf("commit %s gen=%d parents=%d", c.id.Digest, c.record.Generation, len(c.record.Parents))
}
