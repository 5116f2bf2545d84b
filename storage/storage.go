// storage/storage.go
// Copyright(c) 2022 the cdpserver authors
// BSD licensed; see LICENSE for details.

package storage

import (
	"encoding/base64"
	"encoding/hex"
	"errors"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/sha3"
)

var (
	ErrHashNotFound = errors.New("hash not found")
	ErrHashMismatch = errors.New("hash value mismatch")
	ErrBadHash      = errors.New("malformed hash")
	ErrBadCmpType   = errors.New("unknown compression type")
	ErrBadDirLevel  = errors.New("dir-level must be between 2 and 5")
	ErrBadHostname  = errors.New("missing or malformed hostname")
	ErrBadRecord    = errors.New("malformed metadata record")
	ErrBadFilter    = errors.New("malformed query filter")
)

///////////////////////////////////////////////////////////////////////////
// Logging

var log = logrus.StandardLogger()

// SetLogger redirects the package's log output.
func SetLogger(l *logrus.Logger) {
	log = l
}

///////////////////////////////////////////////////////////////////////////
// Hashing

// HashSize is the number of bytes in the hash values used to identify
// blocks.
const HashSize = 32

// Hash encodes a fixed-size secure hash of a block's uncompressed
// bytes. It is the block's identity: equality of hashes is equality of
// blocks.
type Hash [HashSize]byte

// NewHash builds a Hash from its raw 32-byte form.
func NewHash(b []byte) (Hash, error) {
	var h Hash
	if len(b) != HashSize {
		return h, ErrBadHash
	}
	copy(h[:], b)
	return h, nil
}

// HashBytes computes the SHAKE256 hash of the given byte slice.
func HashBytes(b []byte) Hash {
	var h Hash
	sha3.ShakeSum256(h[:], b)
	return h
}

// String returns the given Hash as a hexadecimal-encoded string; this
// is the form used for block file names and in /Data/ URLs.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Base64 returns the Hash base64-encoded, the form used on the wire
// and in the metadata logs.
func (h Hash) Base64() string {
	return base64.StdEncoding.EncodeToString(h[:])
}

// ParseHexHash converts the 64-hex-character form back into a Hash.
func ParseHexHash(s string) (Hash, error) {
	var h Hash
	if len(s) != 2*HashSize {
		return h, ErrBadHash
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, ErrBadHash
	}
	copy(h[:], b)
	return h, nil
}

// ParseBase64Hash converts a base64-encoded hash back into a Hash.
func ParseBase64Hash(s string) (Hash, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return Hash{}, ErrBadHash
	}
	return NewHash(b)
}

///////////////////////////////////////////////////////////////////////////
// Blocks

// Block is one immutable content-addressed chunk as transmitted by a
// client. Data holds the payload bytes exactly as received; when
// CmpType isn't CompressionNone they are the compressed form, and
// UncmpLen tells readers how large the original bytes are.
type Block struct {
	Hash     Hash
	Data     []byte
	CmpType  CompressionType
	UncmpLen int64
}

///////////////////////////////////////////////////////////////////////////
// Interface to storage backends

// Backend is the storage capability the server runs against: durable
// homes for blocks and for per-host file-version records, plus the
// queries the protocol needs. Implementations must deduplicate blocks
// by hash (storing the same hash twice is legal and idempotent).
//
// StoreMeta calls for the same host must not interleave; the single
// metadata writer guarantees that in the server, and implementations
// serialise internally as well so that tests may drive them directly
// from multiple goroutines.
type Backend interface {
	// String returns a short description of the backend.
	String() string

	// StoreMeta appends one file-version record to the host's
	// metadata log.
	StoreMeta(hostname string, rec *FileRecord) error

	// StoreBlock persists a block and its compression descriptor.
	// Writing the same hash twice produces the same stored state.
	StoreBlock(b *Block) error

	// HasBlock reports whether a block with the given hash is stored.
	// I/O errors count as "not present": a false negative only causes
	// a harmless re-send.
	HasBlock(h Hash) bool

	// NeededBlocks returns, preserving input order and without
	// duplicates, the subset of hashes the backend does not hold.
	NeededBlocks(hashes []Hash) []Hash

	// RetrieveBlock returns the stored block for the given hash, or
	// ErrHashNotFound.
	RetrieveBlock(h Hash) (*Block, error)

	// ListFiles scans the metadata log selected by the query's
	// hostname and returns the matching records sorted by
	// (name, mtime). An unknown host yields an empty list, not an
	// error.
	ListFiles(q *Query) ([]*FileRecord, error)

	// LogStats reports whatever statistics the backend gathered.
	LogStats()

	// Close releases the backend's resources.
	Close() error
}

// neededFrom implements the needed-blocks query on top of HasBlock:
// input order is preserved, a hash is emitted at most once, and a hash
// that the backend holds is never emitted. Racing a concurrent store
// is acceptable; a redundant re-send is harmless.
func neededFrom(b Backend, hashes []Hash) []Hash {
	needed := []Hash{}
	emitted := make(map[Hash]struct{})
	for _, h := range hashes {
		if _, ok := emitted[h]; ok {
			continue
		}
		if !b.HasBlock(h) {
			needed = append(needed, h)
			emitted[h] = struct{}{}
		}
	}
	return needed
}
