// storage/memory.go
// Copyright(c) 2022 the cdpserver authors
// BSD licensed; see LICENSE for details.

package storage

import (
	"sync"

	"github.com/cdpfgl/cdpserver/util"
)

// memory is a Backend that stores everything in RAM. It is mostly
// useful for testing.
type memory struct {
	mu     sync.RWMutex
	blocks map[Hash]*Block
	meta   map[string][]*FileRecord

	nBytesStored int64
}

var _ Backend = (*memory)(nil)

// NewMemory returns a Backend that stores blocks and metadata in
// memory.
func NewMemory() Backend {
	return &memory{
		blocks: make(map[Hash]*Block),
		meta:   make(map[string][]*FileRecord),
	}
}

func (mb *memory) String() string {
	return "memory backend"
}

func dupe(b []byte) []byte {
	d := make([]byte, len(b))
	copy(d, b)
	return d
}

func (mb *memory) StoreBlock(b *Block) error {
	if !b.CmpType.Valid() {
		return ErrBadCmpType
	}
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if _, ok := mb.blocks[b.Hash]; ok {
		return nil
	}
	mb.blocks[b.Hash] = &Block{
		Hash:     b.Hash,
		Data:     dupe(b.Data),
		CmpType:  b.CmpType,
		UncmpLen: b.UncmpLen,
	}
	mb.nBytesStored += int64(len(b.Data))
	return nil
}

func (mb *memory) HasBlock(h Hash) bool {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	_, ok := mb.blocks[h]
	return ok
}

func (mb *memory) NeededBlocks(hashes []Hash) []Hash {
	return neededFrom(mb, hashes)
}

func (mb *memory) RetrieveBlock(h Hash) (*Block, error) {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	b, ok := mb.blocks[h]
	if !ok {
		return nil, ErrHashNotFound
	}
	return &Block{
		Hash:     b.Hash,
		Data:     dupe(b.Data),
		CmpType:  b.CmpType,
		UncmpLen: b.UncmpLen,
	}, nil
}

func (mb *memory) StoreMeta(hostname string, rec *FileRecord) error {
	if !validHostname(hostname) {
		return ErrBadHostname
	}
	cp := *rec
	cp.Hashes = append([]Hash(nil), rec.Hashes...)
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.meta[hostname] = append(mb.meta[hostname], &cp)
	return nil
}

func (mb *memory) ListFiles(q *Query) ([]*FileRecord, error) {
	if !validHostname(q.Hostname) {
		return nil, ErrBadHostname
	}
	mb.mu.RLock()
	recs := make([]*FileRecord, 0, len(mb.meta[q.Hostname]))
	for _, r := range mb.meta[q.Hostname] {
		cp := *r
		if q.Reduced {
			cp = FileRecord{FileType: r.FileType, Mtime: r.Mtime,
				Size: r.Size, Name: r.Name}
		} else {
			cp.Hashes = append([]Hash(nil), r.Hashes...)
		}
		recs = append(recs, &cp)
	}
	mb.mu.RUnlock()
	return filterRecords(recs, q)
}

func (mb *memory) LogStats() {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	nrecs := 0
	for _, rs := range mb.meta {
		nrecs += len(rs)
	}
	log.Infof("%s: holding %d blocks (%s), %d metadata records",
		mb, len(mb.blocks), util.FmtBytes(mb.nBytesStored), nrecs)
}

func (mb *memory) Close() error {
	return nil
}
