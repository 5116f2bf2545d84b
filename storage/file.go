// storage/file.go
// Copyright(c) 2022 the cdpserver authors
// BSD licensed; see LICENSE for details.

package storage

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/renameio"
	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"

	"github.com/cdpfgl/cdpserver/util"
)

// Fan-out levels up to this one get their directory tree fully
// pre-created at initialisation. Deeper levels have too many leaves
// (256^level) to create eagerly, so their directories are made on
// first write instead.
const precreateLevel = 2

// file is a Backend that stores blocks and metadata logs in a local
// directory tree. Blocks live under <prefix>/data/ in a fan-out of
// <level> two-hex-character directory levels taken from the hash
// prefix; each host's metadata log is a single append-only file under
// <prefix>/meta/.
type file struct {
	prefix string
	level  int

	// hostMu serialises appends per host so records never interleave.
	mu     sync.Mutex
	hostMu map[string]*sync.Mutex

	nBlocksStored int64
	nBytesStored  int64
	nMetaStored   int64
}

var _ Backend = (*file)(nil)

// NewFile returns a Backend rooted at prefix with the given fan-out
// level. The level must be between 2 and 5; a data tree already marked
// complete is reused as is.
func NewFile(prefix string, level int) (Backend, error) {
	if level < 2 || level > 5 {
		return nil, ErrBadDirLevel
	}
	fb := &file{
		prefix: prefix,
		level:  level,
		hostMu: make(map[string]*sync.Mutex),
	}
	if err := os.MkdirAll(fb.metaDir(), 0700); err != nil {
		return nil, errors.Wrap(err, "file backend")
	}
	if err := os.MkdirAll(fb.dataDir(), 0700); err != nil {
		return nil, errors.Wrap(err, "file backend")
	}
	if err := fb.prepareFanout(); err != nil {
		return nil, errors.Wrap(err, "file backend")
	}
	return fb, nil
}

func (fb *file) String() string {
	return fmt.Sprintf("file backend at %s (level %d)", fb.prefix, fb.level)
}

func (fb *file) dataDir() string { return filepath.Join(fb.prefix, "data") }
func (fb *file) metaDir() string { return filepath.Join(fb.prefix, "meta") }

func (fb *file) doneMarker() string {
	return filepath.Join(fb.dataDir(), ".done")
}

// prepareFanout creates the fan-out directories under data/ and drops
// the .done marker. With the marker already present the work is
// skipped, so a large tree is only ever built once. Beyond
// precreateLevel the leaf count is prohibitive and directories are
// created lazily by StoreBlock; the marker is still written so restarts
// don't retry.
func (fb *file) prepareFanout() error {
	if _, err := os.Stat(fb.doneMarker()); err == nil {
		return nil
	}
	if fb.level <= precreateLevel {
		if err := makeSubdirs(fb.dataDir(), fb.level); err != nil {
			return err
		}
	}
	return renameio.WriteFile(fb.doneMarker(), []byte{}, 0600)
}

func makeSubdirs(dir string, depth int) error {
	if depth == 0 {
		return nil
	}
	for i := 0; i < 256; i++ {
		sub := filepath.Join(dir, fmt.Sprintf("%02x", i))
		if err := os.Mkdir(sub, 0700); err != nil && !os.IsExist(err) {
			return err
		}
		if err := makeSubdirs(sub, depth-1); err != nil {
			return err
		}
	}
	return nil
}

// blockPath maps a hash to its payload path: the first level bytes of
// the hex form become directories, the rest is the file name.
func (fb *file) blockPath(h Hash) string {
	hx := h.String()
	parts := make([]string, 0, fb.level+2)
	parts = append(parts, fb.dataDir())
	for i := 0; i < fb.level; i++ {
		parts = append(parts, hx[2*i:2*i+2])
	}
	parts = append(parts, hx[2*fb.level:])
	return filepath.Join(parts...)
}

// blockMeta is the sidecar keyfile describing how a stored payload is
// encoded.
type blockMeta struct {
	Meta struct {
		CmpType  int16 `toml:"cmptype"`
		UncmpLen int64 `toml:"uncmplen"`
	} `toml:"meta"`
}

///////////////////////////////////////////////////////////////////////////
// Blocks

func (fb *file) StoreBlock(b *Block) error {
	if !b.CmpType.Valid() {
		return ErrBadCmpType
	}
	path := fb.blockPath(b.Hash)
	if fb.level > precreateLevel {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return errors.Wrap(err, "block dir")
		}
	}

	// Sidecar first: a payload without its descriptor would decode
	// wrongly, a descriptor without its payload is invisible.
	var bm blockMeta
	bm.Meta.CmpType = int16(b.CmpType)
	bm.Meta.UncmpLen = b.UncmpLen
	enc, err := toml.Marshal(bm)
	if err != nil {
		return errors.Wrap(err, "block meta")
	}
	if err := renameio.WriteFile(path+".meta", enc, 0600); err != nil {
		return errors.Wrap(err, "block meta")
	}
	if err := renameio.WriteFile(path, b.Data, 0600); err != nil {
		return errors.Wrap(err, "block data")
	}

	fb.mu.Lock()
	fb.nBlocksStored++
	fb.nBytesStored += int64(len(b.Data))
	fb.mu.Unlock()
	return nil
}

func (fb *file) HasBlock(h Hash) bool {
	fi, err := os.Stat(fb.blockPath(h))
	return err == nil && fi.Mode().IsRegular()
}

func (fb *file) NeededBlocks(hashes []Hash) []Hash {
	return neededFrom(fb, hashes)
}

func (fb *file) RetrieveBlock(h Hash) (*Block, error) {
	path := fb.blockPath(h)
	data, err := ioutil.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, ErrHashNotFound
	} else if err != nil {
		return nil, errors.Wrap(err, "block data")
	}

	b := &Block{Hash: h, Data: data,
		CmpType: CompressionNone, UncmpLen: int64(len(data))}

	// A missing sidecar means an uncompressed block stored by an
	// older server.
	enc, err := ioutil.ReadFile(path + ".meta")
	if os.IsNotExist(err) {
		return b, nil
	} else if err != nil {
		return nil, errors.Wrap(err, "block meta")
	}
	var bm blockMeta
	if err := toml.Unmarshal(enc, &bm); err != nil {
		return nil, errors.Wrap(err, "block meta")
	}
	b.CmpType = CompressionType(bm.Meta.CmpType)
	b.UncmpLen = bm.Meta.UncmpLen
	if !b.CmpType.Valid() {
		return nil, ErrBadCmpType
	}
	return b, nil
}

///////////////////////////////////////////////////////////////////////////
// Metadata

func (fb *file) hostLock(hostname string) *sync.Mutex {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	m, ok := fb.hostMu[hostname]
	if !ok {
		m = &sync.Mutex{}
		fb.hostMu[hostname] = m
	}
	return m
}

func (fb *file) metaPath(hostname string) string {
	return filepath.Join(fb.metaDir(), hostname)
}

func (fb *file) StoreMeta(hostname string, rec *FileRecord) error {
	if !validHostname(hostname) {
		return ErrBadHostname
	}
	m := fb.hostLock(hostname)
	m.Lock()
	defer m.Unlock()

	f, err := os.OpenFile(fb.metaPath(hostname),
		os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return errors.Wrap(err, "meta log")
	}
	_, err = f.WriteString(rec.EncodeLine())
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return errors.Wrap(err, "meta log")
	}

	fb.mu.Lock()
	fb.nMetaStored++
	fb.mu.Unlock()
	return nil
}

func (fb *file) ListFiles(q *Query) ([]*FileRecord, error) {
	if !validHostname(q.Hostname) {
		return nil, ErrBadHostname
	}
	f, err := os.Open(fb.metaPath(q.Hostname))
	if os.IsNotExist(err) {
		return []*FileRecord{}, nil
	} else if err != nil {
		return nil, errors.Wrap(err, "meta log")
	}
	defer f.Close()

	recs, err := scanRecords(f, q.Hostname, q.Reduced)
	if err != nil {
		return nil, errors.Wrap(err, "meta log")
	}
	return filterRecords(recs, q)
}

func (fb *file) LogStats() {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	log.Infof("%s: stored %d blocks (%s), %d metadata records",
		fb, fb.nBlocksStored, util.FmtBytes(fb.nBytesStored),
		fb.nMetaStored)
}

func (fb *file) Close() error {
	return nil
}
