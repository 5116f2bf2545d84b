// storage/compress.go
// Copyright(c) 2022 the cdpserver authors
// BSD licensed; see LICENSE for details.

package storage

import (
	"bytes"
	"io"
	"sync"

	"github.com/klauspost/compress/zlib"
	"github.com/pkg/errors"
)

// CompressionType identifies the codec a block's payload bytes are
// stored under. The numeric values appear on the wire and in the
// sidecar keyfiles and must not be renumbered.
type CompressionType int16

const (
	CompressionNone CompressionType = 0
	CompressionZlib CompressionType = 1
)

// Valid reports whether t is a compression type this server knows.
func (t CompressionType) Valid() bool {
	return t == CompressionNone || t == CompressionZlib
}

func (t CompressionType) String() string {
	switch t {
	case CompressionNone:
		return "none"
	case CompressionZlib:
		return "zlib"
	default:
		return "unknown"
	}
}

var zlibWriterPool = sync.Pool{
	New: func() interface{} {
		return zlib.NewWriter(nil)
	},
}

// Deflate compresses b with zlib.
func Deflate(b []byte) []byte {
	var buf bytes.Buffer
	zw := zlibWriterPool.Get().(*zlib.Writer)
	zw.Reset(&buf)
	_, err := zw.Write(b)
	if err == nil {
		err = zw.Close()
	}
	zlibWriterPool.Put(zw)
	if err != nil {
		// Writes to a bytes.Buffer don't fail.
		panic(err)
	}
	return buf.Bytes()
}

// Inflate decompresses zlib-compressed bytes, expecting exactly
// uncmpLen bytes of output.
func Inflate(b []byte, uncmpLen int64) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, errors.Wrap(err, "zlib")
	}
	defer zr.Close()

	out := make([]byte, 0, uncmpLen)
	buf := bytes.NewBuffer(out)
	n, err := io.Copy(buf, zr)
	if err != nil {
		return nil, errors.Wrap(err, "zlib")
	}
	if n != uncmpLen {
		return nil, errors.Errorf("inflated to %d bytes, expected %d",
			n, uncmpLen)
	}
	return buf.Bytes(), nil
}

// Uncompressed returns the block's payload in its original,
// uncompressed form.
func (b *Block) Uncompressed() ([]byte, error) {
	switch b.CmpType {
	case CompressionNone:
		return b.Data, nil
	case CompressionZlib:
		return Inflate(b.Data, b.UncmpLen)
	default:
		return nil, ErrBadCmpType
	}
}
