// storage/gcs.go
// Copyright(c) 2022 the cdpserver authors
// BSD licensed; see LICENSE for details.

package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"strconv"
	"sync/atomic"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/pkg/errors"
	"google.golang.org/api/iterator"
)

// gcsBackend is a Backend that stores blocks and metadata records as
// objects in a Google Cloud Storage bucket. Blocks live at data/<hex>
// with the compression descriptor in object metadata; each file-version
// record is one object under meta/<hostname>/, named so lexical order
// is append order.
type gcsBackend struct {
	ctx    context.Context
	client *gcs.Client
	bucket *gcs.BucketHandle
	name   string

	upLimit, downLimit *bandwidthLimiter

	seq uint32
}

var _ Backend = (*gcsBackend)(nil)

type GCSOptions struct {
	BucketName string
	ProjectId  string
	// Optional. Will use "us-central1" if not specified.
	Location string

	// zero -> unlimited
	MaxUploadBytesPerSecond   int
	MaxDownloadBytesPerSecond int
}

// NewGCS returns a Backend backed by the given GCS bucket, creating
// the bucket if it doesn't exist.
func NewGCS(options GCSOptions) (Backend, error) {
	g := &gcsBackend{ctx: context.Background(), name: options.BucketName}

	var err error
	g.client, err = gcs.NewClient(g.ctx)
	if err != nil {
		return nil, errors.Wrap(err, "gcs client")
	}

	g.bucket = g.client.Bucket(options.BucketName)
	if _, err := g.bucket.Attrs(g.ctx); err == gcs.ErrBucketNotExist {
		loc := options.Location
		if loc == "" {
			loc = "us-central1"
		}
		if options.ProjectId == "" {
			return nil, errors.New("gcs: project id required to create bucket")
		}
		log.Infof("%s: creating bucket @ %s", options.BucketName, loc)
		err := g.bucket.Create(g.ctx, options.ProjectId,
			&gcs.BucketAttrs{Location: loc})
		if err != nil {
			return nil, errors.Wrap(err, "gcs bucket create")
		}
	} else if err != nil {
		return nil, errors.Wrap(err, "gcs bucket")
	}

	g.upLimit = newBandwidthLimiter(options.MaxUploadBytesPerSecond)
	g.downLimit = newBandwidthLimiter(options.MaxDownloadBytesPerSecond)
	return g, nil
}

func (g *gcsBackend) String() string {
	return "gs://" + g.name
}

func retry(n string, f func() error) error {
	const maxTries = 5
	for tries := 0; ; tries++ {
		err := f()

		if err == nil || tries == maxTries {
			return err
		}

		// Possibly temporary error; sleep and retry.
		log.Warnf("%s: sleeping due to error %v", n, err)
		time.Sleep(time.Duration(100*(tries+1)) * time.Millisecond)
	}
}

func blockObject(h Hash) string {
	return "data/" + h.String()
}

///////////////////////////////////////////////////////////////////////////
// Blocks

func (g *gcsBackend) StoreBlock(b *Block) error {
	if !b.CmpType.Valid() {
		return ErrBadCmpType
	}
	name := blockObject(b.Hash)

	// Checking the attrs is much cheaper than uploading and catching
	// the "already exists" error on Close.
	if _, err := g.bucket.Object(name).Attrs(g.ctx); err == nil {
		return nil
	}

	return retry(name, func() error {
		return g.upload(name, b)
	})
}

func (g *gcsBackend) upload(name string, b *Block) error {
	w := g.bucket.Object(name).NewWriter(g.ctx)
	// Upload along the way rather than waiting for the rate limiting
	// code to eventually hand over all the data.
	w.ChunkSize = 256 * 1024
	w.ContentType = "application/octet-stream"
	w.Metadata = map[string]string{
		"cmptype":  strconv.Itoa(int(b.CmpType)),
		"uncmplen": strconv.FormatInt(b.UncmpLen, 10),
	}

	r := g.upLimit.reader(bytes.NewReader(b.Data))
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

func (g *gcsBackend) HasBlock(h Hash) bool {
	_, err := g.bucket.Object(blockObject(h)).Attrs(g.ctx)
	return err == nil
}

func (g *gcsBackend) NeededBlocks(hashes []Hash) []Hash {
	return neededFrom(g, hashes)
}

func (g *gcsBackend) RetrieveBlock(h Hash) (*Block, error) {
	name := blockObject(h)
	obj := g.bucket.Object(name)

	attrs, err := obj.Attrs(g.ctx)
	if err == gcs.ErrObjectNotExist {
		return nil, ErrHashNotFound
	} else if err != nil {
		return nil, errors.Wrap(err, "gcs attrs")
	}

	var data []byte
	err = retry(name, func() error {
		r, err := obj.NewReader(g.ctx)
		if err != nil {
			return err
		}
		data, err = ioutil.ReadAll(g.downLimit.reader(r))
		r.Close()
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "gcs read")
	}

	b := &Block{Hash: h, Data: data,
		CmpType: CompressionNone, UncmpLen: int64(len(data))}
	if s, ok := attrs.Metadata["cmptype"]; ok {
		ct, err := strconv.Atoi(s)
		if err != nil || !CompressionType(ct).Valid() {
			return nil, ErrBadCmpType
		}
		b.CmpType = CompressionType(ct)
	}
	if s, ok := attrs.Metadata["uncmplen"]; ok {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, errors.Wrap(err, "gcs attrs")
		}
		b.UncmpLen = n
	}
	return b, nil
}

///////////////////////////////////////////////////////////////////////////
// Metadata

func (g *gcsBackend) StoreMeta(hostname string, rec *FileRecord) error {
	if !validHostname(hostname) {
		return ErrBadHostname
	}
	// Lexical order of the names is append order: nanosecond
	// timestamp first, sequence number to break ties.
	name := fmt.Sprintf("meta/%s/%020d-%06d", hostname,
		time.Now().UnixNano(), atomic.AddUint32(&g.seq, 1)%1000000)

	line := []byte(rec.EncodeLine())
	return retry(name, func() error {
		w := g.bucket.Object(name).NewWriter(g.ctx)
		w.ContentType = "text/plain"
		if _, err := w.Write(line); err != nil {
			w.Close()
			return err
		}
		return w.Close()
	})
}

func (g *gcsBackend) ListFiles(q *Query) ([]*FileRecord, error) {
	if !validHostname(q.Hostname) {
		return nil, ErrBadHostname
	}
	var recs []*FileRecord
	it := g.bucket.Objects(g.ctx, &gcs.Query{Prefix: "meta/" + q.Hostname + "/"})
	for {
		obj, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "gcs list")
		}

		var line []byte
		err = retry(obj.Name, func() error {
			r, err := g.bucket.Object(obj.Name).NewReader(g.ctx)
			if err != nil {
				return err
			}
			line, err = ioutil.ReadAll(g.downLimit.reader(r))
			r.Close()
			return err
		})
		if err != nil {
			return nil, errors.Wrap(err, "gcs read")
		}
		rec, err := DecodeLine(string(line), q.Reduced)
		if err != nil {
			log.Warnf("%s: skipping malformed record: %v", obj.Name, err)
			continue
		}
		recs = append(recs, rec)
	}
	return filterRecords(recs, q)
}

func (g *gcsBackend) LogStats() {
	log.Infof("%s: no local statistics gathered", g)
}

func (g *gcsBackend) Close() error {
	g.upLimit.stop()
	g.downLimit.stop()
	return g.client.Close()
}
