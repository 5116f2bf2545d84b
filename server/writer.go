// server/writer.go
// Copyright(c) 2022 the cdpserver authors
// BSD licensed; see LICENSE for details.

package server

import "github.com/cdpfgl/cdpserver/storage"

// metaEntry pairs a file-version record with the host it belongs to
// while it waits in the metadata queue.
type metaEntry struct {
	hostname string
	rec      *storage.FileRecord
}

// barrier is a queue item that carries no data; the writer closes the
// channel when it pops it. Flush pushes one on each queue and waits,
// so everything enqueued earlier is on the backend by the time Flush
// returns.
type barrier chan struct{}

// metaWriter is the single consumer of the metadata queue. Backend
// failures are logged and the loop continues; an ingestion hiccup must
// not take the server down.
func (s *Server) metaWriter() {
	defer s.wg.Done()
	for {
		item, ok := s.metaQueue.pop()
		if !ok {
			return
		}
		switch it := item.(type) {
		case barrier:
			close(it)
		case metaEntry:
			if err := s.backend.StoreMeta(it.hostname, it.rec); err != nil {
				log.Errorf("%s: storing metadata for %q: %v",
					it.hostname, it.rec.Name, err)
			} else {
				s.stats.metaStored(int64(len(it.rec.EncodeLine())))
			}
		}
	}
}

// blockWriter is the single consumer of the block queue.
func (s *Server) blockWriter() {
	defer s.wg.Done()
	for {
		item, ok := s.blockQueue.pop()
		if !ok {
			return
		}
		switch it := item.(type) {
		case barrier:
			close(it)
		case *storage.Block:
			dup := s.backend.HasBlock(it.Hash)
			if err := s.backend.StoreBlock(it); err != nil {
				log.Errorf("storing block %s: %v", it.Hash, err)
			} else {
				s.stats.blockStored(int64(len(it.Data)), dup)
			}
		}
	}
}

// Flush blocks until both writers have consumed everything enqueued
// before the call.
func (s *Server) Flush() {
	mb, bb := barrier(make(chan struct{})), barrier(make(chan struct{}))
	s.metaQueue.push(mb)
	s.blockQueue.push(bb)
	<-mb
	<-bb
}
