// server/server.go
// Copyright(c) 2022 the cdpserver authors
// BSD licensed; see LICENSE for details.

package server

import (
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/cdpfgl/cdpserver/storage"
)

var log = logrus.StandardLogger()

// SetLogger redirects the package's log output.
func SetLogger(l *logrus.Logger) {
	log = l
}

// Server is the backup server: an HTTP front end over a storage
// backend, with writes decoupled from request handling by two
// unbounded queues, each drained by a single goroutine.
type Server struct {
	backend storage.Backend
	stats   *stats

	metaQueue  *queue
	blockQueue *queue
	wg         sync.WaitGroup

	router *mux.Router
}

// New starts a Server over the given backend. The two writer
// goroutines run until Shutdown.
func New(backend storage.Backend) *Server {
	s := &Server{
		backend:    backend,
		stats:      newStats(),
		metaQueue:  newQueue(),
		blockQueue: newQueue(),
	}
	s.router = s.routes()

	s.wg.Add(2)
	go s.metaWriter()
	go s.blockWriter()

	log.Infof("serving %s", backend)
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/Version.json", s.handleVersionJSON).Methods("GET")
	r.HandleFunc("/Version", s.handleVersionText).Methods("GET")
	r.HandleFunc("/Stats.json", s.handleStats).Methods("GET")
	r.HandleFunc("/File/List.json", s.handleFileList).Methods("GET")
	r.HandleFunc("/Data/Hash_Array.json", s.handleGetHashArray).Methods("GET")
	r.HandleFunc("/Data/{hash}.json", s.handleGetData).Methods("GET")

	r.HandleFunc("/Meta.json", s.handleMeta).Methods("POST")
	r.HandleFunc("/Hash_Array.json", s.handlePostHashArray).Methods("POST")
	r.HandleFunc("/Data.json", s.handleData).Methods("POST")
	r.HandleFunc("/Data_Array.json", s.handleDataArray).Methods("POST")

	r.Handle("/metrics", s.stats.metricsHandler()).Methods("GET")

	r.NotFoundHandler = http.HandlerFunc(s.handleUnknown)
	r.MethodNotAllowedHandler = http.HandlerFunc(s.handleUnknown)
	return r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Shutdown drains and stops the writer goroutines. The HTTP listener
// must already be stopped: nothing may push after the queues close.
func (s *Server) Shutdown() {
	nm, nb := s.metaQueue.depth(), s.blockQueue.depth()
	if nm > 0 || nb > 0 {
		log.Infof("draining queues: %d metadata, %d block items", nm, nb)
	}
	s.metaQueue.close()
	s.blockQueue.close()
	s.wg.Wait()
	s.backend.LogStats()
	if err := s.backend.Close(); err != nil {
		log.Errorf("closing %s: %v", s.backend, err)
	}
}
