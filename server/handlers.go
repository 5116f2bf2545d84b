// server/handlers.go
// Copyright(c) 2022 the cdpserver authors
// BSD licensed; see LICENSE for details.

package server

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/cdpfgl/cdpserver/storage"
)

///////////////////////////////////////////////////////////////////////////
// Response plumbing

// writeJSON sends v with status 200. URLs ending in .json answer
// application/json, everything else text/plain.
func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("encoding response: %v", err)
	}
}

func writeText(w http.ResponseWriter, s string) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, s)
}

// writeError answers the protocol's error document. The code is
// repeated in the body so clients that only see the payload still
// learn the status.
func writeError(w http.ResponseWriter, code int, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(errorJSON{
		Error: errorBodyJSON{Code: code, Message: msg},
	})
}

///////////////////////////////////////////////////////////////////////////
// GET handlers

func (s *Server) handleVersionJSON(w http.ResponseWriter, r *http.Request) {
	s.stats.countGet("/Version.json")
	writeJSON(w, versionDocument())
}

func (s *Server) handleVersionText(w http.ResponseWriter, r *http.Request) {
	s.stats.countGet("/Version")
	writeText(w, VersionBanner())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.stats.countGet("/Stats.json")
	writeJSON(w, s.stats.document())
}

// b64Arg fetches a base64-shielded query argument. Filename and date
// filters travel encoded so arbitrary paths survive URL syntax.
func b64Arg(r *http.Request, key string) (string, error) {
	v := r.FormValue(key)
	if v == "" {
		return "", nil
	}
	b, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		return "", fmt.Errorf("argument %s: bad base64", key)
	}
	return string(b), nil
}

func boolArg(r *http.Request, key string) bool {
	return r.FormValue(key) == "True"
}

func (s *Server) handleFileList(w http.ResponseWriter, r *http.Request) {
	s.stats.countGet("/File/List.json")

	q := &storage.Query{
		Hostname: r.FormValue("hostname"),
		UID:      r.FormValue("uid"),
		GID:      r.FormValue("gid"),
		Owner:    r.FormValue("owner"),
		Group:    r.FormValue("group"),
		Latest:   boolArg(r, "latest"),
		Reduced:  boolArg(r, "reduced"),
	}
	if q.Hostname == "" {
		writeError(w, http.StatusBadRequest, "missing hostname argument")
		return
	}
	var err error
	if q.Filename, err = b64Arg(r, "filename"); err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	if q.Date, err = b64Arg(r, "date"); err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	if q.AfterDate, err = b64Arg(r, "afterdate"); err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	if q.BeforeDate, err = b64Arg(r, "beforedate"); err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}

	recs, err := s.backend.ListFiles(q)
	switch err {
	case nil:
	case storage.ErrBadHostname, storage.ErrBadFilter:
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	default:
		log.Errorf("listing files for %s: %v", q.Hostname, err)
		writeError(w, http.StatusInternalServerError, "listing files: %v", err)
		return
	}

	out := fileListJSON{FileList: []fileMetaJSON{}}
	for _, rec := range recs {
		out.FileList = append(out.FileList, recordToJSON(rec))
	}
	writeJSON(w, out)
}

func (s *Server) handleGetData(w http.ResponseWriter, r *http.Request) {
	s.stats.countGet(dataHashKey)

	h, err := storage.ParseHexHash(mux.Vars(r)["hash"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed hash in URL")
		return
	}
	b, err := s.backend.RetrieveBlock(h)
	if err == storage.ErrHashNotFound {
		writeError(w, http.StatusNotFound, "hash %s not found", h)
		return
	} else if err != nil {
		log.Errorf("retrieving block %s: %v", h, err)
		writeError(w, http.StatusInternalServerError, "retrieving block: %v", err)
		return
	}
	writeJSON(w, blockToJSON(b))
}

// handleGetHashArray answers the X-Get-Hash-Array header: the named
// blocks' uncompressed payloads concatenated in header order, wrapped
// as a single uncompressed block whose hash is computed over the
// concatenation. Unknown hashes are skipped.
func (s *Server) handleGetHashArray(w http.ResponseWriter, r *http.Request) {
	s.stats.countGet("/Data/Hash_Array.json")

	header := r.Header.Get("X-Get-Hash-Array")
	if header == "" {
		writeError(w, http.StatusBadRequest, "missing X-Get-Hash-Array header")
		return
	}
	hashes, err := parseHashHeader(header)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}

	var concat []byte
	for _, h := range hashes {
		b, err := s.backend.RetrieveBlock(h)
		if err == storage.ErrHashNotFound {
			log.Warnf("hash array: %s not found, skipping", h)
			continue
		} else if err != nil {
			log.Errorf("retrieving block %s: %v", h, err)
			writeError(w, http.StatusInternalServerError,
				"retrieving block: %v", err)
			return
		}
		data, err := b.Uncompressed()
		if err != nil {
			log.Errorf("inflating block %s: %v", h, err)
			writeError(w, http.StatusInternalServerError,
				"inflating block: %v", err)
			return
		}
		concat = append(concat, data...)
	}

	out := &storage.Block{
		Hash:     storage.HashBytes(concat),
		Data:     concat,
		CmpType:  storage.CompressionNone,
		UncmpLen: int64(len(concat)),
	}
	writeJSON(w, blockToJSON(out))
}

// parseHashHeader parses a comma-separated list of base64 hashes, each
// optionally double-quoted.
func parseHashHeader(header string) ([]storage.Hash, error) {
	var hashes []storage.Hash
	for _, f := range strings.Split(header, ",") {
		f = strings.TrimSpace(f)
		f = strings.Trim(f, `"`)
		if f == "" {
			continue
		}
		h, err := storage.ParseBase64Hash(f)
		if err != nil {
			return nil, fmt.Errorf("malformed hash %q in header", f)
		}
		hashes = append(hashes, h)
	}
	return hashes, nil
}

///////////////////////////////////////////////////////////////////////////
// POST handlers

// handleMeta ingests one file-version record. The record is queued and
// acknowledged immediately; the answer lists the content blocks the
// store still needs, unless the client said it will send the data
// regardless.
func (s *Server) handleMeta(w http.ResponseWriter, r *http.Request) {
	s.stats.countPost("/Meta.json")

	var body metaPostJSON
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body: %v", err)
		return
	}
	if body.Hostname == "" {
		writeError(w, http.StatusBadRequest, "missing hostname")
		return
	}
	rec, err := body.Meta.toRecord()
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}

	s.metaQueue.push(metaEntry{hostname: body.Hostname, rec: rec})

	needed := []storage.Hash{}
	if !body.DataSent {
		needed = s.backend.NeededBlocks(rec.Hashes)
	}
	writeJSON(w, hashesToJSON(needed))
}

// handlePostHashArray answers which of the posted hashes the store
// still needs.
func (s *Server) handlePostHashArray(w http.ResponseWriter, r *http.Request) {
	s.stats.countPost("/Hash_Array.json")

	var body hashListJSON
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body: %v", err)
		return
	}
	hashes, err := hashesFromJSON(body.HashList)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	writeJSON(w, hashesToJSON(s.backend.NeededBlocks(hashes)))
}

// handleData ingests one block: queue it, acknowledge immediately.
func (s *Server) handleData(w http.ResponseWriter, r *http.Request) {
	s.stats.countPost("/Data.json")

	var body blockJSON
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body: %v", err)
		return
	}
	b, err := body.toBlock()
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	s.blockQueue.push(b)
	writeText(w, "Ok!")
}

// handleDataArray ingests a batch of blocks in one request.
func (s *Server) handleDataArray(w http.ResponseWriter, r *http.Request) {
	s.stats.countPost("/Data_Array.json")

	var body dataArrayJSON
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body: %v", err)
		return
	}
	blocks := make([]*storage.Block, 0, len(body.DataArray))
	for _, bj := range body.DataArray {
		b, err := bj.toBlock()
		if err != nil {
			writeError(w, http.StatusBadRequest, "%v", err)
			return
		}
		blocks = append(blocks, b)
	}
	for _, b := range blocks {
		s.blockQueue.push(b)
	}
	writeText(w, "Ok!")
}

///////////////////////////////////////////////////////////////////////////
// Fallback

func (s *Server) handleUnknown(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == "GET" && strings.HasSuffix(r.URL.Path, ".json"):
		s.stats.countGet("/unknown.json")
	case r.Method == "GET":
		s.stats.countGet("/unknown")
	case r.Method == "POST":
		s.stats.countPost("/unknown.json")
	default:
		s.stats.countUnknown(r.Method)
	}
	if strings.HasSuffix(r.URL.Path, ".json") {
		writeError(w, http.StatusNotFound, "unknown URL %s", r.URL.Path)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusNotFound)
	fmt.Fprintf(w, "unknown URL %s\n", r.URL.Path)
}
