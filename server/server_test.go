// server/server_test.go
// Copyright(c) 2022 the cdpserver authors
// BSD licensed; see LICENSE for details.

package server

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cdpfgl/cdpserver/storage"
)

func newTestServer(t *testing.T) *Server {
	s := New(storage.NewMemory())
	t.Cleanup(s.Shutdown)
	return s
}

func doJSON(t *testing.T, s *Server, method, url string, body interface{},
	out interface{}) *httptest.ResponseRecorder {
	var r *http.Request
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = httptest.NewRequest(method, url, bytes.NewReader(b))
	} else {
		r = httptest.NewRequest(method, url, nil)
	}
	w := httptest.NewRecorder()
	s.ServeHTTP(w, r)
	if out != nil && w.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), out),
			"%s %s: %s", method, url, w.Body.String())
	}
	return w
}

func wireBlock(data []byte) blockJSON {
	return blockJSON{
		Hash:     storage.HashBytes(data).Base64(),
		Data:     base64.StdEncoding.EncodeToString(data),
		Size:     int64(len(data)),
		CmpType:  int16(storage.CompressionNone),
		UncmpLen: int64(len(data)),
	}
}

func TestVersion(t *testing.T) {
	s := newTestServer(t)

	var v versionJSON
	w := doJSON(t, s, "GET", "/Version.json", nil, &v)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, ProgramName, v.Name)
	assert.Equal(t, ProgramVersion, v.Version)

	w = doJSON(t, s, "GET", "/Version", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/plain", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), ProgramName)
	assert.Contains(t, w.Body.String(), ProgramVersion)
}

func TestPostAndGetData(t *testing.T) {
	s := newTestServer(t)

	data := []byte("some file content")
	bj := wireBlock(data)

	w := doJSON(t, s, "POST", "/Data.json", bj, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Ok!", w.Body.String())

	// The ack is fire-and-forget; wait for the writer before reading.
	s.Flush()

	var got blockJSON
	hx := storage.HashBytes(data).String()
	w = doJSON(t, s, "GET", "/Data/"+hx+".json", nil, &got)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, bj, got)
}

func TestGetDataErrors(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "GET", "/Data/nothex.json", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	hx := storage.HashBytes([]byte("never stored")).String()
	w = doJSON(t, s, "GET", "/Data/"+hx+".json", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	var e errorJSON
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &e))
	assert.Equal(t, http.StatusNotFound, e.Error.Code)
	assert.NotEmpty(t, e.Error.Message)
}

func TestMetaNeededBlocks(t *testing.T) {
	s := newTestServer(t)

	// Store one of the two content blocks up front.
	have := []byte("already stored")
	w := doJSON(t, s, "POST", "/Data.json", wireBlock(have), nil)
	require.Equal(t, http.StatusOK, w.Code)
	s.Flush()

	missing := []byte("not yet stored")
	meta := metaPostJSON{
		Hostname: "client1",
		Meta: fileMetaJSON{
			FileType: storage.FileTypeRegular,
			Mtime:    1650000000,
			Size:     int64(len(have) + len(missing)),
			Name:     "/home/dup/file.txt",
			HashList: []string{
				storage.HashBytes(have).Base64(),
				storage.HashBytes(missing).Base64(),
			},
		},
	}

	var needed hashListJSON
	w = doJSON(t, s, "POST", "/Meta.json", meta, &needed)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{storage.HashBytes(missing).Base64()},
		needed.HashList)

	// data_sent short-circuits the needed-blocks answer.
	meta.DataSent = true
	w = doJSON(t, s, "POST", "/Meta.json", meta, &needed)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, needed.HashList)
}

func TestMetaThenFileList(t *testing.T) {
	s := newTestServer(t)

	for i, name := range []string{"/etc/fstab", "/etc/hosts"} {
		meta := metaPostJSON{
			Hostname: "client1",
			DataSent: true,
			Meta: fileMetaJSON{
				FileType: storage.FileTypeRegular,
				Mtime:    int64(1650000000 + i),
				Name:     name,
			},
		}
		w := doJSON(t, s, "POST", "/Meta.json", meta, nil)
		require.Equal(t, http.StatusOK, w.Code)
	}
	s.Flush()

	var list fileListJSON
	w := doJSON(t, s, "GET", "/File/List.json?hostname=client1", nil, &list)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, list.FileList, 2)
	assert.Equal(t, "/etc/fstab", list.FileList[0].Name)
	assert.Equal(t, "/etc/hosts", list.FileList[1].Name)

	// Another host's log is empty.
	w = doJSON(t, s, "GET", "/File/List.json?hostname=client2", nil, &list)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, list.FileList)

	// The hostname argument is mandatory.
	w = doJSON(t, s, "GET", "/File/List.json", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEmptyFile(t *testing.T) {
	s := newTestServer(t)

	meta := metaPostJSON{
		Hostname: "h1",
		Meta: fileMetaJSON{
			FileType: storage.FileTypeRegular,
			Name:     "/home/dup/empty.txt",
			HashList: []string{},
		},
	}
	var needed hashListJSON
	w := doJSON(t, s, "POST", "/Meta.json", meta, &needed)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{}, needed.HashList)
	s.Flush()

	filter := base64.StdEncoding.EncodeToString([]byte(".*"))
	var list fileListJSON
	w = doJSON(t, s, "GET",
		"/File/List.json?hostname=h1&filename="+filter, nil, &list)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, list.FileList, 1)
	assert.Equal(t, "/home/dup/empty.txt", list.FileList[0].Name)
	assert.Empty(t, list.FileList[0].HashList)
}

func TestDedupAcrossHosts(t *testing.T) {
	s := newTestServer(t)

	data := []byte("shared content")
	meta := metaPostJSON{
		Hostname: "h1",
		Meta: fileMetaJSON{
			FileType: storage.FileTypeRegular,
			Size:     int64(len(data)),
			Name:     "/shared.bin",
			HashList: []string{storage.HashBytes(data).Base64()},
		},
	}

	var needed hashListJSON
	w := doJSON(t, s, "POST", "/Meta.json", meta, &needed)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, needed.HashList, 1)

	w = doJSON(t, s, "POST", "/Data.json", wireBlock(data), nil)
	require.Equal(t, http.StatusOK, w.Code)
	s.Flush()

	// The second host's meta POST finds the block already stored.
	meta.Hostname = "h2"
	w = doJSON(t, s, "POST", "/Meta.json", meta, &needed)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, needed.HashList)
	s.Flush()

	for _, host := range []string{"h1", "h2"} {
		var list fileListJSON
		w = doJSON(t, s, "GET", "/File/List.json?hostname="+host, nil, &list)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Len(t, list.FileList, 1, host)
	}
}

func TestFileListFilters(t *testing.T) {
	s := newTestServer(t)

	for _, name := range []string{"/a/keep.txt", "/a/skip.dat"} {
		meta := metaPostJSON{
			Hostname: "client1",
			DataSent: true,
			Meta: fileMetaJSON{FileType: storage.FileTypeRegular,
				Mtime: 1650000000, Name: name},
		}
		w := doJSON(t, s, "POST", "/Meta.json", meta, nil)
		require.Equal(t, http.StatusOK, w.Code)
	}
	s.Flush()

	// The filename filter travels base64-encoded.
	filter := base64.StdEncoding.EncodeToString([]byte(`\.txt$`))
	var list fileListJSON
	w := doJSON(t, s, "GET",
		"/File/List.json?hostname=client1&filename="+filter, nil, &list)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, list.FileList, 1)
	assert.Equal(t, "/a/keep.txt", list.FileList[0].Name)

	w = doJSON(t, s, "GET",
		"/File/List.json?hostname=client1&filename=***", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHashArrayPost(t *testing.T) {
	s := newTestServer(t)

	have := []byte("block we have")
	w := doJSON(t, s, "POST", "/Data.json", wireBlock(have), nil)
	require.Equal(t, http.StatusOK, w.Code)
	s.Flush()

	missing := storage.HashBytes([]byte("block we lack"))
	body := hashListJSON{HashList: []string{
		storage.HashBytes(have).Base64(),
		missing.Base64(),
	}}
	var needed hashListJSON
	w = doJSON(t, s, "POST", "/Hash_Array.json", body, &needed)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{missing.Base64()}, needed.HashList)
}

func TestDataArrayAndHashArrayGet(t *testing.T) {
	s := newTestServer(t)

	chunks := [][]byte{[]byte("first "), []byte("second "), []byte("third")}
	var batch dataArrayJSON
	var headerParts []string
	var whole []byte
	for _, c := range chunks {
		batch.DataArray = append(batch.DataArray, wireBlock(c))
		headerParts = append(headerParts,
			`"`+storage.HashBytes(c).Base64()+`"`)
		whole = append(whole, c...)
	}

	w := doJSON(t, s, "POST", "/Data_Array.json", batch, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Ok!", w.Body.String())
	s.Flush()

	r := httptest.NewRequest("GET", "/Data/Hash_Array.json", nil)
	r.Header.Set("X-Get-Hash-Array", strings.Join(headerParts, ", "))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, r)
	require.Equal(t, http.StatusOK, rec.Code)

	var got blockJSON
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	data, err := base64.StdEncoding.DecodeString(got.Data)
	require.NoError(t, err)
	assert.Equal(t, whole, data)
	assert.Equal(t, storage.HashBytes(whole).Base64(), got.Hash)
	assert.Equal(t, int64(len(whole)), got.Size)

	// A missing header is a client error.
	w = doJSON(t, s, "GET", "/Data/Hash_Array.json", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBadBlockPost(t *testing.T) {
	s := newTestServer(t)

	// Size disagreeing with the payload is rejected up front.
	bj := wireBlock([]byte("payload"))
	bj.Size++
	w := doJSON(t, s, "POST", "/Data.json", bj, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	bj = wireBlock([]byte("payload"))
	bj.CmpType = 42
	w = doJSON(t, s, "POST", "/Data.json", bj, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	r := httptest.NewRequest("POST", "/Data.json",
		strings.NewReader("not json"))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUnknownURL(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "GET", "/Nope.json", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	var e errorJSON
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &e))
	assert.Equal(t, http.StatusNotFound, e.Error.Code)

	w = doJSON(t, s, "GET", "/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "text/plain", w.Header().Get("Content-Type"))
}

func TestStatsDocument(t *testing.T) {
	s := newTestServer(t)

	doJSON(t, s, "GET", "/Version.json", nil, nil)
	doJSON(t, s, "GET", "/Version.json", nil, nil)
	data := []byte("counted bytes")
	doJSON(t, s, "POST", "/Data.json", wireBlock(data), nil)
	meta := metaPostJSON{Hostname: "client1", DataSent: true,
		Meta: fileMetaJSON{FileType: storage.FileTypeRegular, Name: "/f"}}
	doJSON(t, s, "POST", "/Meta.json", meta, nil)
	s.Flush()

	var doc map[string]interface{}
	w := doJSON(t, s, "GET", "/Stats.json", nil, &doc)
	require.Equal(t, http.StatusOK, w.Code)

	reqs := doc["Requests"].(map[string]interface{})
	get := reqs["GET"].(map[string]interface{})
	post := reqs["POST"].(map[string]interface{})
	assert.Equal(t, float64(2), get["/Version.json"])
	assert.Equal(t, float64(1), post["/Data.json"])
	assert.Equal(t, float64(1), post["/Meta.json"])
	// 2 versions + this stats request.
	assert.Equal(t, float64(3), get["Total requests"])

	assert.Equal(t, float64(1), doc["files"])
	assert.Equal(t, float64(len(data)), doc["total size"])
	assert.True(t, doc["meta data size"].(float64) > 0)
}

func TestMetrics(t *testing.T) {
	s := newTestServer(t)

	doJSON(t, s, "GET", "/Version.json", nil, nil)

	w := doJSON(t, s, "GET", "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "cdpserver_requests_total")
}

///////////////////////////////////////////////////////////////////////////
// Writer failure behavior

// flakyBackend fails every block store; the server must log and keep
// serving.
type flakyBackend struct {
	storage.Backend
}

func (f *flakyBackend) StoreBlock(b *storage.Block) error {
	return errors.New("disk on fire")
}

func (f *flakyBackend) NeededBlocks(hashes []storage.Hash) []storage.Hash {
	return f.Backend.NeededBlocks(hashes)
}

func TestWriterFailureKeepsServing(t *testing.T) {
	s := New(&flakyBackend{Backend: storage.NewMemory()})
	t.Cleanup(s.Shutdown)

	data := []byte("doomed block")
	w := doJSON(t, s, "POST", "/Data.json", wireBlock(data), nil)
	assert.Equal(t, http.StatusOK, w.Code)
	s.Flush()

	// The store failed quietly; the block is still needed and the
	// server still answers.
	body := hashListJSON{HashList: []string{storage.HashBytes(data).Base64()}}
	var needed hashListJSON
	w = doJSON(t, s, "POST", "/Hash_Array.json", body, &needed)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, body.HashList, needed.HashList)

	var doc map[string]interface{}
	w = doJSON(t, s, "GET", "/Stats.json", nil, &doc)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(0), doc["total size"])
}

func TestShutdownDrainsQueues(t *testing.T) {
	backend := storage.NewMemory()
	s := New(backend)

	var hashes []storage.Hash
	for i := 0; i < 50; i++ {
		data := []byte(fmt.Sprintf("block %d", i))
		hashes = append(hashes, storage.HashBytes(data))
		w := doJSON(t, s, "POST", "/Data.json", wireBlock(data), nil)
		require.Equal(t, http.StatusOK, w.Code)
	}

	// Everything queued before shutdown must land on the backend.
	s.Shutdown()
	for _, h := range hashes {
		assert.True(t, backend.HasBlock(h), "%s", h)
	}
}
