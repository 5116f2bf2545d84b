// server/wire.go
// Copyright(c) 2022 the cdpserver authors
// BSD licensed; see LICENSE for details.

package server

import (
	"encoding/base64"

	"github.com/pkg/errors"

	"github.com/cdpfgl/cdpserver/storage"
)

// JSON shapes exchanged with clients. Field names are wire protocol
// and must not change.

// blockJSON carries one block in either direction: hash and data are
// base64, size counts the data bytes as transmitted.
type blockJSON struct {
	Hash     string `json:"hash"`
	Data     string `json:"data"`
	Size     int64  `json:"size"`
	CmpType  int16  `json:"cmptype"`
	UncmpLen int64  `json:"uncmplen"`
}

// fileMetaJSON is the file-version description inside a metadata POST.
type fileMetaJSON struct {
	FileType uint8    `json:"filetype"`
	Inode    uint64   `json:"inode"`
	Mode     uint32   `json:"mode"`
	Atime    int64    `json:"atime"`
	Ctime    int64    `json:"ctime"`
	Mtime    int64    `json:"mtime"`
	Size     int64    `json:"fsize"`
	Owner    string   `json:"owner"`
	Group    string   `json:"group"`
	UID      uint32   `json:"uid"`
	GID      uint32   `json:"gid"`
	Name     string   `json:"name"`
	Link     string   `json:"link"`
	HashList []string `json:"hash_list"`
}

// metaPostJSON is the body of POST /Meta.json. DataSent true promises
// that the client will upload the content blocks itself, so the answer
// need not list needed hashes.
type metaPostJSON struct {
	Hostname string       `json:"hostname"`
	DataSent bool         `json:"data_sent"`
	Meta     fileMetaJSON `json:"meta"`
}

type hashListJSON struct {
	HashList []string `json:"hash_list"`
}

type dataArrayJSON struct {
	DataArray []blockJSON `json:"data_array"`
}

type fileListJSON struct {
	FileList []fileMetaJSON `json:"file_list"`
}

type versionJSON struct {
	Name    string `json:"name"`
	Date    string `json:"date"`
	Version string `json:"version"`
	Authors string `json:"authors"`
	License string `json:"license"`
}

type errorJSON struct {
	Error errorBodyJSON `json:"error"`
}

type errorBodyJSON struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

///////////////////////////////////////////////////////////////////////////
// Conversions

// toBlock validates a wire block and converts it to its storage form.
func (bj *blockJSON) toBlock() (*storage.Block, error) {
	h, err := storage.ParseBase64Hash(bj.Hash)
	if err != nil {
		return nil, err
	}
	data, err := base64.StdEncoding.DecodeString(bj.Data)
	if err != nil {
		return nil, errors.New("malformed block data")
	}
	if int64(len(data)) != bj.Size {
		return nil, errors.Errorf("block size %d doesn't match %d data bytes",
			bj.Size, len(data))
	}
	ct := storage.CompressionType(bj.CmpType)
	if !ct.Valid() {
		return nil, storage.ErrBadCmpType
	}
	uncmpLen := bj.UncmpLen
	if ct == storage.CompressionNone {
		uncmpLen = bj.Size
	}
	return &storage.Block{Hash: h, Data: data, CmpType: ct,
		UncmpLen: uncmpLen}, nil
}

func blockToJSON(b *storage.Block) blockJSON {
	return blockJSON{
		Hash:     b.Hash.Base64(),
		Data:     base64.StdEncoding.EncodeToString(b.Data),
		Size:     int64(len(b.Data)),
		CmpType:  int16(b.CmpType),
		UncmpLen: b.UncmpLen,
	}
}

// toRecord converts a wire file description into its storage form.
func (fm *fileMetaJSON) toRecord() (*storage.FileRecord, error) {
	if fm.Name == "" {
		return nil, errors.New("missing file name")
	}
	rec := &storage.FileRecord{
		FileType: fm.FileType,
		Inode:    fm.Inode,
		Mode:     fm.Mode,
		Atime:    fm.Atime,
		Ctime:    fm.Ctime,
		Mtime:    fm.Mtime,
		Size:     fm.Size,
		Owner:    fm.Owner,
		Group:    fm.Group,
		UID:      fm.UID,
		GID:      fm.GID,
		Name:     fm.Name,
		Link:     fm.Link,
	}
	for _, s := range fm.HashList {
		h, err := storage.ParseBase64Hash(s)
		if err != nil {
			return nil, err
		}
		rec.Hashes = append(rec.Hashes, h)
	}
	return rec, nil
}

func recordToJSON(r *storage.FileRecord) fileMetaJSON {
	fm := fileMetaJSON{
		FileType: r.FileType,
		Inode:    r.Inode,
		Mode:     r.Mode,
		Atime:    r.Atime,
		Ctime:    r.Ctime,
		Mtime:    r.Mtime,
		Size:     r.Size,
		Owner:    r.Owner,
		Group:    r.Group,
		UID:      r.UID,
		GID:      r.GID,
		Name:     r.Name,
		Link:     r.Link,
		HashList: []string{},
	}
	for _, h := range r.Hashes {
		fm.HashList = append(fm.HashList, h.Base64())
	}
	return fm
}

func hashesToJSON(hashes []storage.Hash) hashListJSON {
	out := hashListJSON{HashList: []string{}}
	for _, h := range hashes {
		out.HashList = append(out.HashList, h.Base64())
	}
	return out
}

func hashesFromJSON(list []string) ([]storage.Hash, error) {
	hashes := make([]storage.Hash, 0, len(list))
	for _, s := range list {
		h, err := storage.ParseBase64Hash(s)
		if err != nil {
			return nil, err
		}
		hashes = append(hashes, h)
	}
	return hashes, nil
}
