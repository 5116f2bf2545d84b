// storage/record.go
// Copyright(c) 2022 the cdpserver authors
// BSD licensed; see LICENSE for details.

package storage

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// File types as reported by clients.
const (
	FileTypeRegular uint8 = 1
	FileTypeDir     uint8 = 2
	FileTypeSymlink uint8 = 3
)

// FileRecord is one version of one file on one client host: the
// attributes observed at save time plus the ordered list of block
// hashes whose concatenation reconstructs the content. Directories and
// symlinks carry an empty hash list.
type FileRecord struct {
	FileType uint8
	Inode    uint64
	Mode     uint32
	Atime    int64
	Ctime    int64
	Mtime    int64
	Size     int64
	Owner    string
	Group    string
	UID      uint32
	GID      uint32
	Name     string
	Link     string
	Hashes   []Hash
}

// quoteB64 shields an arbitrary string for the log line format.
// Base64 then quotes: the encoded form can't contain a comma, a quote
// or a newline, so it never confuses line framing.
func quoteB64(s string) string {
	return `"` + base64.StdEncoding.EncodeToString([]byte(s)) + `"`
}

func unquoteB64(s string) (string, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return "", ErrBadRecord
	}
	b, err := base64.StdEncoding.DecodeString(s[1 : len(s)-1])
	if err != nil {
		return "", ErrBadRecord
	}
	return string(b), nil
}

// EncodeLine serialises the record as one logical metadata-log line,
// trailing newline included. Fields are comma-space separated; name,
// link and each hash are base64-encoded and double-quoted.
func (r *FileRecord) EncodeLine() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d, %d, %d, %d, %d, %d, %d, %s, %s, %d, %d, %s, %s",
		r.FileType, r.Inode, r.Mode, r.Atime, r.Ctime, r.Mtime, r.Size,
		quoteB64(r.Owner), quoteB64(r.Group), r.UID, r.GID,
		quoteB64(r.Name), quoteB64(r.Link))
	for _, h := range r.Hashes {
		fmt.Fprintf(&sb, ", \"%s\"", h.Base64())
	}
	sb.WriteByte('\n')
	return sb.String()
}

func parseUint(s string, bits int) (uint64, error) {
	return strconv.ParseUint(strings.TrimSpace(s), 10, bits)
}

func parseInt(s string) (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(s), 10, 64)
}

// DecodeLine parses one logical line back into a FileRecord. When
// reduced is true only the fields a reduced listing reports (filetype,
// mtime, size, name) are decoded; the rest stay zero and the hash list
// is skipped.
func DecodeLine(line string, reduced bool) (*FileRecord, error) {
	line = strings.TrimRight(line, "\n")
	fields := strings.SplitN(line, ",", 14)
	if len(fields) < 13 {
		return nil, ErrBadRecord
	}

	r := &FileRecord{}
	var err error

	ft, err := parseUint(fields[0], 8)
	if err != nil {
		return nil, ErrBadRecord
	}
	r.FileType = uint8(ft)
	if r.Mtime, err = parseInt(fields[5]); err != nil {
		return nil, ErrBadRecord
	}
	if r.Size, err = parseInt(fields[6]); err != nil {
		return nil, ErrBadRecord
	}
	if r.Name, err = unquoteB64(fields[11]); err != nil {
		return nil, err
	}
	if reduced {
		return r, nil
	}

	if r.Inode, err = parseUint(fields[1], 64); err != nil {
		return nil, ErrBadRecord
	}
	mode, err := parseUint(fields[2], 32)
	if err != nil {
		return nil, ErrBadRecord
	}
	r.Mode = uint32(mode)
	if r.Atime, err = parseInt(fields[3]); err != nil {
		return nil, ErrBadRecord
	}
	if r.Ctime, err = parseInt(fields[4]); err != nil {
		return nil, ErrBadRecord
	}
	if r.Owner, err = unquoteB64(fields[7]); err != nil {
		return nil, err
	}
	if r.Group, err = unquoteB64(fields[8]); err != nil {
		return nil, err
	}
	uid, err := parseUint(fields[9], 32)
	if err != nil {
		return nil, ErrBadRecord
	}
	r.UID = uint32(uid)
	gid, err := parseUint(fields[10], 32)
	if err != nil {
		return nil, ErrBadRecord
	}
	r.GID = uint32(gid)
	if r.Link, err = unquoteB64(fields[12]); err != nil {
		return nil, err
	}

	if len(fields) == 14 {
		for _, f := range strings.Split(fields[13], ",") {
			f = strings.TrimSpace(f)
			if len(f) < 2 || f[0] != '"' || f[len(f)-1] != '"' {
				return nil, ErrBadRecord
			}
			h, err := ParseBase64Hash(f[1 : len(f)-1])
			if err != nil {
				return nil, ErrBadRecord
			}
			r.Hashes = append(r.Hashes, h)
		}
	}
	return r, nil
}
