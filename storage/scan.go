// storage/scan.go
// Copyright(c) 2022 the cdpserver authors
// BSD licensed; see LICENSE for details.

package storage

import (
	"io"
	"strings"
)

// Chunk size for metadata log scans. A variable so tests can shrink it
// to force lines to straddle chunk boundaries.
var scanChunkSize = 1 << 20

// A logical line ends at a newline that sits outside double quotes and
// after at least this many top-level commas; fewer means the newline
// belongs to an (unshielded, legacy) field and the line continues.
const minCommas = 12

// lineScanner yields logical metadata-log lines from r, reading in
// scanChunkSize chunks.
type lineScanner struct {
	r    io.Reader
	buf  []byte
	rest string
	err  error
}

func newLineScanner(r io.Reader) *lineScanner {
	return &lineScanner{r: r, buf: make([]byte, scanChunkSize)}
}

// next returns the next logical line without its trailing newline.
// After the input is exhausted it returns io.EOF; a trailing fragment
// with no final newline is a torn write and is dropped.
func (s *lineScanner) next() (string, error) {
	for {
		if line, ok := cutLogicalLine(&s.rest); ok {
			return line, nil
		}
		if s.err != nil {
			return "", s.err
		}
		n, err := s.r.Read(s.buf)
		if n > 0 {
			s.rest += string(s.buf[:n])
		}
		if err != nil {
			s.err = err
		}
	}
}

// cutLogicalLine splits the first logical line off *rest. It tracks
// quote state and top-level comma count to decide which newlines are
// real line ends.
func cutLogicalLine(rest *string) (string, bool) {
	inQuotes := false
	commas := 0
	for i := 0; i < len(*rest); i++ {
		switch (*rest)[i] {
		case '"':
			inQuotes = !inQuotes
		case ',':
			if !inQuotes {
				commas++
			}
		case '\n':
			if !inQuotes && commas >= minCommas {
				line := (*rest)[:i]
				*rest = (*rest)[i+1:]
				return line, true
			}
		}
	}
	return "", false
}

// scanRecords reads every well-formed record from a metadata log.
// Unparseable lines are logged and skipped; one corrupt line must not
// hide the rest of the log.
func scanRecords(r io.Reader, source string, reduced bool) ([]*FileRecord, error) {
	var recs []*FileRecord
	sc := newLineScanner(r)
	for {
		line, err := sc.next()
		if err == io.EOF {
			return recs, nil
		}
		if err != nil {
			return recs, err
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		rec, err := DecodeLine(line, reduced)
		if err != nil {
			log.Warnf("%s: skipping malformed record: %v", source, err)
			continue
		}
		recs = append(recs, rec)
	}
}
