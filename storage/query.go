// storage/query.go
// Copyright(c) 2022 the cdpserver authors
// BSD licensed; see LICENSE for details.

package storage

import (
	"regexp"
	"sort"
	"strings"
	"time"
)

// Query selects file-version records from one host's metadata log.
// Hostname is required; everything else is optional. UID, GID, Owner
// and Group are accepted from clients but not yet applied as filters.
type Query struct {
	Hostname string
	UID      string
	GID      string
	Owner    string
	Group    string

	// Filename is a case-insensitive regular expression matched
	// against the record's full path.
	Filename string

	// Date, AfterDate and BeforeDate constrain the record's mtime.
	// They accept any prefix of "YYYY-MM-DD HH:MM:SS"; Date matches
	// records whose mtime starts with that prefix, the other two are
	// inclusive lexical bounds.
	Date       string
	AfterDate  string
	BeforeDate string

	// Latest keeps only the newest version of each distinct path.
	Latest bool

	// Reduced asks for listings with only filetype, mtime, size and
	// name filled in.
	Reduced bool
}

// compiled holds the query's filter machinery, built once per scan.
type compiledQuery struct {
	name *regexp.Regexp

	date, after, before string
}

const dateLayout = "2006-01-02 15:04:05"

// compile validates the query's filters. A bad filename regex or an
// unusable date string yields ErrBadFilter.
func (q *Query) compile() (*compiledQuery, error) {
	c := &compiledQuery{}
	if q.Filename != "" {
		re, err := regexp.Compile("(?i)" + q.Filename)
		if err != nil {
			return nil, ErrBadFilter
		}
		c.name = re
	}
	var err error
	if c.date, err = normalizeDate(q.Date); err != nil {
		return nil, err
	}
	if c.after, err = normalizeDate(q.AfterDate); err != nil {
		return nil, err
	}
	if c.before, err = normalizeDate(q.BeforeDate); err != nil {
		return nil, err
	}
	return c, nil
}

// normalizeDate checks that s is a prefix of the calendar layout and
// parses as far as it goes. The returned string is the prefix used for
// lexical comparison against formatted mtimes.
func normalizeDate(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", nil
	}
	if len(s) > len(dateLayout) {
		return "", ErrBadFilter
	}
	if _, err := time.Parse(dateLayout[:len(s)], s); err != nil {
		return "", ErrBadFilter
	}
	return s, nil
}

// match applies the compiled filters to one record.
func (c *compiledQuery) match(r *FileRecord) bool {
	if c.name != nil && !c.name.MatchString(r.Name) {
		return false
	}
	if c.date == "" && c.after == "" && c.before == "" {
		return true
	}
	ts := time.Unix(r.Mtime, 0).UTC().Format(dateLayout)
	if c.date != "" && !strings.HasPrefix(ts, c.date) {
		return false
	}
	if c.after != "" && ts[:len(c.after)] < c.after {
		return false
	}
	if c.before != "" && ts[:len(c.before)] > c.before {
		return false
	}
	return true
}

// filterRecords applies the query to a scanned record list and returns
// the selection sorted by (name, mtime).
func filterRecords(recs []*FileRecord, q *Query) ([]*FileRecord, error) {
	c, err := q.compile()
	if err != nil {
		return nil, err
	}
	out := []*FileRecord{}
	for _, r := range recs {
		if c.match(r) {
			out = append(out, r)
		}
	}
	if q.Latest {
		out = latestOnly(out)
	}
	sortRecords(out)
	return out, nil
}

// latestOnly keeps, for each distinct path, the version with the
// greatest mtime. Ties go to the later log entry.
func latestOnly(recs []*FileRecord) []*FileRecord {
	newest := make(map[string]*FileRecord)
	for _, r := range recs {
		if cur, ok := newest[r.Name]; !ok || r.Mtime >= cur.Mtime {
			newest[r.Name] = r
		}
	}
	out := make([]*FileRecord, 0, len(newest))
	for _, r := range newest {
		out = append(out, r)
	}
	return out
}

func sortRecords(recs []*FileRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].Name != recs[j].Name {
			return recs[i].Name < recs[j].Name
		}
		return recs[i].Mtime < recs[j].Mtime
	})
}

// validHostname rejects hostnames that are empty or could escape the
// metadata directory when used as a path component.
func validHostname(h string) bool {
	if h == "" || h == "." || h == ".." {
		return false
	}
	return !strings.ContainsAny(h, "/\\\x00")
}
