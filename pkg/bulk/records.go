// Package bulk joins many members to their groups concurrently from a
// record file.
package bulk

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"

	"github.com/ryandielhenn/zephyrgroup/pkg/coord"
)

const fieldSeparator = ";"

// ErrNotEnoughRecords is returned when a file holds fewer lines than asked for.
var ErrNotEnoughRecords = errors.New("not enough data in the file")

// Record is one "group;id;payload" line.
type Record struct {
	Line    int
	Group   string
	ID      string
	Payload []byte
}

// LineError reports a record line that could not be used.
type LineError struct {
	Line int
	Text string
	Err  error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("line %d %q: %v", e.Line, e.Text, e.Err)
}

func (e *LineError) Unwrap() error {
	return e.Err
}

// ParseRecords reads records until EOF. Blank lines are skipped; malformed
// lines are returned as *LineError values wrapping coord.ErrMalformed and
// do not stop the parse.
func ParseRecords(r io.Reader) ([]Record, []error) {
	var (
		records []Record
		errs    []error
	)
	lines, err := readLines(r)
	if err != nil {
		return nil, []error{err}
	}
	for i, line := range lines {
		rec, err := parseRecord(i+1, line)
		switch {
		case err != nil:
			errs = append(errs, err)
		case rec != nil:
			records = append(records, *rec)
		}
	}
	return records, errs
}

// ReadRecordFile parses the first limit lines of path, or all of them when
// limit is zero. A file shorter than limit is an error.
func ReadRecordFile(path string, limit int) ([]Record, []error, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, errors.Wrap(err, "open record file")
	}
	defer f.Close()

	lines, err := readLines(f)
	if err != nil {
		return nil, nil, err
	}
	if limit > 0 {
		if len(lines) < limit {
			return nil, nil, errors.Wrapf(ErrNotEnoughRecords, "%s has %d lines, %d requested", path, len(lines), limit)
		}
		lines = lines[:limit]
	}
	records, errs := ParseRecords(strings.NewReader(strings.Join(lines, "\n")))
	return records, errs, nil
}

// ReadGroupFile returns one group name per non-blank line.
func ReadGroupFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open group file")
	}
	defer f.Close()

	lines, err := readLines(f)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(lines))
	for _, line := range lines {
		if name := strings.TrimSpace(line); name != "" {
			names = append(names, name)
		}
	}
	return names, nil
}

func parseRecord(n int, line string) (*Record, error) {
	text := strings.TrimRight(line, "\r")
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	fields := strings.Split(text, fieldSeparator)
	if len(fields) != 3 {
		return nil, &LineError{Line: n, Text: text, Err: errors.Wrapf(coord.ErrMalformed, "want 3 fields, got %d", len(fields))}
	}
	group, id := strings.TrimSpace(fields[0]), strings.TrimSpace(fields[1])
	if err := coord.ValidateName(group); err != nil {
		return nil, &LineError{Line: n, Text: text, Err: err}
	}
	if err := coord.ValidateName(id); err != nil {
		return nil, &LineError{Line: n, Text: text, Err: err}
	}
	return &Record{Line: n, Group: group, ID: id, Payload: []byte(fields[2])}, nil
}

func readLines(r io.Reader) ([]string, error) {
	var lines []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "read lines")
	}
	return lines, nil
}
