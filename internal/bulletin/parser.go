// Package bulletin parses MarketPsych bulletin payloads into numeric tables.
package bulletin

import (
	"fmt"
	"log"
	"math"
	"strconv"
	"strings"
	"time"
)

// Magic is the required first four bytes of every bulletin payload.
var Magic = [4]byte{'#', ' ', 'M', 'a'}

const (
	headerPrefix  = "# MarketPsych Engine Version "
	timestampLen  = len("2012-05-02 21:19:00")
	timestampForm = "2006-01-02 15:04:05"
)

// Row is one bulletin data row. Values align with Table.Columns[1:].
type Row struct {
	Key    string
	Values []float64
}

// Table is a parsed bulletin.
type Table struct {
	EngineVersion string
	OpenTime      time.Time
	CloseTime     time.Time
	Columns       []string
	Rows          []Row
}

// CloseTimestamp renders the bin close time the way published TIMESTAMP
// fields carry it, with a fixed .000 fraction.
func (t *Table) CloseTimestamp() string {
	return t.CloseTime.Format(timestampForm) + ".000"
}

// Parse consumes a bulletin body as newline-delimited lines.
//
// Line 1 must be "# MarketPsych Engine Version <ver> | <open> UTC - <close> UTC",
// line 2 the tab-separated column labels (at least two), and the remaining
// lines tab-separated data rows. A line starting with '#' after the header
// terminates the table. Rows whose column count does not match the header are
// logged and skipped; unparseable numeric cells become NaN; "nan" and "inf"
// are honored. Structural problems reject the whole payload.
func Parse(url string, body []byte) (*Table, error) {
	const (
		stateTimestamp = iota
		stateHeader
		stateRow
		stateFin
	)
	state := stateTimestamp
	table := &Table{}

	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimSuffix(line, "\r")
		if line == "" {
			continue
		}
		switch state {
		case stateTimestamp:
			ver, openTime, closeTime, err := parseHeaderLine(line)
			if err != nil {
				return nil, fmt.Errorf("bulletin: %s: %w", url, err)
			}
			table.EngineVersion = ver
			table.OpenTime = openTime
			table.CloseTime = closeTime
			state = stateHeader

		case stateHeader:
			columns := strings.Split(line, "\t")
			if len(columns) < 2 {
				return nil, fmt.Errorf("bulletin: %s: malformed table header %q", url, line)
			}
			table.Columns = columns
			state = stateRow

		case stateRow:
			if line[0] == '#' {
				state = stateFin
				continue
			}
			cells := strings.Split(line, "\t")
			if len(cells) != len(table.Columns) {
				log.Printf("[bulletin] %s: skipping malformed row %q", url, line)
				continue
			}
			values := make([]float64, 0, len(cells)-1)
			for _, cell := range cells[1:] {
				f, err := strconv.ParseFloat(cell, 64)
				if err != nil {
					f = math.NaN()
				}
				values = append(values, f)
			}
			table.Rows = append(table.Rows, Row{Key: cells[0], Values: values})

		case stateFin:
			return table, nil
		}
	}

	if state == stateTimestamp || state == stateHeader {
		return nil, fmt.Errorf("bulletin: %s: truncated payload", url)
	}
	return table, nil
}

// parseHeaderLine extracts the engine version and the open/close bin times
// from the first bulletin line.
func parseHeaderLine(line string) (version string, openTime, closeTime time.Time, err error) {
	if !strings.HasPrefix(line, headerPrefix) {
		return "", time.Time{}, time.Time{}, fmt.Errorf("malformed header %q", line)
	}
	rest := line[len(headerPrefix):]

	spaceAfterVersion := strings.Index(rest, " ")
	if spaceAfterVersion <= 0 {
		return "", time.Time{}, time.Time{}, fmt.Errorf("malformed header %q", line)
	}
	version = rest[:spaceAfterVersion]

	pipe := strings.Index(rest[spaceAfterVersion:], "| ")
	if pipe < 0 {
		return "", time.Time{}, time.Time{}, fmt.Errorf("malformed header %q", line)
	}
	openStart := spaceAfterVersion + pipe + len("| ")
	if len(rest) < openStart+timestampLen {
		return "", time.Time{}, time.Time{}, fmt.Errorf("malformed header %q", line)
	}
	openTime, err = time.Parse(timestampForm, rest[openStart:openStart+timestampLen])
	if err != nil {
		return "", time.Time{}, time.Time{}, fmt.Errorf("malformed open time in header %q", line)
	}

	hyphen := strings.Index(rest[openStart:], "- ")
	if hyphen < 0 {
		return "", time.Time{}, time.Time{}, fmt.Errorf("malformed header %q", line)
	}
	closeStart := openStart + hyphen + len("- ")
	if len(rest) < closeStart+timestampLen {
		return "", time.Time{}, time.Time{}, fmt.Errorf("malformed header %q", line)
	}
	closeTime, err = time.Parse(timestampForm, rest[closeStart:closeStart+timestampLen])
	if err != nil {
		return "", time.Time{}, time.Time{}, fmt.Errorf("malformed close time in header %q", line)
	}
	return version, openTime, closeTime, nil
}
