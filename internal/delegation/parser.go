// Package delegation reads RIR delegation records ("delegated-apnic-latest" and
// friends) and yields the IPv4 allocations of a single country.
package delegation

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/netip"
	"strconv"
	"strings"

	"pacgen/internal/domain"
)

const (
	FamilyIPv4 = "ipv4"

	// registry|cc|type|start|value|date|status
	recordFields = 7

	maxLineBytes = 1024 * 1024
)

var ErrMalformedRecord = errors.New("delegation: malformed record")

// Parse returns a single-use sequence over the ipv4 allocations of country found
// in r. Lines for other countries or families, headers, comments and summary
// lines are skipped. A matching line with the wrong field count, start address
// or host count stops the sequence with an error wrapping ErrMalformedRecord.
func Parse(r io.Reader, country string) iter.Seq2[domain.AllocationRecord, error] {
	return func(yield func(domain.AllocationRecord, error) bool) {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

		lineNo := 0
		for scanner.Scan() {
			lineNo++
			line := strings.TrimRight(scanner.Text(), "\r")
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}

			fields := strings.Split(line, "|")
			if len(fields) < 3 || fields[1] != country || fields[2] != FamilyIPv4 {
				continue
			}

			record, err := parseRecord(fields, lineNo)
			if err != nil {
				yield(domain.AllocationRecord{}, err)
				return
			}
			if !yield(record, nil) {
				return
			}
		}

		if err := scanner.Err(); err != nil {
			yield(domain.AllocationRecord{}, fmt.Errorf("delegation: read registry: %w", err))
		}
	}
}

func parseRecord(fields []string, lineNo int) (domain.AllocationRecord, error) {
	if len(fields) != recordFields {
		return domain.AllocationRecord{}, fmt.Errorf("%w: line %d: got %d fields, want %d", ErrMalformedRecord, lineNo, len(fields), recordFields)
	}

	start, err := netip.ParseAddr(fields[3])
	if err != nil || !start.Is4() {
		return domain.AllocationRecord{}, fmt.Errorf("%w: line %d: invalid ipv4 start address %q", ErrMalformedRecord, lineNo, fields[3])
	}

	count, err := strconv.ParseUint(fields[4], 10, 64)
	if err != nil {
		return domain.AllocationRecord{}, fmt.Errorf("%w: line %d: invalid host count %q", ErrMalformedRecord, lineNo, fields[4])
	}

	return domain.AllocationRecord{
		Registry:  fields[0],
		Country:   fields[1],
		Family:    fields[2],
		Start:     start,
		HostCount: count,
		Date:      fields[5],
		Status:    fields[6],
		Line:      lineNo,
	}, nil
}
