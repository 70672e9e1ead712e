// Package geolite cross-checks derived blocks against a GeoLite2 Country
// database.
package geolite

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/oschwald/geoip2-golang"

	"pacgen/internal/addresstable"
)

const maxLoggedMismatches = 10

var ErrNoDatabase = errors.New("geolite: country database path is empty")

type countryLookup interface {
	Country(ip net.IP) (*geoip2.Country, error)
}

type Mismatch struct {
	Network string
	Country string
}

type Report struct {
	Checked    int
	Unknown    int
	Mismatches []Mismatch
}

// Auditor looks up the network address of every block and reports the ones
// GeoLite places in another country. Sample > 0 limits how many blocks are
// checked.
type Auditor struct {
	db     countryLookup
	closer func() error
	Sample int
}

func Open(path string, sample int) (*Auditor, error) {
	if strings.TrimSpace(path) == "" {
		return nil, ErrNoDatabase
	}
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("geolite: open %s: %w", path, err)
	}
	return &Auditor{db: reader, closer: reader.Close, Sample: sample}, nil
}

// FromBytes opens an in-memory database.
func FromBytes(data []byte, sample int) (*Auditor, error) {
	reader, err := geoip2.FromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("geolite: load database: %w", err)
	}
	return &Auditor{db: reader, closer: reader.Close, Sample: sample}, nil
}

func (a *Auditor) Close() error {
	if a == nil || a.closer == nil {
		return nil
	}
	return a.closer()
}

func (a *Auditor) Check(table *addresstable.Table, country string) (Report, error) {
	var report Report
	for block := range table.Blocks() {
		if a.Sample > 0 && report.Checked >= a.Sample {
			break
		}
		report.Checked++

		record, err := a.db.Country(net.IP(block.Network.AsSlice()))
		if err != nil {
			return report, fmt.Errorf("geolite: lookup %s: %w", block.Network, err)
		}
		iso := record.Country.IsoCode
		switch {
		case iso == "":
			report.Unknown++
		case !strings.EqualFold(iso, country):
			report.Mismatches = append(report.Mismatches, Mismatch{Network: block.String(), Country: iso})
		}
	}
	return report, nil
}

// Audit runs Check and logs the outcome. Failures are logged, never returned.
func (a *Auditor) Audit(table *addresstable.Table, country string) {
	report, err := a.Check(table, country)
	if err != nil {
		log.Warn("GeoLite audit failed", "error", err)
		return
	}

	for i, m := range report.Mismatches {
		if i == maxLoggedMismatches {
			log.Warn("GeoLite audit: further mismatches omitted", "count", len(report.Mismatches)-i)
			break
		}
		log.Warn("GeoLite attributes block to another country", "block", m.Network, "geolite", m.Country, "expected", country)
	}
	log.Info("GeoLite audit completed",
		"checked", report.Checked,
		"unknown", report.Unknown,
		"mismatches", len(report.Mismatches),
	)
}
