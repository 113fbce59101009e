package ingest

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/jonboulle/clockwork"
)

const cycleFileFormat = "/data/observations/metar/cycles/%02dZ.TXT"

// FTPMirror reads hourly METAR cycle files from a NOAA style FTP mirror.
// Each file holds the reports of one UTC hour for every station, so the
// look-back window is limited to the 24 files in the rotation.
type FTPMirror struct {
	host    string
	station string
	timeout time.Duration
	clock   clockwork.Clock
}

func NewFTPMirror(host, station string, clock clockwork.Clock) *FTPMirror {
	return &FTPMirror{host: host, station: station, timeout: 30 * time.Second, clock: clock}
}

func (m *FTPMirror) Name() string { return "mirror" }

func (m *FTPMirror) FetchReports(ctx context.Context, hours int) ([]Report, *FetchResult, error) {
	result := &FetchResult{}
	if hours > 24 {
		hours = 24
	}

	conn, err := ftp.Dial(m.host, ftp.DialWithTimeout(m.timeout), ftp.DialWithContext(ctx))
	if err != nil {
		return nil, result, fmt.Errorf("ftp dial: %w", err)
	}
	defer conn.Quit()

	if err := conn.Login("anonymous", "anonymous"); err != nil {
		return nil, result, fmt.Errorf("ftp login: %w", err)
	}

	now := m.clock.Now().UTC()
	var reports []Report
	for h := 0; h < hours; h++ {
		if err := ctx.Err(); err != nil {
			return nil, result, err
		}
		hour := now.Add(-time.Duration(h) * time.Hour)
		path := fmt.Sprintf(cycleFileFormat, hour.Hour())

		resp, err := conn.Retr(path)
		if err != nil {
			return nil, result, fmt.Errorf("ftp retr %s: %w", path, err)
		}
		found, size, err := parseCycleFile(resp, m.station, now)
		resp.Close()
		if err != nil {
			return nil, result, fmt.Errorf("parse %s: %w", path, err)
		}
		result.ResponseSize += size
		reports = append(reports, found...)
	}

	sort.Slice(reports, func(i, j int) bool { return reports[i].ObservedAt.Before(reports[j].ObservedAt) })
	result.RecordCount = len(reports)
	return reports, result, nil
}

// parseCycleFile extracts the reports for station from a cycle file. The
// file alternates a "2006/01/02 15:04" header line with the raw report.
// Reports the parser rejects are skipped.
func parseCycleFile(r io.Reader, station string, ref time.Time) ([]Report, int, error) {
	var (
		out    []Report
		size   int
		header time.Time
	)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		size += len(sc.Bytes()) + 1
		if line == "" {
			continue
		}
		if t, err := time.Parse("2006/01/02 15:04", line); err == nil {
			header = t.UTC()
			continue
		}
		fields := strings.Fields(line)
		idx := 0
		if len(fields) > 0 && (fields[0] == "METAR" || fields[0] == "SPECI") {
			idx = 1
		}
		if len(fields) <= idx || fields[idx] != station {
			continue
		}
		anchor := ref
		if !header.IsZero() {
			anchor = header
		}
		rep, err := ParseMETAR(line, anchor)
		if err != nil {
			continue
		}
		out = append(out, rep)
	}
	return out, size, sc.Err()
}
