// Package stats implements the stats collector (C9): a periodic CSV
// snapshot of daemon counters, adapted from the teacher's SNMP-style
// counter logger.
package stats

import (
	"encoding/csv"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"
)

// Counters are the daemon-wide counters the collector snapshots. Every
// field is updated from the single event-loop goroutine; the collector's
// own ticker goroutine only ever reads them, so atomics are used to let
// that read happen without racing the writer, not to allow concurrent
// writers (there is exactly one, by construction — see spec §5).
type Counters struct {
	SessionsOpened   atomic.Uint64
	SessionsSuccess  atomic.Uint64
	SessionsTimeout  atomic.Uint64
	SessionsError    atomic.Uint64
	BytesBuffered    atomic.Uint64
	BytesFlushed     atomic.Uint64
	AcksSent         atomic.Uint64
	DatagramsDropped atomic.Uint64
}

// header is the CSV column order; must match row.
func (c *Counters) header() []string {
	return []string{
		"Unix",
		"SessionsOpened", "SessionsSuccess", "SessionsTimeout", "SessionsError",
		"BytesBuffered", "BytesFlushed", "AcksSent", "DatagramsDropped",
	}
}

func (c *Counters) row(now time.Time) []string {
	fmtU := func(v *atomic.Uint64) string { return strconv.FormatUint(v.Load(), 10) }
	return []string{
		strconv.FormatInt(now.Unix(), 10),
		fmtU(&c.SessionsOpened), fmtU(&c.SessionsSuccess), fmtU(&c.SessionsTimeout), fmtU(&c.SessionsError),
		fmtU(&c.BytesBuffered), fmtU(&c.BytesFlushed), fmtU(&c.AcksSent), fmtU(&c.DatagramsDropped),
	}
}

// Collector periodically appends one CSV row of counters to Path, writing
// the header once when the file is empty. Grounded directly in the
// teacher's std/snmp.go SnmpLogger: same ticker-driven csv.Writer shape,
// generalized from KCP link counters to this daemon's session counters.
type Collector struct {
	Path     string
	Period   time.Duration
	Counters *Counters
}

// Run blocks, appending a row every Period until stop is closed. A
// zero-value Path or non-positive Period disables the collector entirely,
// matching SnmpLogger's early return for an unconfigured path/interval.
func (c *Collector) Run(stop <-chan struct{}) {
	if c.Path == "" || c.Period <= 0 {
		return
	}

	ticker := time.NewTicker(c.Period)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.writeRow(time.Now())
		}
	}
}

func (c *Collector) writeRow(now time.Time) {
	// now.Format(logfile) is a no-op unless the configured path embeds a Go
	// time layout, matching SnmpLogger's rotate-by-filename-pattern support
	// (e.g. "./stats-20060102.csv").
	logdir, logfile := filepath.Split(c.Path)
	path := logdir + now.Format(logfile)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o666)
	if err != nil {
		log.Println("stats:", err)
		return
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if stat, err := f.Stat(); err == nil && stat.Size() == 0 {
		if err := w.Write(c.Counters.header()); err != nil {
			log.Println("stats:", err)
		}
	}
	if err := w.Write(c.Counters.row(now)); err != nil {
		log.Println("stats:", err)
	}
	w.Flush()
}
