// Package journal persists frames, blocks, manifests, the seen-set, and
// subscriptions in a single embedded database (spec §4.3). It is realised as
// a WAL-mode SQLite keyspace, one table per partition, following the
// teacher's db/atlasdb and db/pdatadb packages (sqlx + versioned
// migrations).
package journal

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/ratman-router/ratman/internal/rerrs"
	"github.com/ratman-router/ratman/pkg/rid"
)

// Journal is the durable local store owning all persisted frames, blocks,
// manifests, and the seen-set (spec §3 "Lifecycle ownership").
type Journal struct {
	x   *sqlx.DB
	log zerolog.Logger

	mu            sync.Mutex
	blockSub      map[chan<- rid.Ident32]struct{}
	seenCap       int
	blockBatch    int
	blockBatchAge time.Duration

	m metricsSet
}

type metricsSet struct {
	set                  *metrics.Set
	framesInsertedTotal  *metrics.Counter
	blocksStoredTotal    *metrics.Counter
	manifestsSavedTotal  *metrics.Counter
	seenHitsTotal        *metrics.Counter
	seenMissesTotal      *metrics.Counter
	seenEvictedTotal     *metrics.Counter
	writeLatencySeconds  *metrics.Histogram
}

// Options configures a Journal. Zero-value Options yields the defaults
// documented in spec §4.3.
type Options struct {
	// SeenCapacity bounds the seen-frames set (spec §8 property 6). 0 means
	// a reasonable default.
	SeenCapacity int
}

// Open opens (creating if needed) a Journal backed by the sqlite3 database
// at path, applying any pending migrations. Mirrors the teacher's
// db/atlasdb.Open (WAL journal mode, large cache, busy timeout).
func Open(path string, opts Options, log zerolog.Logger) (*Journal, error) {
	x, err := sqlx.Connect("sqlite3", (&url.URL{
		Path: path,
		RawQuery: (url.Values{
			"_journal":      {"WAL"},
			"_cache_size":   {"-32000"},
			"_busy_timeout": {"6000"},
		}).Encode(),
	}).String())
	if err != nil {
		return nil, rerrs.New(rerrs.KindFatal, "journal.open", err)
	}

	if opts.SeenCapacity <= 0 {
		opts.SeenCapacity = 1 << 20
	}

	j := &Journal{
		x:        x,
		log:      log,
		blockSub: make(map[chan<- rid.Ident32]struct{}),
		seenCap:  opts.SeenCapacity,
	}
	j.initMetrics()

	if err := j.migrate(context.Background()); err != nil {
		x.Close()
		return nil, rerrs.New(rerrs.KindFatal, "journal.open", fmt.Errorf("migrate: %w", err))
	}
	if err := j.rebuildSeenSet(context.Background()); err != nil {
		x.Close()
		return nil, rerrs.New(rerrs.KindFatal, "journal.open", fmt.Errorf("rebuild seen set: %w", err))
	}
	return j, nil
}

func (j *Journal) initMetrics() {
	s := metrics.NewSet()
	j.m = metricsSet{
		set:                 s,
		framesInsertedTotal: s.NewCounter(`ratman_journal_frames_inserted_total`),
		blocksStoredTotal:   s.NewCounter(`ratman_journal_blocks_stored_total`),
		manifestsSavedTotal: s.NewCounter(`ratman_journal_manifests_saved_total`),
		seenHitsTotal:       s.NewCounter(`ratman_journal_seen_total{result="hit"}`),
		seenMissesTotal:     s.NewCounter(`ratman_journal_seen_total{result="miss"}`),
		seenEvictedTotal:    s.NewCounter(`ratman_journal_seen_evicted_total`),
		writeLatencySeconds: s.NewHistogram(`ratman_journal_write_latency_seconds`),
	}
}

// WritePrometheus writes this Journal's metrics in Prometheus text format.
func (j *Journal) WritePrometheus(w io.Writer) {
	j.m.set.WritePrometheus(w)
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.x.Close()
}

func (j *Journal) timeWrite() func() {
	start := time.Now()
	return func() {
		j.m.writeLatencySeconds.UpdateDuration(start)
	}
}
