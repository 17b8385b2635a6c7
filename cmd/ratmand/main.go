// Command ratmand runs a single router process: the switch, route table,
// journal, block collector/assembler, and the local IPC socket that
// ratctl/ratcat and embedding applications speak to (spec §4.7, §6).
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-envparse"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ratman-router/ratman/internal/config"
	"github.com/ratman-router/ratman/pkg/announcer"
	"github.com/ratman-router/ratman/pkg/collector"
	"github.com/ratman-router/ratman/pkg/ipc"
	"github.com/ratman-router/ratman/pkg/journal"
	"github.com/ratman-router/ratman/pkg/routes"
	"github.com/ratman-router/ratman/pkg/switchcore"
)

var opt struct {
	Help     bool
	DataDir  string
	IPCAddr  string
	LogLevel string
	Pretty   bool
}

func init() {
	d := config.Default()
	pflag.BoolVarP(&opt.Help, "help", "h", false, "Show this help text")
	pflag.StringVar(&opt.DataDir, "data-dir", d.DataDir, "Directory holding the journal's sqlite database and pid file")
	pflag.StringVar(&opt.IPCAddr, "ipc-addr", d.IPCAddr, "IPC microframe socket bind address")
	pflag.StringVar(&opt.LogLevel, "log-level", d.LogLevel, "Minimum zerolog level (trace, debug, info, warn, error)")
	pflag.BoolVar(&opt.Pretty, "log-pretty", false, "Write human-readable console logs instead of JSON")
}

func main() {
	pflag.Parse()

	if pflag.NArg() > 1 || opt.Help {
		fmt.Printf("usage: %s [options] [env-file]\n\noptions:\n%s", os.Args[0], pflag.CommandLine.FlagUsages())
		if opt.Help {
			os.Exit(0)
		}
		os.Exit(2)
	}

	// A single positional argument names a KDL-adjacent env file (KEY=VALUE
	// per line) holding settings this binary doesn't expose as flags — the
	// route-liveness windows, GC retention, and the like. Unset entries fall
	// through to os.Environ(), then to config.Default(), the same
	// file-then-process-env-then-default precedence the teacher's cmd/atlas
	// uses for its own env file argument.
	var envFile []string
	if pflag.NArg() == 1 {
		var err error
		envFile, err = loadEnvFile(pflag.Arg(0))
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: read env file: %v\n", err)
			os.Exit(1)
		}
	}

	c := config.Default()
	c.DataDir = opt.DataDir
	c.IPCAddr = opt.IPCAddr
	c.LogLevel = opt.LogLevel
	applyDurationEnv(&c.StreamTimeout, "RATMAND_STREAM_TIMEOUT", envFile)
	applyDurationEnv(&c.IdleThreshold, "RATMAND_IDLE_THRESHOLD", envFile)
	applyDurationEnv(&c.LostThreshold, "RATMAND_LOST_THRESHOLD", envFile)
	applyDurationEnv(&c.HandshakeTimeout, "RATMAND_HANDSHAKE_TIMEOUT", envFile)
	applyDurationEnv(&c.ManifestGCRetain, "RATMAND_MANIFEST_GC_RETAIN", envFile)
	applyDurationEnv(&c.AnnounceInterval, "RATMAND_ANNOUNCE_INTERVAL", envFile)
	applyIntEnv(&c.InboundQueueSize, "RATMAND_INBOUND_QUEUE_SIZE", envFile)

	log, err := configureLogging(c, opt.Pretty)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: configure logging: %v\n", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		log.Error().Err(err).Str("dir", c.DataDir).Msg("failed to create data dir")
		os.Exit(1)
	}

	unlock, err := acquirePIDFile(filepath.Join(c.DataDir, "ratmand.pid"))
	if err != nil {
		log.Error().Err(err).Msg("failed to acquire pid file; is another ratmand already running against this data dir?")
		os.Exit(1)
	}
	defer unlock()

	r, err := newRouter(c, log)
	if err != nil {
		log.Error().Err(err).Msg("failed to initialize router")
		os.Exit(1)
	}
	defer r.journal.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hch := make(chan os.Signal, 1)
	signal.Notify(hch, syscall.SIGHUP)
	go func() {
		for range hch {
			log.Info().Msg("got SIGHUP; sweeping route table and manifest store")
			r.table.Sweep()
			if n, err := r.journal.GCManifests(ctx, c.ManifestGCRetain); err != nil {
				log.Warn().Err(err).Msg("manifest gc failed")
			} else if n > 0 {
				log.Info().Int64("deleted", n).Msg("manifest gc")
			}
		}
	}()

	if err := r.run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("router exited with error")
		os.Exit(1)
	}
}

// router owns every long-lived core component for one process (spec §5:
// the switch, the assembler, each endpoint's recv pump, and the IPC
// server are all independent tasks sharing the same journal/table/links).
type router struct {
	cfg     config.Config
	log     zerolog.Logger
	journal *journal.Journal
	table   *routes.RouteTable
	links   *routes.LinksMap
	coll    *collector.BlockCollector
	asm     *collector.Assembler
	sw      *switchcore.Switch
	ipcSrv  *ipc.Server
	ann     *announcer.Announcer
}

// newRouter wires together every core component. The Server/Switch
// constructors are mutually dependent (the switch needs a Local to
// answer is-this-address-mine, and the IPC server, which answers that, is
// built from the switch it will later drive) — resolved the same way
// pkg/ipc's own tests resolve it: construct the IPC server first with a
// nil switch, build the switch against it as Local, then attach the
// switch to the server.
func newRouter(c config.Config, log zerolog.Logger) (*router, error) {
	dbPath := filepath.Join(c.DataDir, "ratman.db")
	j, err := journal.Open(dbPath, journal.Options{}, log.With().Str("component", "journal").Logger())
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	table := routes.NewRouteTable(nil, nil)
	links := routes.NewLinksMap()
	coll := collector.NewBlockCollector(j, nil, log.With().Str("component", "collector").Logger())

	srv := ipc.NewServer(j, table, links, nil, coll, log.With().Str("component", "ipc").Logger())
	sw := switchcore.New(links, table, j, srv, coll, log.With().Str("component", "switch").Logger())
	srv.AttachSwitch(sw)

	asm := collector.NewAssembler(j, srv, log.With().Str("component", "assembler").Logger())
	ann := announcer.New(sw, srv, c.AnnounceInterval, log.With().Str("component", "announcer").Logger())

	return &router{
		cfg:     c,
		log:     log,
		journal: j,
		table:   table,
		links:   links,
		coll:    coll,
		asm:     asm,
		sw:      sw,
		ipcSrv:  srv,
		ann:     ann,
	}, nil
}

// run starts every background task and blocks until ctx is cancelled or
// the IPC listener fails.
func (r *router) run(ctx context.Context) error {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		r.asm.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		r.sweepLoop(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		r.ann.Run(ctx)
	}()

	r.log.Info().Str("addr", r.cfg.IPCAddr).Msg("starting ipc listener")
	err := r.ipcSrv.ListenAndServe(ctx, r.cfg.IPCAddr)
	wg.Wait()
	return err
}

// sweepLoop periodically ages out idle/lost routes, abandons stalled
// in-flight blocks, and garbage-collects delivered manifests past their
// retention window (spec §4.4, §4.6).
func (r *router) sweepLoop(ctx context.Context) {
	t := time.NewTicker(30 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.table.Sweep()
			r.coll.SweepTimeouts()
			if _, err := r.journal.GCManifests(ctx, r.cfg.ManifestGCRetain); err != nil {
				r.log.Warn().Err(err).Msg("manifest gc failed")
			}
		}
	}
}

// loadEnvFile parses path as KEY=VALUE lines and returns them as "KEY=VALUE"
// pairs, mirroring the teacher's cmd/atlas readEnv.
func loadEnvFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	m, err := envparse.Parse(f)
	if err != nil {
		return nil, err
	}

	r := make([]string, 0, len(m))
	for k, v := range m {
		r = append(r, k+"="+v)
	}
	return r, nil
}

// getEnv looks key up in file first, then the real process environment.
func getEnv(key string, file []string) (string, bool) {
	for _, kv := range file {
		if k, v, ok := strings.Cut(kv, "="); ok && k == key {
			return v, true
		}
	}
	return os.LookupEnv(key)
}

func applyDurationEnv(dst *time.Duration, key string, file []string) {
	v, ok := getEnv(key, file)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return
	}
	*dst = d
}

func applyIntEnv(dst *int, key string, file []string) {
	v, ok := getEnv(key, file)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return
	}
	*dst = n
}

func configureLogging(c config.Config, pretty bool) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("parse log level %q: %w", c.LogLevel, err)
	}
	var w io.Writer = os.Stdout
	if pretty {
		w = zerolog.ConsoleWriter{Out: os.Stdout}
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger(), nil
}

// acquirePIDFile takes an exclusive advisory lock on path, truncating and
// writing the current pid into it, and returns a func that releases the
// lock and removes the file. A second ratmand started against the same
// data dir fails here instead of silently racing the first over the same
// sqlite database.
func acquirePIDFile(path string) (unlock func(), err error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("open pid file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("lock pid file (already running?): %w", err)
	}
	if err := f.Truncate(0); err != nil {
		f.Close()
		return nil, fmt.Errorf("truncate pid file: %w", err)
	}
	if _, err := f.WriteString(fmt.Sprintf("%d\n", os.Getpid())); err != nil {
		f.Close()
		return nil, fmt.Errorf("write pid file: %w", err)
	}
	return func() {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
		os.Remove(path)
	}, nil
}
