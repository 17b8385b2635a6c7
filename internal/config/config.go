// Package config defines the plain value struct every core Ratman
// component is constructed from (spec §9 "Ambient configuration"). It
// does no file I/O and knows nothing of KDL or environment variables —
// mirroring the teacher's pkg/atlas/config.go Config struct, but without
// its reflect-driven UnmarshalEnv half, since spec.md §1 puts the
// config-tree file format and CLI/daemon startup explicitly out of scope.
// cmd/ratmand is the only place a Config value gets built from flags/env.
package config

import "time"

// Config is built once by cmd/ratmand and handed to its newRouter; it is
// not passed to journal.Open or ipc.NewServer. Nothing downstream of
// construction re-reads it. cmd/ratmand applies DataDir, IPCAddr,
// LogLevel, ManifestGCRetain and AnnounceInterval; StreamTimeout,
// IdleThreshold, LostThreshold, InboundQueueSize and HandshakeTimeout are
// parsed but not passed on, and the components they name use their own
// package constants.
type Config struct {
	// DataDir holds the journal's SQLite database file.
	DataDir string

	// IPCAddr is the microframe socket's bind address (spec §6). Empty
	// defaults to ipc.DefaultAddr.
	IPCAddr string

	// LogLevel is the minimum zerolog level emitted by every component.
	LogLevel string

	// StreamTimeout bounds how long an in-flight block may
	// wait for its missing fragments (spec §4.6, default 600s).
	StreamTimeout time.Duration

	// IdleThreshold and LostThreshold are the route-liveness transition
	// windows (spec §4.4, defaults 30s/300s).
	IdleThreshold time.Duration
	LostThreshold time.Duration

	// InboundQueueSize bounds each endpoint's inbound envelope queue
	// (spec §4.5, default 1024).
	InboundQueueSize int

	// HandshakeTimeout bounds how long an IPC connection has to complete
	// its HELLO exchange before being disconnected (spec §4.7, default 10s).
	HandshakeTimeout time.Duration

	// ManifestGCRetain is how long a delivered manifest is kept before
	// GCManifests deletes it (spec §4.4 GC window).
	ManifestGCRetain time.Duration

	// AnnounceInterval is how often the address-announcer re-floods an
	// ANNOUNCE frame for each locally up address (spec §4.4; spec.md
	// names the idle/lost transition windows but not this period, so it
	// is chosen well under IdleThreshold so a live router never looks
	// idle to its peers between announcements).
	AnnounceInterval time.Duration
}

// Default returns a Config with every field set to the value spec.md
// names as the default, for callers (tests, ratmand before flag parsing)
// that don't need to override anything.
func Default() Config {
	return Config{
		DataDir:          ".",
		IPCAddr:          "127.0.0.1:5852",
		LogLevel:         "info",
		StreamTimeout:    600 * time.Second,
		IdleThreshold:    30 * time.Second,
		LostThreshold:    300 * time.Second,
		InboundQueueSize: 1024,
		HandshakeTimeout: 10 * time.Second,
		ManifestGCRetain: 24 * time.Hour,
		AnnounceInterval: 10 * time.Second,
	}
}
