package workflow

import "log"

// CachingSite controls whether a built target's value is written to the
// object store by the worker that produced it or by the master after
// receiving it in-band (spec.md §4.F, §5).
type CachingSite int

const (
	CachingWorker CachingSite = iota
	CachingMaster
)

// Config holds the explicit, caller-supplied configuration the core
// takes instead of reading process-wide defaults (spec.md Design Notes:
// "Global 'default config' state" is re-architected as an explicit
// struct; any environment-derived defaults live in the driver/cmd
// layer, mirroring distri's Ctx-carries-its-own-logger convention).
type Config struct {
	// Backend is the name of the default dispatch backend (registry
	// key), e.g. "forked", "spawned", "external", or a
	// caller-registered pluggable name.
	Backend string
	// MaxParallel bounds concurrent workers (spec.md §4.F, §5).
	MaxParallel int
	// TriggerDefault is used for plan rows that don't specify a
	// trigger.
	TriggerDefault Trigger
	// CacheDir is the cache root directory (spec.md §6).
	CacheDir string
	// KeepGoing continues the run after a target failure instead of
	// aborting (spec.md §7).
	KeepGoing bool
	// Caching is the run-wide caching site (spec.md §4.F). CachingMaster
	// applies to every backend; with CachingWorker each backend's
	// CachingSiteDefault is used instead.
	Caching CachingSite
	// RootSeed is the base seed for reproducible evaluation (spec.md
	// §4.F).
	RootSeed int64
	// ShortHashAlgo and LongHashAlgo name the hashing algorithms used
	// by the content hasher (spec.md §4.D, §6). Both must match the
	// cache's stored config or the cache is invalidated.
	ShortHashAlgo string
	LongHashAlgo  string
	// RecordFailedMeta persists a meta record with no value_hash for
	// failed targets (spec.md §7 propagation policy).
	RecordFailedMeta bool
	// Strict escalates MissingDependency from a warning to a fatal
	// error.
	Strict bool
	// Verbose logs start/finish for every target, not just warnings
	// and failures (spec.md §7).
	Verbose bool
	// Log receives all progress/diagnostic output. Defaults to
	// log.Default() if nil, matching distri's pattern of an
	// explicitly injected *log.Logger on every Ctx rather than a
	// package-level global.
	Log *log.Logger
}

// Logger returns c.Log, falling back to the standard logger.
func (c *Config) Logger() *log.Logger {
	if c.Log != nil {
		return c.Log
	}
	return log.Default()
}

// DefaultConfig returns a Config with the documented defaults for every
// recognized option in spec.md §6.
func DefaultConfig() Config {
	return Config{
		Backend:        "forked",
		MaxParallel:    4,
		TriggerDefault: TriggerAny,
		CacheDir:       ".workflow-cache",
		KeepGoing:      false,
		Caching:        CachingWorker,
		RootSeed:       0,
		ShortHashAlgo:  "fnv64a",
		LongHashAlgo:   "sha256",
	}
}
