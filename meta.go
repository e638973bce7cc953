package workflow

import "time"

// Meta is the persisted per-target metadata the staleness oracle
// compares against on subsequent runs (spec.md §3).
type Meta struct {
	CommandHash string
	DependsHash string
	ValueHash   string
	FileMtime   int64
	FileHash    string
	Seed        int64
	ElapsedMs   int64
	FinishedAt  time.Time
	// Err is set only when the target failed and
	// Config.RecordFailedMeta is enabled (spec.md §7 propagation
	// policy: "attached to the meta record (without a value_hash) only
	// if record_failed_meta is enabled"). A non-empty Err means
	// ValueHash must be empty.
	Err string
}
