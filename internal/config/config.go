// Package config holds the tunable constants of the kernel's data model.
//
// Every subsystem takes its limits from a *Config rather than from package
// constants so tests can shrink NPROC, NBUF, and friends to exercise
// exhaustion paths quickly.
package config

// Config collects the kernel's size constants: table capacities, block and
// page sizes, and the clock's tick interval.
type Config struct {
	// PageSize is the fixed size, in bytes, of a physical page and of a
	// page-table leaf mapping.
	PageSize uint64

	// NPROC is the capacity of the process table.
	NPROC int

	// NOFILE is the capacity of a process's open-file table.
	NOFILE int

	// NBUF is the capacity of the buffer cache.
	NBUF int

	// BlockSize is the size, in bytes, of one disk sector. The FAT32
	// superblock's bytes-per-sector field must equal this.
	BlockSize int

	// EntryCacheNum is the capacity of the FAT32 directory-entry cache.
	EntryCacheNum int

	// NHart is the number of simulated hardware execution contexts.
	NHart int

	// FAT32MaxFilename is the longest path component skipelem keeps. Package
	// fat32 applies its own MaxFilename constant (same value), not this field.
	FAT32MaxFilename int

	// TickInterval is INTERVAL, the number of machine cycles between
	// timer interrupts.
	TickInterval uint64

	// ConsoleInputBuf is INPUT_BUF, the capacity of the console's
	// line-discipline ring buffer.
	ConsoleInputBuf int
}

// Default returns the configuration's nominal values.
func Default() Config {
	return Config{
		PageSize:         4096,
		NPROC:            64,
		NOFILE:           16,
		NBUF:             32,
		BlockSize:        512,
		EntryCacheNum:    50,
		NHart:            2,
		FAT32MaxFilename: 255,
		TickInterval:     10_000_000,
		ConsoleInputBuf:  128,
	}
}

// Small returns a configuration with sharply reduced limits, for fast tests
// that want to hit exhaustion (no free buffer, no free proc slot, ...)
// without allocating thousands of objects first.
func Small() Config {
	c := Default()
	c.NPROC = 4
	c.NOFILE = 4
	c.NBUF = 3
	c.EntryCacheNum = 6
	c.NHart = 2

	return c
}
