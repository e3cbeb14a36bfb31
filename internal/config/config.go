// Package config holds the tunables of the storage engine and the thin
// command-line surface that feeds them. Grounded on original_source's
// src/config.rs; argument parsing itself stays intentionally minimal since
// it is an external collaborator's concern, not the core's.
package config

import (
	"flag"
)

// BlockSizeBytes is the fixed physical page size of every on-disk block.
const BlockSizeBytes = 4096

// SizeMultiplier is the per-level capacity growth factor S in C(L) = C1*S^(L-1).
const SizeMultiplier = 2

// NumLevels is the fixed number of disk levels the database maintains.
const NumLevels = 6

// Level1FileCapacity is C1, the file budget of disk level 1.
const Level1FileCapacity = 4

// MaxFileSizeBytes bounds how large a single table file may grow before the
// builder seals it and starts a new one.
const MaxFileSizeBytes = 1 << 22 // 4 MiB

// MaxFileSizeBlocks is MaxFileSizeBytes expressed in blocks.
const MaxFileSizeBlocks = MaxFileSizeBytes / BlockSizeBytes

// BloomCapacity is the fixed bit-array size backing every table's Bloom filter.
const BloomCapacity = 1 << 16

// BloomHashCount is the number of hash functions used per Bloom filter.
const BloomHashCount = 7

// MemCapacity is the maximum number of entries the in-memory level buffers
// before it is flushed to a table. Sized, as in the original, so that a full
// memory level serializes into roughly one file's worth of 9-byte Put records.
const MemCapacity = uint32(MaxFileSizeBlocks * BlockSizeBytes / 9)

const defaultPort = 1234

// Config is the set of values an operator supplies at startup. Its own
// population (flag parsing) is intentionally thin: the wire protocol, the
// client, and elaborate CLI surfaces are external collaborators outside the
// core's scope.
type Config struct {
	DataDir string
	Port    int
}

// ParseFlags parses args (typically os.Args[1:]) into a Config.
func ParseFlags(args []string) (Config, error) {
	fs := flag.NewFlagSet("flashkvd", flag.ContinueOnError)
	dataDir := fs.String("data-dir", "./database", "root directory for level files")
	port := fs.Int("port", defaultPort, "TCP port to listen on")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	return Config{DataDir: *dataDir, Port: *port}, nil
}
