// Package barecat stores large collections of small immutable blobs as a
// handful of append-only shard files plus one SQLite index that maps
// hierarchical paths to (shard, offset, size). Opening an archive costs
// constant memory regardless of how many files it holds; looking up a
// path is a primary-key index seek, not a directory scan.
//
// The package is organised into several files for clarity:
//
//	config.go         – Options, Mode, defaults
//	errors.go         – the closed set of error kinds
//	pathutil.go       – path normalization and glob-prefix helpers
//	shard.go          – one shard file: append, buffered read, zero-copy mmap
//	shardstore.go     – the set of shard files belonging to one archive
//	index_schema.go   – the files/dirs/config tables
//	index_triggers.go – triggers that keep directory aggregates current
//	index.go          – all index queries and mutations
//	writer.go         – allocation and the write/mkdir operations
//	reader.go         – read/stat/exists and the zero-copy borrow API
//	dirview.go        – listdir/iterdir_infos/walk
//	glob.go           – pattern matching over the path index
//	mutator.go        – rename/delete/chmod/chown/utime/truncate
//	defrag.go         – full-compact and quick-first-fit space reclamation
//	stats.go          – archive-wide summary
//	session.go        – Session: opens and wires everything above
//	log.go            – structured logging
package barecat
