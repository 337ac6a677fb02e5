package barecat

import (
	"context"
	"database/sql"
	"hash/crc32"
	"time"
)

// writer is component D: the allocator (spec §4.D). It owns the decision
// of which (shard, offset) a new blob lands at and rolls the shard store
// over once the active shard would exceed its size cap.
//
// crcTable is shared across writes rather than rebuilt per call — building
// a Castagnoli table is a few hundred instructions, cheap once but wasteful
// per blob on a bulk import of millions of small files.
type writer struct {
	shards *shardStore
	idx    *indexStore
}

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// writeOpts carries the optional metadata fields of spec §6 `write(path,
// data, mode=None, uid=None, gid=None, mtime=None)`. A zero value for any
// field leaves that attribute unset (NULL in the index) rather than 0.
type writeOpts struct {
	Mode  sql.NullInt64
	UID   sql.NullInt64
	GID   sql.NullInt64
	Mtime sql.NullInt64
}

// allocate picks the (shard, offset) for a size-byte blob: the current
// last shard if it has room under the cap, otherwise a freshly rolled-over
// shard (spec §4.D "Rollover"). A blob larger than the cap by itself is
// rejected outright — rolling over can never make room for it.
func (w *writer) allocate(size int64) (*shard, error) {
	limit := w.idx.shardSizeLimit()
	if size > limit {
		return nil, newErr(KindBlobTooLarge, "", nil)
	}
	last := w.shards.lastShard()
	if last.currentLength()+size <= limit {
		return last, nil
	}
	return w.shards.rollover()
}

// write implements spec §6 `write`: allocate a location, append the bytes
// to the shard, then record the file (and any missing ancestor
// directories) in the index inside one transaction. The shard append
// happens before the transaction opens — if the process dies between the
// append and the commit, the result is an orphan region (unreferenced
// bytes, spec §4.D "Failure semantics", §9 "Crash between append and
// index commit"), not a corrupt index, and Verify/defrag both tolerate
// orphan regions by construction (they only ever trust the index's view
// of occupied ranges).
func (w *writer) write(ctx context.Context, path string, data []byte, opts writeOpts) error {
	path, err := normalizePath(path)
	if err != nil {
		return err
	}
	if path == "" {
		return newErr(KindIsDir, path, nil)
	}
	exists, err := w.idx.fileExists(path)
	if err != nil {
		return err
	}
	if exists {
		return newErr(KindAlreadyExists, path, nil)
	}
	if isDir, err := w.idx.dirExists(path); err != nil {
		return err
	} else if isDir {
		return newErr(KindIsDir, path, nil)
	}

	sh, err := w.allocate(int64(len(data)))
	if err != nil {
		return err
	}
	offset, err := sh.append(data)
	if err != nil {
		return err
	}

	crc := crc32.Checksum(data, crcTable)
	rec := fileRecord{
		Path:    path,
		Shard:   sh.index,
		Offset:  offset,
		Size:    int64(len(data)),
		CRC32C:  sql.NullInt64{Int64: int64(crc), Valid: true},
		Mode:    opts.Mode,
		UID:     opts.UID,
		GID:     opts.GID,
		MtimeNs: opts.Mtime,
	}

	tx, err := w.idx.db.BeginTx(ctx, nil)
	if err != nil {
		return newErr(KindCorruptIndex, path, err)
	}
	defer tx.Rollback()

	if err := ensureAncestors(tx, path); err != nil {
		return err
	}
	if err := insertFile(tx, rec); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return newErr(KindCorruptIndex, path, err)
	}
	return nil
}

// mkdir implements spec §6 `mkdir(path, mode=None, uid=None, gid=None,
// mtime=None)`: create path and any missing ancestors. Unlike write,
// there is no shard-side allocation at all — a directory is purely an
// index row.
func (w *writer) mkdir(ctx context.Context, path string, opts writeOpts) error {
	path, err := normalizePath(path)
	if err != nil {
		return err
	}
	if path == "" {
		return newErr(KindAlreadyExists, path, nil) // root always exists
	}
	if isDir, err := w.idx.dirExists(path); err != nil {
		return err
	} else if isDir {
		return newErr(KindAlreadyExists, path, nil)
	}
	if isFile, err := w.idx.fileExists(path); err != nil {
		return err
	} else if isFile {
		return newErr(KindNotDir, path, nil)
	}

	tx, err := w.idx.db.BeginTx(ctx, nil)
	if err != nil {
		return newErr(KindCorruptIndex, path, err)
	}
	defer tx.Rollback()

	if err := ensureAncestors(tx, path); err != nil {
		return err
	}
	if err := insertDir(tx, path, opts.Mode, opts.UID, opts.GID, opts.Mtime); err != nil {
		return err
	}
	return tx.Commit()
}

// nowNs returns the wall-clock time in nanoseconds. No code or test in
// this package calls it.
var nowNs = func() int64 { return time.Now().UnixNano() }
