package barecat

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// Session is the top-level handle for one open archive (spec §3
// "Ownership", §6). It owns every shard file, the index connection, and
// (for a writable session) the advisory lock that enforces the
// single-writer model of spec §5. Read operations on one Session may run
// from several goroutines at once; operations that change the archive
// (writes, renames, deletes, defrag) are not synchronized against each
// other or against reads. A second writable Open of the same archive,
// from this or another process, fails with ErrConcurrentWriter rather
// than corrupting anything.
type Session struct {
	base string
	opts Options
	log  zerolog.Logger

	shards *shardStore
	idx    *indexStore

	w   *writer
	rd  *reader
	mut *mutator
	dfg *defragmenter

	lockFile *os.File
}

// Open implements spec §6 `open(base, mode, shard_size_limit=None)`.
func Open(base string, opts Options) (*Session, error) {
	log := newLogger(opts.LogWriter)
	writable := opts.Mode != ModeReadOnly
	createNew := opts.Mode == ModeCreateNew

	if opts.Mode == ModeOverwrite {
		if err := removeArchiveFiles(base); err != nil {
			return nil, err
		}
		createNew = true
	}

	indexPath := base + "-sqlite-index"
	_, statErr := os.Stat(indexPath)
	switch {
	case statErr == nil:
		if opts.Mode == ModeCreateNew {
			return nil, newErr(KindAlreadyExists, base, nil)
		}
	case os.IsNotExist(statErr):
		if !writable {
			return nil, newErr(KindNotFound, indexPath, nil)
		}
		createNew = true
	default:
		return nil, newErr(KindShardIOError, indexPath, statErr)
	}

	var lockFile *os.File
	if writable {
		lf, err := acquireWriteLock(base + "-lock")
		if err != nil {
			return nil, err
		}
		lockFile = lf
	}

	idx, err := openIndex(indexPath, writable, createNew, log)
	if err != nil {
		releaseWriteLock(lockFile)
		return nil, err
	}

	if createNew {
		limit := opts.ShardSizeLimit
		if limit <= 0 {
			limit = defaultShardSizeLimit
		}
		if err := idx.setConfigInt("shard_size_limit", limit); err != nil {
			idx.Close()
			releaseWriteLock(lockFile)
			return nil, err
		}
	}

	shards, err := openShardStore(base, writable)
	if err != nil {
		idx.Close()
		releaseWriteLock(lockFile)
		return nil, err
	}

	s := &Session{
		base:     base,
		opts:     opts,
		log:      log,
		shards:   shards,
		idx:      idx,
		lockFile: lockFile,
	}
	s.w = &writer{shards: shards, idx: idx}
	s.rd = &reader{shards: shards, idx: idx}
	s.mut = &mutator{shards: shards, idx: idx}
	s.dfg = &defragmenter{shards: shards, idx: idx, rd: s.rd}

	log.Info().Str("base", base).Bool("writable", writable).Int("shards", shards.numShards()).Msg("archive opened")
	return s, nil
}

// removeArchiveFiles deletes every file belonging to base's archive
// (every numbered shard, the index, and a stale lock), used by
// ModeOverwrite (spec §6 "open mode=overwrite truncates any existing
// archive at base").
func removeArchiveFiles(base string) error {
	matches, err := globShards(base)
	if err != nil {
		return newErr(KindShardIOError, base, err)
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
			return newErr(KindShardIOError, m, err)
		}
	}
	for _, suffix := range []string{"-sqlite-index", "-sqlite-index-wal", "-sqlite-index-shm", "-lock"} {
		if err := os.Remove(base + suffix); err != nil && !os.IsNotExist(err) {
			return newErr(KindShardIOError, base+suffix, err)
		}
	}
	return nil
}

// acquireWriteLock takes a non-blocking exclusive advisory lock on
// base+"-lock" (creating it if needed), enforcing spec §5's single
// writer per archive. A second writable Open against the same archive
// fails immediately with ErrConcurrentWriter rather than blocking — spec
// §5 describes readers and the single writer as coexisting, not writers
// queueing for a turn.
func acquireWriteLock(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, newErr(KindShardIOError, path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, newErr(KindConcurrentWriter, path, err)
	}
	return f, nil
}

func releaseWriteLock(f *os.File) {
	if f == nil {
		return
	}
	unix.Flock(int(f.Fd()), unix.LOCK_UN)
	f.Close()
}

// --- public read operations (spec §6) ---

func (s *Session) Read(path string) ([]byte, error) { return s.rd.read(path) }

func (s *Session) WithMapped(path string, fn func(Mapped) error) error {
	return s.rd.withMapped(path, fn)
}

// FileInfo is the exported view of a file record returned by Stat (spec
// §6 `stat(path)`); fileRecord itself stays unexported since Parent is an
// implementation detail callers never need.
type FileInfo struct {
	Path    string
	Shard   int
	Offset  int64
	Size    int64
	CRC32C  sql.NullInt64
	Mode    sql.NullInt64
	UID     sql.NullInt64
	GID     sql.NullInt64
	MtimeNs sql.NullInt64
}

func (s *Session) Stat(path string) (FileInfo, error) {
	rec, err := s.rd.statFile(path)
	if err != nil {
		return FileInfo{}, err
	}
	return FileInfo{
		Path: rec.Path, Shard: rec.Shard, Offset: rec.Offset, Size: rec.Size,
		CRC32C: rec.CRC32C, Mode: rec.Mode, UID: rec.UID, GID: rec.GID, MtimeNs: rec.MtimeNs,
	}, nil
}

func (s *Session) Exists(path string) (bool, error) { return s.rd.exists(path) }

func (s *Session) IsFile(path string) (bool, error) { return s.rd.isFile(path) }

func (s *Session) IsDir(path string) (bool, error) { return s.rd.isDir(path) }

// --- public write operations (spec §6) ---

// Write implements spec §6 `write(path, data, ...)`.
func (s *Session) Write(path string, data []byte, mode, uid, gid, mtime *int64) error {
	return s.w.write(context.Background(), path, data, toWriteOpts(mode, uid, gid, mtime))
}

func (s *Session) Mkdir(path string, mode, uid, gid, mtime *int64) error {
	return s.w.mkdir(context.Background(), path, toWriteOpts(mode, uid, gid, mtime))
}

func toWriteOpts(mode, uid, gid, mtime *int64) writeOpts {
	var o writeOpts
	if mode != nil {
		o.Mode = sql.NullInt64{Int64: *mode, Valid: true}
	}
	if uid != nil {
		o.UID = sql.NullInt64{Int64: *uid, Valid: true}
	}
	if gid != nil {
		o.GID = sql.NullInt64{Int64: *gid, Valid: true}
	}
	if mtime != nil {
		o.Mtime = sql.NullInt64{Int64: *mtime, Valid: true}
	}
	return o
}

// Rename implements spec §6 `rename(oldPath, newPath, flags)`, dispatching
// to the file or directory variant depending on what oldPath names. flags
// selects replace/no-replace/exchange semantics (see RenameFlags).
func (s *Session) Rename(oldPath, newPath string, flags RenameFlags) error {
	old, err := normalizePath(oldPath)
	if err != nil {
		return err
	}
	isDir, err := s.idx.dirExists(old)
	if err != nil {
		return err
	}
	if isDir {
		return s.mut.renameDir(context.Background(), oldPath, newPath, flags)
	}
	return s.mut.renameFile(context.Background(), oldPath, newPath, flags)
}

// Delete implements spec §6 `delete(path) -> ok | not-found |
// is-nonempty-dir`, a single entry point that dispatches to the file or
// (empty-only) directory variant depending on what path names. Use
// RemoveDirRecursive to delete a non-empty directory explicitly.
func (s *Session) Delete(path string) error {
	path, err := normalizePath(path)
	if err != nil {
		return err
	}
	isDir, err := s.idx.dirExists(path)
	if err != nil {
		return err
	}
	if isDir {
		return s.mut.deleteDir(context.Background(), path)
	}
	return s.mut.deleteFile(context.Background(), path)
}

func (s *Session) RemoveDir(path string) error {
	return s.mut.deleteDir(context.Background(), path)
}

func (s *Session) RemoveDirRecursive(path string) error {
	return s.mut.deleteDirRecursive(context.Background(), path)
}

func (s *Session) Chmod(path string, mode int64) error {
	return s.mut.setMeta(context.Background(), path, meta{Mode: sql.NullInt64{Int64: mode, Valid: true}})
}

func (s *Session) Chown(path string, uid, gid int64) error {
	return s.mut.setMeta(context.Background(), path, meta{
		UID: sql.NullInt64{Int64: uid, Valid: true},
		GID: sql.NullInt64{Int64: gid, Valid: true},
	})
}

func (s *Session) Utime(path string, mtimeNs int64) error {
	return s.mut.setMeta(context.Background(), path, meta{Mtime: sql.NullInt64{Int64: mtimeNs, Valid: true}})
}

func (s *Session) Truncate(path string, size int64) error {
	return s.mut.truncateFile(context.Background(), path, size)
}

// --- bulk-load / aggregate maintenance (spec §9) ---

// SetTriggersEnabled toggles trigger-maintained aggregates. Disable
// before a bulk import, then call RebuildAggregates and re-enable once
// it finishes.
func (s *Session) SetTriggersEnabled(on bool) error { return s.idx.setUseTriggers(on) }

func (s *Session) RebuildAggregates() error {
	return s.idx.rebuildAggregates(context.Background())
}

// VerifyIssue describes one file whose stored checksum does not match
// its shard bytes (spec §6 `verify()`, §9 "Verify").
type VerifyIssue struct {
	Path     string
	Expected uint32
	Actual   uint32
}

// Verify walks every file in the index and recomputes its CRC32C from
// the shard bytes, reporting every mismatch. It does not repair
// anything — a mismatch means either on-disk corruption or a bug, and
// silently fixing the index to agree with possibly-corrupt bytes would
// hide the failure it exists to surface.
func (s *Session) Verify() ([]VerifyIssue, error) {
	files, err := s.idx.filesOrderedByLocation(false)
	if err != nil {
		return nil, err
	}
	var issues []VerifyIssue
	for _, f := range files {
		rec, ok, err := s.idx.lookupFile(f.Path)
		if err != nil {
			return nil, err
		}
		if !ok || !rec.CRC32C.Valid {
			continue
		}
		actual, err := s.rd.crc32cFromAddress(f.Shard, f.Offset, f.Size)
		if err != nil {
			return nil, err
		}
		if actual != uint32(rec.CRC32C.Int64) {
			issues = append(issues, VerifyIssue{Path: f.Path, Expected: uint32(rec.CRC32C.Int64), Actual: actual})
		}
	}
	return issues, nil
}

// --- defrag (spec §6 `defrag(mode)`) ---

func (s *Session) Defrag(mode string) error {
	switch mode {
	case "full":
		return s.dfg.FullCompact(context.Background())
	case "quick":
		return s.dfg.QuickDefrag(context.Background())
	default:
		return newErr(KindInvalidPath, mode, fmt.Errorf("unknown defrag mode %q", mode))
	}
}

// --- lifecycle ---

// Flush syncs every shard and checkpoints the index's WAL to disk.
func (s *Session) Flush() error {
	if err := s.shards.syncAll(); err != nil {
		return err
	}
	if s.idx.writable {
		if _, err := s.idx.db.Exec(`PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
			return newErr(KindCorruptIndex, s.idx.path, err)
		}
	}
	return nil
}

// Close releases every resource the session holds: shard file handles
// and mappings, the index connection, and (for a writable session) the
// advisory lock, in that order so the lock is only released once
// everything it was protecting has actually been flushed to disk.
func (s *Session) Close() error {
	var firstErr error
	if err := s.Flush(); err != nil {
		firstErr = err
	}
	if err := s.shards.closeAll(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.idx.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	releaseWriteLock(s.lockFile)
	s.log.Info().Str("base", s.base).Msg("archive closed")
	return firstErr
}
