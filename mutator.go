package barecat

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"strings"
)

// mutator is component G: the in-place metadata and tree-shape operations
// of spec §4.G (rename, delete, chmod/chown/utime, truncate). Every
// multi-row operation here runs inside one transaction so the aggregate
// triggers of index_triggers.go see a consistent before/after state and
// no partial rename or delete is ever observable.
type mutator struct {
	shards *shardStore
	idx    *indexStore
}

// RenameFlags selects how rename treats an existing newPath (spec §6
// `rename(old, new, flags ∈ {replace, no-replace, exchange})`), mirroring
// Linux renameat2(2)'s RENAME_NOREPLACE/RENAME_REPLACE/RENAME_EXCHANGE —
// the primitive a FUSE adapter built on this package needs.
type RenameFlags int

const (
	// RenameNoReplace fails with already-exists if newPath exists. Default.
	RenameNoReplace RenameFlags = iota
	// RenameReplace atomically replaces newPath if it exists (an existing
	// directory target must be empty, matching plain rename(2)).
	RenameReplace
	// RenameExchange swaps oldPath and newPath; both must already exist.
	RenameExchange
)

// renameFile implements spec §6 `rename(oldPath, newPath, flags)` for a
// file: under RenameNoReplace newPath must not already exist; under
// RenameReplace an existing file at newPath is replaced; under
// RenameExchange both sides are swapped via exchange. Ancestors of
// newPath are created on demand exactly like write (spec §4.G "Rename
// creates ancestors").
func (m *mutator) renameFile(ctx context.Context, oldPath, newPath string, flags RenameFlags) error {
	oldPath, err := normalizePath(oldPath)
	if err != nil {
		return err
	}
	newPath, err = normalizePath(newPath)
	if err != nil {
		return err
	}
	if newPath == "" {
		return newErr(KindIsDir, newPath, nil)
	}
	if ok, err := m.idx.fileExists(oldPath); err != nil {
		return err
	} else if !ok {
		return newErr(KindNotFound, oldPath, nil)
	}

	if flags == RenameExchange {
		return m.exchange(ctx, oldPath, newPath)
	}

	newIsDir, err := m.idx.dirExists(newPath)
	if err != nil {
		return err
	}
	if newIsDir {
		// rename(2) refuses to replace a directory with a file regardless
		// of flags.
		return newErr(KindIsDir, newPath, nil)
	}
	newIsFile, err := m.idx.fileExists(newPath)
	if err != nil {
		return err
	}
	if newIsFile && flags == RenameNoReplace {
		return newErr(KindAlreadyExists, newPath, nil)
	}

	tx, err := m.idx.db.BeginTx(ctx, nil)
	if err != nil {
		return newErr(KindCorruptIndex, oldPath, err)
	}
	defer tx.Rollback()

	if newIsFile {
		if err := deleteFileRow(tx, newPath); err != nil {
			return err
		}
	}
	if err := ensureAncestors(tx, newPath); err != nil {
		return err
	}
	if err := updateFilePath(tx, oldPath, newPath); err != nil {
		return err
	}
	return tx.Commit()
}

// renameDir implements spec §6 `rename(oldPath, newPath, flags)` for a
// directory: every descendant dir and file has its path (and derived
// parent) rewritten by substituting the oldPath prefix for newPath,
// within one transaction (spec §4.G "Rename is atomic across the whole
// subtree"). RenameReplace requires an existing newPath directory to be
// empty, same as deleteDir.
func (m *mutator) renameDir(ctx context.Context, oldPath, newPath string, flags RenameFlags) error {
	oldPath, err := normalizePath(oldPath)
	if err != nil {
		return err
	}
	newPath, err = normalizePath(newPath)
	if err != nil {
		return err
	}
	if oldPath == "" {
		return newErr(KindInvalidPath, oldPath, nil) // cannot rename root
	}
	if ok, err := m.idx.dirExists(oldPath); err != nil {
		return err
	} else if !ok {
		return newErr(KindNotFound, oldPath, nil)
	}
	if strings.HasPrefix(newPath+"/", oldPath+"/") {
		return newErr(KindInvalidPath, newPath, nil) // cannot rename into own subtree
	}

	if flags == RenameExchange {
		return m.exchange(ctx, oldPath, newPath)
	}

	newIsDir, err := m.idx.dirExists(newPath)
	if err != nil {
		return err
	}
	replaceTarget := false
	if newIsDir {
		if flags == RenameNoReplace {
			return newErr(KindAlreadyExists, newPath, nil)
		}
		d, ok, err := m.idx.statDir(newPath)
		if err != nil {
			return err
		}
		if ok && (d.NumSubdirs != 0 || d.NumFiles != 0) {
			return newErr(KindDirNotEmpty, newPath, nil)
		}
		replaceTarget = true
	}
	if ok, err := m.idx.fileExists(newPath); err != nil {
		return err
	} else if ok {
		return newErr(KindNotDir, newPath, nil)
	}

	dirs, err := m.idx.descendantDirs(oldPath)
	if err != nil {
		return err
	}
	files, err := m.idx.descendantFiles(oldPath)
	if err != nil {
		return err
	}

	tx, err := m.idx.db.BeginTx(ctx, nil)
	if err != nil {
		return newErr(KindCorruptIndex, oldPath, err)
	}
	defer tx.Rollback()

	if replaceTarget {
		if err := deleteDirRow(tx, newPath); err != nil {
			return err
		}
	}
	if err := ensureAncestors(tx, newPath); err != nil {
		return err
	}
	// Deepest-first so a child's rename never collides with a shallower
	// ancestor of itself still sitting at its old path under a unique
	// index (not required for correctness here since old and new subtrees
	// are disjoint, but matches the order descendantDirs already returns
	// reversed).
	for i := len(dirs) - 1; i >= 0; i-- {
		rewritten := rewritePrefix(dirs[i], oldPath, newPath)
		if err := updateDirPath(tx, dirs[i], rewritten); err != nil {
			return err
		}
	}
	for _, f := range files {
		rewritten := rewritePrefix(f, oldPath, newPath)
		if err := updateFilePath(tx, f, rewritten); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// exchange implements RenameExchange for either a file or a directory on
// either side: pathA and pathB, each with its own subtree if a directory,
// swap places atomically. Neither side is ever deleted, unlike replace.
//
// The swap goes through a synthetic temporary path so the two subtrees
// never collide mid-transaction: A moves to tmp, B moves to A, then tmp
// (which is A's original content) moves to B.
func (m *mutator) exchange(ctx context.Context, pathA, pathB string) error {
	if pathA == pathB {
		return nil
	}
	if pathA == "" || pathB == "" {
		return newErr(KindInvalidPath, pathA, nil) // cannot exchange root
	}

	aIsDir, err := m.idx.dirExists(pathA)
	if err != nil {
		return err
	}
	aIsFile, err := m.idx.fileExists(pathA)
	if err != nil {
		return err
	}
	if !aIsDir && !aIsFile {
		return newErr(KindNotFound, pathA, nil)
	}
	bIsDir, err := m.idx.dirExists(pathB)
	if err != nil {
		return err
	}
	bIsFile, err := m.idx.fileExists(pathB)
	if err != nil {
		return err
	}
	if !bIsDir && !bIsFile {
		return newErr(KindNotFound, pathB, nil)
	}
	if aIsDir && strings.HasPrefix(pathB+"/", pathA+"/") {
		return newErr(KindInvalidPath, pathB, nil) // cannot exchange with own subtree
	}
	if bIsDir && strings.HasPrefix(pathA+"/", pathB+"/") {
		return newErr(KindInvalidPath, pathA, nil)
	}

	var aDirs, aFiles []string
	if aIsDir {
		if aDirs, err = m.idx.descendantDirs(pathA); err != nil {
			return err
		}
		if aFiles, err = m.idx.descendantFiles(pathA); err != nil {
			return err
		}
	}
	var bDirs, bFiles []string
	if bIsDir {
		if bDirs, err = m.idx.descendantDirs(pathB); err != nil {
			return err
		}
		if bFiles, err = m.idx.descendantFiles(pathB); err != nil {
			return err
		}
	}

	tmp, err := uniqueTempPath(m.idx, pathA, pathB)
	if err != nil {
		return err
	}

	tx, err := m.idx.db.BeginTx(ctx, nil)
	if err != nil {
		return newErr(KindCorruptIndex, pathA, err)
	}
	defer tx.Rollback()

	if err := ensureAncestors(tx, pathA); err != nil {
		return err
	}
	if err := ensureAncestors(tx, pathB); err != nil {
		return err
	}

	if err := moveSubtree(tx, aDirs, aFiles, aIsDir, pathA, tmp); err != nil {
		return err
	}
	if err := moveSubtree(tx, bDirs, bFiles, bIsDir, pathB, pathA); err != nil {
		return err
	}
	tmpDirs := rewriteAll(aDirs, pathA, tmp)
	tmpFiles := rewriteAll(aFiles, pathA, tmp)
	if err := moveSubtree(tx, tmpDirs, tmpFiles, aIsDir, tmp, pathB); err != nil {
		return err
	}

	return tx.Commit()
}

// moveSubtree rewrites every path in dirs/files (or, for a lone file,
// oldPrefix itself) from oldPrefix to newPrefix, deepest directory first.
func moveSubtree(tx execer, dirs, files []string, isDir bool, oldPrefix, newPrefix string) error {
	if !isDir {
		return updateFilePath(tx, oldPrefix, newPrefix)
	}
	for i := len(dirs) - 1; i >= 0; i-- {
		if err := updateDirPath(tx, dirs[i], rewritePrefix(dirs[i], oldPrefix, newPrefix)); err != nil {
			return err
		}
	}
	for _, f := range files {
		if err := updateFilePath(tx, f, rewritePrefix(f, oldPrefix, newPrefix)); err != nil {
			return err
		}
	}
	return nil
}

func rewriteAll(paths []string, oldPrefix, newPrefix string) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = rewritePrefix(p, oldPrefix, newPrefix)
	}
	return out
}

// uniqueTempPath generates a path guaranteed to collide with neither
// avoid nor any path already in the index, for exchange's intermediate
// hop. The candidate starts with a NUL byte, which normalizePath does not
// reject, so a stored path could in principle take that form; the retry
// loop against the index is the actual correctness guarantee.
func uniqueTempPath(idx *indexStore, avoid ...string) (string, error) {
	for i := 0; i < 100; i++ {
		var b [16]byte
		if _, err := rand.Read(b[:]); err != nil {
			return "", newErr(KindCorruptIndex, "", err)
		}
		candidate := "\x00exchange-" + hex.EncodeToString(b[:])
		collides := false
		for _, a := range avoid {
			if candidate == a {
				collides = true
				break
			}
		}
		if collides {
			continue
		}
		isDir, err := idx.dirExists(candidate)
		if err != nil {
			return "", err
		}
		isFile, err := idx.fileExists(candidate)
		if err != nil {
			return "", err
		}
		if !isDir && !isFile {
			return candidate, nil
		}
	}
	return "", newErr(KindCorruptIndex, "", nil)
}

// rewritePrefix replaces the oldPrefix leading p with newPrefix. p is
// always either oldPrefix itself or oldPrefix + "/" + suffix.
func rewritePrefix(p, oldPrefix, newPrefix string) string {
	if p == oldPrefix {
		return newPrefix
	}
	return newPrefix + p[len(oldPrefix):]
}

// deleteFile implements spec §6 `delete(path)` for a file. The shard
// bytes are left in place — they become an orphan region reclaimed by
// defrag (spec §4.D "Deletion never rewrites shards").
func (m *mutator) deleteFile(ctx context.Context, path string) error {
	path, err := normalizePath(path)
	if err != nil {
		return err
	}
	tx, err := m.idx.db.BeginTx(ctx, nil)
	if err != nil {
		return newErr(KindCorruptIndex, path, err)
	}
	defer tx.Rollback()
	if err := deleteFileRow(tx, path); err != nil {
		return err
	}
	return tx.Commit()
}

// deleteDir implements spec §6 `rmdir(path)`: path must be an empty
// directory (no subdirs, no files).
func (m *mutator) deleteDir(ctx context.Context, path string) error {
	path, err := normalizePath(path)
	if err != nil {
		return err
	}
	if path == "" {
		return newErr(KindInvalidPath, path, nil)
	}
	d, ok, err := m.idx.statDir(path)
	if err != nil {
		return err
	}
	if !ok {
		return newErr(KindNotFound, path, nil)
	}
	if d.NumSubdirs != 0 || d.NumFiles != 0 {
		return newErr(KindDirNotEmpty, path, nil)
	}

	tx, err := m.idx.db.BeginTx(ctx, nil)
	if err != nil {
		return newErr(KindCorruptIndex, path, err)
	}
	defer tx.Rollback()
	if err := deleteDirRow(tx, path); err != nil {
		return err
	}
	return tx.Commit()
}

// deleteDirRecursive implements spec §6 `delete_dir(path, recursive=True)`:
// every file under path is dropped, then every directory deepest-first so
// each DELETE fires trg_dirs_ad against a parent that still exists.
func (m *mutator) deleteDirRecursive(ctx context.Context, path string) error {
	path, err := normalizePath(path)
	if err != nil {
		return err
	}
	if path == "" {
		return newErr(KindInvalidPath, path, nil) // cannot delete root
	}
	if ok, err := m.idx.dirExists(path); err != nil {
		return err
	} else if !ok {
		return newErr(KindNotFound, path, nil)
	}

	dirs, err := m.idx.descendantDirs(path)
	if err != nil {
		return err
	}
	files, err := m.idx.descendantFiles(path)
	if err != nil {
		return err
	}

	tx, err := m.idx.db.BeginTx(ctx, nil)
	if err != nil {
		return newErr(KindCorruptIndex, path, err)
	}
	defer tx.Rollback()

	for _, f := range files {
		if err := deleteFileRow(tx, f); err != nil {
			return err
		}
	}
	for i := len(dirs) - 1; i >= 0; i-- {
		if err := deleteDirRow(tx, dirs[i]); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// meta bundles the optional fields of spec §6 `chmod`/`chown`/`utime`; an
// invalid NullInt64 leaves that attribute untouched.
type meta struct {
	Mode  sql.NullInt64
	UID   sql.NullInt64
	GID   sql.NullInt64
	Mtime sql.NullInt64
}

// setMeta implements chmod/chown/utime: all three are the same
// COALESCE-based partial update against either files or dirs, so spec §6
// exposes them as one Go call taking whichever fields the caller wants to
// change.
func (m *mutator) setMeta(ctx context.Context, path string, md meta) error {
	path, err := normalizePath(path)
	if err != nil {
		return err
	}
	isDir, err := m.idx.dirExists(path)
	if err != nil {
		return err
	}
	if !isDir {
		if ok, err := m.idx.fileExists(path); err != nil {
			return err
		} else if !ok {
			return newErr(KindNotFound, path, nil)
		}
	}
	tx, err := m.idx.db.BeginTx(ctx, nil)
	if err != nil {
		return newErr(KindCorruptIndex, path, err)
	}
	defer tx.Rollback()

	if isDir {
		if err := updateDirMeta(tx, path, md.Mode, md.UID, md.GID, md.Mtime); err != nil {
			return err
		}
	} else {
		if err := updateFileMeta(tx, path, md.Mode, md.UID, md.GID, md.Mtime); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// truncateFile implements spec §6 `truncate(path, size)`: shrinks (never
// grows — spec §4.G "Truncate only shrinks") the recorded size of a
// file in place. The shard bytes beyond the new size become an orphan
// region, same as delete.
func (m *mutator) truncateFile(ctx context.Context, path string, size int64) error {
	path, err := normalizePath(path)
	if err != nil {
		return err
	}
	rec, ok, err := m.idx.lookupFile(path)
	if err != nil {
		return err
	}
	if !ok {
		return newErr(KindNotFound, path, nil)
	}
	if size > rec.Size {
		return newErr(KindInvalidPath, path, nil)
	}
	if size == rec.Size {
		return nil
	}

	tx, err := m.idx.db.BeginTx(ctx, nil)
	if err != nil {
		return newErr(KindCorruptIndex, path, err)
	}
	defer tx.Rollback()
	if err := updateFileSize(tx, path, size); err != nil {
		return err
	}
	return tx.Commit()
}
