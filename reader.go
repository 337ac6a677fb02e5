package barecat

import (
	"hash/crc32"
)

// reader is component E: read path (spec §4.E). It turns a file's index
// record into bytes, either by copying (ReadAt into a fresh buffer) or by
// borrowing a slice of the shard's mmap with no copy at all.
type reader struct {
	shards *shardStore
	idx    *indexStore
}

// read implements spec §6 `read(path) -> bytes`: looks up the file and
// returns a copy of its bytes via the buffered path, verifying the stored
// CRC32C against the bytes actually read when one is recorded (spec
// §4.E "CRC verification"). Safe to retain past the session's lifetime,
// unlike a borrow from Mapped.
func (r *reader) read(path string) ([]byte, error) {
	path, err := normalizePath(path)
	if err != nil {
		return nil, err
	}
	rec, ok, err := r.idx.lookupFile(path)
	if err != nil {
		return nil, err
	}
	if !ok {
		if isDir, derr := r.idx.dirExists(path); derr == nil && isDir {
			return nil, newErr(KindIsDir, path, nil)
		}
		return nil, newErr(KindNotFound, path, nil)
	}
	sh, err := r.shards.shardAt(rec.Shard)
	if err != nil {
		return nil, err
	}
	buf, err := sh.readAt(rec.Offset, rec.Size)
	if err != nil {
		return nil, err
	}
	if rec.CRC32C.Valid {
		if actual := crc32.Checksum(buf, crcTable); actual != uint32(rec.CRC32C.Int64) {
			return nil, newErr(KindChecksumMismatch, path, nil)
		}
	}
	return buf, nil
}

// Mapped is a zero-copy borrow returned by WithMapped. Data aliases the
// shard's mmap directly — spec §3 "Ownership" forbids retaining it past
// the callback that received it, since a concurrent truncate (defrag) or
// session close can invalidate the mapping out from under a longer-lived
// reference.
type Mapped struct {
	Data []byte
}

// withMapped implements the zero-copy variant of spec §6 `read`: looks up
// path, maps (if needed) the owning shard, and invokes fn with a borrowed
// slice. The slice is only valid for the duration of fn — see Mapped's
// doc comment.
func (r *reader) withMapped(path string, fn func(Mapped) error) error {
	path, err := normalizePath(path)
	if err != nil {
		return err
	}
	rec, ok, err := r.idx.lookupFile(path)
	if err != nil {
		return err
	}
	if !ok {
		if isDir, derr := r.idx.dirExists(path); derr == nil && isDir {
			return newErr(KindIsDir, path, nil)
		}
		return newErr(KindNotFound, path, nil)
	}
	sh, err := r.shards.shardAt(rec.Shard)
	if err != nil {
		return err
	}
	slice, err := sh.mappedSlice(rec.Offset, rec.Size)
	if err != nil {
		return err
	}
	return fn(Mapped{Data: slice})
}

// readFromAddress is the low-level primitive behind Verify (through
// crc32cFromAddress) and defrag's moves: read size bytes at (shard,
// offset) without touching the index
// (spec §4.E "read_from_address", used when the caller already has a
// placedFile from filesOrderedByLocation, e.g. defrag).
func (r *reader) readFromAddress(shardIdx int, offset, size int64) ([]byte, error) {
	sh, err := r.shards.shardAt(shardIdx)
	if err != nil {
		return nil, err
	}
	return sh.readAt(offset, size)
}

// crc32cFromAddress computes the CRC32C checksum of the size bytes at
// (shard, offset), used by Verify to compare against the stored value
// without materializing a higher-level read() call (spec §4.E
// "crc32c_from_address").
func (r *reader) crc32cFromAddress(shardIdx int, offset, size int64) (uint32, error) {
	b, err := r.readFromAddress(shardIdx, offset, size)
	if err != nil {
		return 0, err
	}
	return crc32.Checksum(b, crcTable), nil
}

// statFile implements spec §6 `stat(path)` for files: returns the file
// record for path without reading its bytes. A path that names a
// directory, not a file, yields not-found.
func (r *reader) statFile(path string) (fileRecord, error) {
	path, err := normalizePath(path)
	if err != nil {
		return fileRecord{}, err
	}
	rec, ok, err := r.idx.lookupFile(path)
	if err != nil {
		return fileRecord{}, err
	}
	if !ok {
		return fileRecord{}, newErr(KindNotFound, path, nil)
	}
	return rec, nil
}

// exists, isFile, isDir implement spec §6's three existence predicates.
func (r *reader) exists(path string) (bool, error) {
	path, err := normalizePath(path)
	if err != nil {
		return false, err
	}
	if path == "" {
		return true, nil // root always exists
	}
	if ok, err := r.idx.fileExists(path); err != nil || ok {
		return ok, err
	}
	return r.idx.dirExists(path)
}

func (r *reader) isFile(path string) (bool, error) {
	path, err := normalizePath(path)
	if err != nil {
		return false, err
	}
	return r.idx.fileExists(path)
}

func (r *reader) isDir(path string) (bool, error) {
	path, err := normalizePath(path)
	if err != nil {
		return false, err
	}
	if path == "" {
		return true, nil
	}
	return r.idx.dirExists(path)
}
