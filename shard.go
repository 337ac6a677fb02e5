package barecat

import (
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// shard is one `<base>-shard-NNNNN` file: a plain concatenation of blob
// bytes, no header, no footer (spec §4.A, §6).
//
// mmap, when non-nil, is a MAP_PRIVATE read-only mapping of the shard's
// first mappedLen bytes, refreshed (unmapped and remapped) by ensureMapped
// when a zero-copy read needs bytes past what is currently mapped. mu guards the
// mapping and length fields so concurrent readers within one session can
// safely observe a consistent (mmap, mappedLen) pair while a writer
// appends.
type shard struct {
	index int
	path  string
	file  *os.File

	mu        sync.RWMutex
	length    int64 // current logical end of the shard (== file size)
	mmap      []byte
	mappedLen int64
}

func openShard(path string, index int, writable bool) (*shard, error) {
	flag := os.O_RDONLY
	if writable {
		flag = os.O_RDWR | os.O_CREATE
	}
	f, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &shard{index: index, path: path, file: f, length: info.Size()}, nil
}

// currentLength returns the shard's current size, snapshot under lock so
// it is consistent with any concurrently in-progress append.
func (s *shard) currentLength() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.length
}

// append writes b to the end of the shard and returns the pre-write
// offset (spec §4.A `append`). Callers (the allocator) are responsible
// for never calling append with a blob that would overrun the shard-size
// cap — an overrun here is a precondition violation, not a recoverable
// runtime failure (spec §4.A "Failure semantics").
func (s *shard) append(b []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	offset := s.length
	n, err := s.file.WriteAt(b, offset)
	if err != nil {
		return 0, newErr(KindShardIOError, s.path, err)
	}
	s.length += int64(n)
	return offset, nil
}

// readAt reads size bytes at offset into a freshly allocated buffer
// (buffered reader path, spec §4.E).
func (s *shard) readAt(offset int64, size int64) ([]byte, error) {
	buf := make([]byte, size)
	if _, err := s.file.ReadAt(buf, offset); err != nil {
		return nil, newErr(KindShardIOError, s.path, err)
	}
	return buf, nil
}

// ensureMapped guarantees the shard's mmap covers at least `upto` bytes,
// (re)mapping if necessary. Called lazily from the zero-copy read path.
func (s *shard) ensureMapped(upto int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mmap != nil && s.mappedLen >= upto {
		return nil
	}
	want := s.length
	if want < upto {
		want = upto
	}
	if want == 0 {
		return nil
	}
	if s.mmap != nil {
		if err := unix.Munmap(s.mmap); err != nil {
			return newErr(KindShardIOError, s.path, err)
		}
		s.mmap = nil
		s.mappedLen = 0
	}
	m, err := unix.Mmap(int(s.file.Fd()), 0, int(want), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return newErr(KindShardIOError, s.path, err)
	}
	s.mmap = m
	s.mappedLen = want
	return nil
}

// mappedSlice returns a borrow of mapping[offset:offset+size]. The
// returned slice aliases shard memory and must not be retained past
// session close (spec §3 "Ownership").
func (s *shard) mappedSlice(offset, size int64) ([]byte, error) {
	if err := s.ensureMapped(offset + size); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if offset+size > int64(len(s.mmap)) {
		return nil, newErr(KindShardIOError, s.path, nil)
	}
	return s.mmap[offset : offset+size], nil
}

// truncate shortens the shard to length bytes (used by defrag after
// compaction, spec §4.H). Any live mapping is torn down first since it
// would otherwise reference bytes the OS may now reuse.
func (s *shard) truncate(length int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mmap != nil {
		if err := unix.Munmap(s.mmap); err != nil {
			return newErr(KindShardIOError, s.path, err)
		}
		s.mmap = nil
		s.mappedLen = 0
	}
	if err := s.file.Truncate(length); err != nil {
		return newErr(KindShardIOError, s.path, err)
	}
	s.length = length
	return nil
}

// writeAt overwrites size bytes at offset; used by defrag to relocate a
// blob within or across shards (spec §4.H, §9 "Defrag atomicity").
func (s *shard) writeAt(offset int64, b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.file.WriteAt(b, offset); err != nil {
		return newErr(KindShardIOError, s.path, err)
	}
	if offset+int64(len(b)) > s.length {
		s.length = offset + int64(len(b))
	}
	return nil
}

func (s *shard) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	if s.mmap != nil {
		if err := unix.Munmap(s.mmap); err != nil {
			firstErr = err
		}
		s.mmap = nil
	}
	if err := s.file.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (s *shard) sync() error {
	return s.file.Sync()
}
