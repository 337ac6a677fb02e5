package barecat

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const shardNameDigits = 5

func shardPath(base string, index int) string {
	return fmt.Sprintf("%s-shard-%0*d", base, shardNameDigits, index)
}

// globShards returns every existing `<base>-shard-*` file path, in
// whatever order filepath.Glob yields (unordered by shard index).
func globShards(base string) ([]string, error) {
	return filepath.Glob(base + "-shard-*")
}

// shardStore owns every shard file handle for the life of a session (spec
// §3 "Ownership", §4.A). Shards are indexed 0..len(shards)-1, always
// densely packed — rollover only ever appends the next index.
type shardStore struct {
	base     string
	writable bool
	shards   []*shard
}

// openShardStore globs `<base>-shard-*`, opens every shard found in
// numeric order, and (for a writable session) ensures at least shard 0
// exists so the allocator always has a last shard to append to.
func openShardStore(base string, writable bool) (*shardStore, error) {
	matches, err := filepath.Glob(base + "-shard-*")
	if err != nil {
		return nil, newErr(KindShardIOError, base, err)
	}
	indices := make([]int, 0, len(matches))
	for _, m := range matches {
		name := filepath.Base(m)
		prefix := filepath.Base(base) + "-shard-"
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		n, err := strconv.Atoi(name[len(prefix):])
		if err != nil {
			continue
		}
		indices = append(indices, n)
	}
	sort.Ints(indices)

	ss := &shardStore{base: base, writable: writable}
	for _, idx := range indices {
		s, err := openShard(shardPath(base, idx), idx, writable)
		if err != nil {
			ss.closeAll()
			return nil, newErr(KindShardIOError, shardPath(base, idx), err)
		}
		ss.shards = append(ss.shards, s)
	}

	if writable && len(ss.shards) == 0 {
		s, err := openShard(shardPath(base, 0), 0, true)
		if err != nil {
			return nil, newErr(KindShardIOError, shardPath(base, 0), err)
		}
		ss.shards = append(ss.shards, s)
	}
	return ss, nil
}

func (ss *shardStore) numShards() int { return len(ss.shards) }

func (ss *shardStore) shardAt(index int) (*shard, error) {
	if index < 0 || index >= len(ss.shards) {
		return nil, newErr(KindCorruptIndex, shardPath(ss.base, index),
			fmt.Errorf("file references shard %d, store has %d", index, len(ss.shards)))
	}
	return ss.shards[index], nil
}

// lastShard returns the highest-indexed shard. It panics if the store has
// no shards; openShardStore guarantees shard 0 for a writable store.
func (ss *shardStore) lastShard() *shard {
	return ss.shards[len(ss.shards)-1]
}

// rollover creates and opens the next numbered shard, appending it to
// the store (spec §4.A `rollover`).
func (ss *shardStore) rollover() (*shard, error) {
	idx := len(ss.shards)
	s, err := openShard(shardPath(ss.base, idx), idx, true)
	if err != nil {
		return nil, newErr(KindShardIOError, shardPath(ss.base, idx), err)
	}
	ss.shards = append(ss.shards, s)
	return s, nil
}

func (ss *shardStore) closeAll() error {
	var firstErr error
	for _, s := range ss.shards {
		if err := s.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (ss *shardStore) syncAll() error {
	var firstErr error
	for _, s := range ss.shards {
		if err := s.sync(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// dropTrailingEmptyShards removes (closes and unlinks) zero-length
// shards from the end of the store, used by full-compact defrag once the
// tail shards have been emptied out by moves (spec §4.H "After the pass,
// truncate each shard to its final cursor").
func (ss *shardStore) dropTrailingEmptyShards() error {
	for len(ss.shards) > 1 {
		last := ss.shards[len(ss.shards)-1]
		if last.currentLength() != 0 {
			break
		}
		if err := last.close(); err != nil {
			return err
		}
		if err := os.Remove(last.path); err != nil && !os.IsNotExist(err) {
			return newErr(KindShardIOError, last.path, err)
		}
		ss.shards = ss.shards[:len(ss.shards)-1]
	}
	return nil
}
