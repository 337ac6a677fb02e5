package barecat

import "context"

// defragmenter is component H: shard-space reclamation (spec §4.H). Both
// strategies only ever relocate file bytes into space that is already
// free (deleted files, truncated tails, or a fresh shard) — neither one
// ever overwrites a byte still referenced by a live file until that
// file's own bytes have been copied out first.
type defragmenter struct {
	shards *shardStore
	idx    *indexStore
	rd     *reader
}

// gap is an interior hole in a shard left behind by a deleted, moved, or
// shrunk file: the bytes at [Offset, Offset+Size) in Shard are unreferenced.
type gap struct {
	Shard  int
	Offset int64
	Size   int64
}

// findGaps walks every file in location order and records, per shard,
// every stretch of unreferenced bytes that precedes the next file (spec
// §4.B "gap discovery"). The unreferenced tail past the last file in a
// shard is not a gap — nothing needs to move into it, it is reclaimed
// directly by truncation.
func (d *defragmenter) findGaps() ([]gap, error) {
	files, err := d.idx.filesOrderedByLocation(false)
	if err != nil {
		return nil, err
	}
	var gaps []gap
	cursor := int64(0)
	curShard := 0
	for _, f := range files {
		if f.Shard != curShard {
			curShard = f.Shard
			cursor = 0
		}
		if f.Offset > cursor {
			gaps = append(gaps, gap{Shard: curShard, Offset: cursor, Size: f.Offset - cursor})
		}
		cursor = f.Offset + f.Size
	}
	return gaps, nil
}

// moveFile relocates one file's bytes from its current (shard, offset)
// to dstShard/dstOffset and updates the index to match, inside a single
// transaction (spec §4.H "Defrag atomicity" — a mid-compaction crash
// leaves the index pointing at the pre-move location, never at a
// half-written destination). The pre-move bytes stay intact only when the
// destination does not overlap the source; an overlapping same-shard move
// overwrites part of the source before the index update commits.
func (d *defragmenter) moveFile(ctx context.Context, f placedFile, dstShard int, dstOffset int64) error {
	if f.Shard == dstShard && f.Offset == dstOffset {
		return nil
	}
	data, err := d.rd.readFromAddress(f.Shard, f.Offset, f.Size)
	if err != nil {
		return err
	}

	for dstShard >= d.shards.numShards() {
		if _, err := d.shards.rollover(); err != nil {
			return err
		}
	}
	dst, err := d.shards.shardAt(dstShard)
	if err != nil {
		return err
	}
	if err := dst.writeAt(dstOffset, data); err != nil {
		return err
	}

	tx, err := d.idx.db.BeginTx(ctx, nil)
	if err != nil {
		return newErr(KindCorruptIndex, f.Path, err)
	}
	defer tx.Rollback()
	if err := updateFileLocation(tx, f.Path, dstShard, dstOffset); err != nil {
		return err
	}
	return tx.Commit()
}

// FullCompact implements spec §6 `defrag(mode="full")`: every file is
// rewritten in location order into the smallest possible densely packed
// prefix of shards, respecting the shard size cap (spec §4.H "Full
// compact"). Because destination cursors only ever advance and always
// stay at or behind the file's own original offset, copying file i can
// never clobber the still-unread bytes of any file j>i: moveFile reads
// the whole source into memory before writing, so even an overlapping
// same-shard move (dst < src, dst+size > src) is safe.
func (d *defragmenter) FullCompact(ctx context.Context) error {
	files, err := d.idx.filesOrderedByLocation(false)
	if err != nil {
		return err
	}
	limit := d.idx.shardSizeLimit()

	shardIdx := 0
	offset := int64(0)
	for _, f := range files {
		if offset+f.Size > limit {
			shardIdx++
			offset = 0
		}
		if err := d.moveFile(ctx, f, shardIdx, offset); err != nil {
			return err
		}
		offset += f.Size
	}

	for i := shardIdx + 1; i < d.shards.numShards(); i++ {
		s, err := d.shards.shardAt(i)
		if err != nil {
			return err
		}
		if err := s.truncate(0); err != nil {
			return err
		}
	}
	if s, err := d.shards.shardAt(shardIdx); err == nil {
		if err := s.truncate(offset); err != nil {
			return err
		}
	}
	return d.shards.dropTrailingEmptyShards()
}

// QuickDefrag implements spec §6 `defrag(mode="quick")`: a first-fit pass
// that only ever relocates files currently sitting at the tail of the
// shard sequence into earlier interior gaps, then truncates whatever
// tail space that freed (spec §4.H "Quick defrag" — bounded work,
// proportional to reclaimable space rather than archive size).
func (d *defragmenter) QuickDefrag(ctx context.Context) error {
	gaps, err := d.findGaps()
	if err != nil {
		return err
	}
	tail, err := d.idx.filesOrderedByLocation(true) // greatest (shard, offset) first
	if err != nil {
		return err
	}

	before := func(shard int, offset int64, f placedFile) bool {
		return shard < f.Shard || (shard == f.Shard && offset < f.Offset)
	}

	for _, f := range tail {
		best := -1
		for i, g := range gaps {
			if g.Size < f.Size {
				continue
			}
			if !before(g.Shard, g.Offset, f) {
				continue
			}
			if best == -1 || g.Shard < gaps[best].Shard || (g.Shard == gaps[best].Shard && g.Offset < gaps[best].Offset) {
				best = i
			}
		}
		if best == -1 {
			// Files earlier in location order have even less room ahead
			// of them, so the pass stops at the first file that does not fit.
			break
		}
		g := gaps[best]
		if err := d.moveFile(ctx, f, g.Shard, g.Offset); err != nil {
			return err
		}
		if g.Size == f.Size {
			gaps = append(gaps[:best], gaps[best+1:]...)
		} else {
			gaps[best] = gap{Shard: g.Shard, Offset: g.Offset + f.Size, Size: g.Size - f.Size}
		}
	}

	for i := 0; i < d.shards.numShards(); i++ {
		extent, err := d.idx.shardExtent(i)
		if err != nil {
			return err
		}
		s, err := d.shards.shardAt(i)
		if err != nil {
			return err
		}
		if extent < s.currentLength() {
			if err := s.truncate(extent); err != nil {
				return err
			}
		}
	}
	return d.shards.dropTrailingEmptyShards()
}
