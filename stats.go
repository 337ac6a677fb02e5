package barecat

import "github.com/dustin/go-humanize"

// Stats is an archive-wide summary pulled straight from root's trigger-
// maintained aggregates (spec §3 "Directory record" on root) — no table
// scan required, which is the whole point of keeping those aggregates
// up to date incrementally instead of recomputing them on demand.
type Stats struct {
	NumFiles  int64
	TotalSize int64
	NumShards int
}

// String renders a human-readable one-liner, e.g. "128 files, 4.2 MB
// across 3 shards".
func (st Stats) String() string {
	return humanize.Comma(st.NumFiles) + " files, " + humanize.Bytes(uint64(st.TotalSize)) +
		" across " + humanize.Comma(int64(st.NumShards)) + " shards"
}

// Stats implements spec §6's aggregate-reporting surface: the counts a
// caller would otherwise have to derive by walking the whole tree.
func (s *Session) Stats() (Stats, error) {
	root, ok, err := s.idx.statDir("")
	if err != nil {
		return Stats{}, err
	}
	if !ok {
		return Stats{}, newErr(KindCorruptIndex, "", nil)
	}
	return Stats{
		NumFiles:  root.NumFilesTree,
		TotalSize: root.SizeTree,
		NumShards: s.shards.numShards(),
	}, nil
}
