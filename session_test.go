package barecat

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func newTestSession(t *testing.T) (*Session, string) {
	t.Helper()
	dir := t.TempDir()
	base := filepath.Join(dir, "archive")
	opts := DefaultOptions()
	opts.Mode = ModeCreateNew
	s, err := Open(base, opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, base
}

func TestWriteReadRoundTrip(t *testing.T) {
	s, _ := newTestSession(t)

	data := []byte("hello, barecat")
	if err := s.Write("a/b/c.txt", data, nil, nil, nil, nil); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := s.Read("a/b/c.txt")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("Read = %q, want %q", got, data)
	}

	// Ancestors must have been created automatically.
	if ok, err := s.IsDir("a/b"); err != nil || !ok {
		t.Fatalf("IsDir(a/b) = %v, %v", ok, err)
	}
	if ok, err := s.IsDir("a"); err != nil || !ok {
		t.Fatalf("IsDir(a) = %v, %v", ok, err)
	}

	// Writing the same path again must fail.
	if err := s.Write("a/b/c.txt", data, nil, nil, nil, nil); err == nil {
		t.Fatalf("expected error re-writing existing path")
	}
}

func TestWriteRejectsOverCapBlob(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "archive")
	opts := DefaultOptions()
	opts.Mode = ModeCreateNew
	opts.ShardSizeLimit = 8
	s, err := Open(base, opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if err := s.Write("small.txt", []byte("1234"), nil, nil, nil, nil); err != nil {
		t.Fatalf("Write small: %v", err)
	}
	if err := s.Write("big.txt", bytes.Repeat([]byte{'x'}, 100), nil, nil, nil, nil); err == nil {
		t.Fatalf("expected KindBlobTooLarge for oversized write")
	}
}

func TestShardRollover(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "archive")
	opts := DefaultOptions()
	opts.Mode = ModeCreateNew
	opts.ShardSizeLimit = 10
	s, err := Open(base, opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	for i := 0; i < 5; i++ {
		if err := s.Write(filepath.Join("f", string(rune('a'+i))), []byte("12345"), nil, nil, nil, nil); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
	}
	if s.shards.numShards() < 2 {
		t.Fatalf("expected rollover to create multiple shards, got %d", s.shards.numShards())
	}
}

func TestListdirAndIterdirInfos(t *testing.T) {
	s, _ := newTestSession(t)
	mustWrite := func(p string) {
		t.Helper()
		if err := s.Write(p, []byte(p), nil, nil, nil, nil); err != nil {
			t.Fatalf("Write %s: %v", p, err)
		}
	}
	mustWrite("dir/one.txt")
	mustWrite("dir/two.txt")
	if err := s.Mkdir("dir/sub", nil, nil, nil, nil); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}

	names, err := s.Listdir("dir")
	if err != nil {
		t.Fatalf("Listdir: %v", err)
	}
	if len(names) != 3 {
		t.Fatalf("Listdir returned %v, want 3 entries", names)
	}

	infos, err := s.IterdirInfos("dir")
	if err != nil {
		t.Fatalf("IterdirInfos: %v", err)
	}
	var sawDir, sawFile bool
	for _, e := range infos {
		if e.IsDir && e.Name == "sub" {
			sawDir = true
		}
		if !e.IsDir && e.Name == "one.txt" && e.Size == int64(len("dir/one.txt")) {
			sawFile = true
		}
	}
	if !sawDir || !sawFile {
		t.Fatalf("IterdirInfos missing expected entries: %+v", infos)
	}
}

func TestWalkIsPreOrder(t *testing.T) {
	s, _ := newTestSession(t)
	for _, p := range []string{"a/1.txt", "a/b/2.txt", "a/b/c/3.txt", "a/4.txt"} {
		if err := s.Write(p, []byte(p), nil, nil, nil, nil); err != nil {
			t.Fatalf("Write %s: %v", p, err)
		}
	}

	var visited []string
	if err := s.Walk("a", func(e EntryInfo) error {
		visited = append(visited, e.Path)
		return nil
	}); err != nil {
		t.Fatalf("Walk: %v", err)
	}

	seen := map[string]bool{}
	for _, p := range visited {
		seen[p] = true
	}
	for _, want := range []string{"a/b", "a/b/c", "a/1.txt", "a/b/2.txt", "a/b/c/3.txt", "a/4.txt"} {
		if !seen[want] {
			t.Fatalf("Walk missing %q, visited %v", want, visited)
		}
	}
	// "a/b" (the directory) must appear before its own children.
	idxB, idxC := -1, -1
	for i, p := range visited {
		if p == "a/b" {
			idxB = i
		}
		if p == "a/b/2.txt" {
			idxC = i
		}
	}
	if idxB == -1 || idxC == -1 || idxB > idxC {
		t.Fatalf("expected a/b before a/b/2.txt, got order %v", visited)
	}
}

func TestGlob(t *testing.T) {
	s, _ := newTestSession(t)
	for _, p := range []string{"x/one.log", "x/two.log", "x/y/three.log", "x/skip.txt"} {
		if err := s.Write(p, []byte("."), nil, nil, nil, nil); err != nil {
			t.Fatalf("Write %s: %v", p, err)
		}
	}
	matches, err := s.Glob("x/**/*.log")
	if err != nil {
		t.Fatalf("Glob: %v", err)
	}
	if len(matches) != 3 {
		t.Fatalf("Glob matched %v, want 3 entries", matches)
	}
}

func TestRenameFile(t *testing.T) {
	s, _ := newTestSession(t)
	if err := s.Write("src.txt", []byte("payload"), nil, nil, nil, nil); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := s.Rename("src.txt", "nested/dst.txt", RenameNoReplace); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if ok, _ := s.Exists("src.txt"); ok {
		t.Fatalf("src.txt should no longer exist")
	}
	got, err := s.Read("nested/dst.txt")
	if err != nil || !bytes.Equal(got, []byte("payload")) {
		t.Fatalf("Read(nested/dst.txt) = %q, %v", got, err)
	}
}

func TestRenameDirRewritesDescendants(t *testing.T) {
	s, _ := newTestSession(t)
	for _, p := range []string{"old/a.txt", "old/sub/b.txt"} {
		if err := s.Write(p, []byte(p), nil, nil, nil, nil); err != nil {
			t.Fatalf("Write %s: %v", p, err)
		}
	}
	if err := s.Rename("old", "new", RenameNoReplace); err != nil {
		t.Fatalf("Rename dir: %v", err)
	}
	if ok, _ := s.IsDir("old"); ok {
		t.Fatalf("old should no longer exist")
	}
	if ok, _ := s.IsDir("new/sub"); !ok {
		t.Fatalf("new/sub should exist after rename")
	}
	if _, err := s.Read("new/sub/b.txt"); err != nil {
		t.Fatalf("Read(new/sub/b.txt): %v", err)
	}
}

func TestDeleteDirRecursive(t *testing.T) {
	s, _ := newTestSession(t)
	for _, p := range []string{"tree/a.txt", "tree/sub/b.txt"} {
		if err := s.Write(p, []byte(p), nil, nil, nil, nil); err != nil {
			t.Fatalf("Write %s: %v", p, err)
		}
	}
	if err := s.RemoveDirRecursive("tree"); err != nil {
		t.Fatalf("RemoveDirRecursive: %v", err)
	}
	if ok, _ := s.Exists("tree"); ok {
		t.Fatalf("tree should no longer exist")
	}
}

func TestRemoveDirRequiresEmpty(t *testing.T) {
	s, _ := newTestSession(t)
	if err := s.Write("full/f.txt", []byte("x"), nil, nil, nil, nil); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := s.RemoveDir("full"); err == nil {
		t.Fatalf("expected KindDirNotEmpty")
	}
}

func TestAggregatesPropagateUpward(t *testing.T) {
	s, _ := newTestSession(t)
	for _, p := range []string{"agg/a/1.txt", "agg/a/2.txt", "agg/b/3.txt"} {
		if err := s.Write(p, []byte("1234"), nil, nil, nil, nil); err != nil {
			t.Fatalf("Write %s: %v", p, err)
		}
	}
	root, ok, err := s.idx.statDir("")
	if err != nil || !ok {
		t.Fatalf("statDir(root): %v, %v", ok, err)
	}
	if root.NumFilesTree != 3 {
		t.Fatalf("root.NumFilesTree = %d, want 3", root.NumFilesTree)
	}
	if root.SizeTree != 12 {
		t.Fatalf("root.SizeTree = %d, want 12", root.SizeTree)
	}

	if err := s.Delete("agg/a/1.txt"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	root, _, _ = s.idx.statDir("")
	if root.NumFilesTree != 2 || root.SizeTree != 8 {
		t.Fatalf("after delete: NumFilesTree=%d SizeTree=%d, want 2/8", root.NumFilesTree, root.SizeTree)
	}
}

func TestTruncateOnlyShrinks(t *testing.T) {
	s, _ := newTestSession(t)
	if err := s.Write("t.txt", []byte("0123456789"), nil, nil, nil, nil); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := s.Truncate("t.txt", 4); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	rec, err := s.Stat("t.txt")
	if err != nil || rec.Size != 4 {
		t.Fatalf("Stat after truncate: %+v, %v", rec, err)
	}
	if err := s.Truncate("t.txt", 100); err == nil {
		t.Fatalf("expected error growing via Truncate")
	}
}

func TestDefragFullCompactPreservesContent(t *testing.T) {
	s, _ := newTestSession(t)
	contents := map[string][]byte{
		"a.txt": []byte("aaaaaaaaaa"),
		"b.txt": []byte("bbbbbbbbbb"),
		"c.txt": []byte("cccccccccc"),
	}
	for p, data := range contents {
		if err := s.Write(p, data, nil, nil, nil, nil); err != nil {
			t.Fatalf("Write %s: %v", p, err)
		}
	}
	if err := s.Delete("b.txt"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Defrag("full"); err != nil {
		t.Fatalf("Defrag full: %v", err)
	}
	for p, want := range contents {
		if p == "b.txt" {
			continue
		}
		got, err := s.Read(p)
		if err != nil {
			t.Fatalf("Read(%s) after defrag: %v", p, err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("Read(%s) after defrag = %q, want %q", p, got, want)
		}
	}
	if issues, err := s.Verify(); err != nil || len(issues) != 0 {
		t.Fatalf("Verify after defrag: issues=%v err=%v", issues, err)
	}
}

func TestDefragQuickReclaimsTailSpace(t *testing.T) {
	s, _ := newTestSession(t)
	for _, p := range []string{"a.txt", "b.txt", "c.txt"} {
		if err := s.Write(p, []byte("0123456789"), nil, nil, nil, nil); err != nil {
			t.Fatalf("Write %s: %v", p, err)
		}
	}
	if err := s.Delete("a.txt"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	before := s.shards.lastShard().currentLength()
	if err := s.Defrag("quick"); err != nil {
		t.Fatalf("Defrag quick: %v", err)
	}
	after := s.shards.lastShard().currentLength()
	if after >= before {
		t.Fatalf("expected quick defrag to shrink tail shard: before=%d after=%d", before, after)
	}
	for _, p := range []string{"b.txt", "c.txt"} {
		got, err := s.Read(p)
		if err != nil || !bytes.Equal(got, []byte("0123456789")) {
			t.Fatalf("Read(%s) after quick defrag: %q, %v", p, got, err)
		}
	}
}

func TestVerifyDetectsCorruption(t *testing.T) {
	s, base := newTestSession(t)
	if err := s.Write("v.txt", []byte("0123456789"), nil, nil, nil, nil); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	shardPath := base + "-shard-00000"
	f, err := os.OpenFile(shardPath, os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open shard for corruption: %v", err)
	}
	if _, err := f.WriteAt([]byte("X"), 0); err != nil {
		t.Fatalf("corrupt shard: %v", err)
	}
	f.Close()

	issues, err := s.Verify()
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if len(issues) != 1 || issues[0].Path != "v.txt" {
		t.Fatalf("Verify issues = %+v, want one issue for v.txt", issues)
	}
}

func TestReopenPersistsData(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "archive")
	opts := DefaultOptions()
	opts.Mode = ModeCreateNew
	s, err := Open(base, opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Write("persist.txt", []byte("still here"), nil, nil, nil, nil); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	ro := DefaultOptions()
	ro.Mode = ModeReadOnly
	s2, err := Open(base, ro)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	got, err := s2.Read("persist.txt")
	if err != nil || !bytes.Equal(got, []byte("still here")) {
		t.Fatalf("Read after reopen = %q, %v", got, err)
	}
}

func TestConcurrentWriterRejected(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "archive")
	opts := DefaultOptions()
	opts.Mode = ModeCreateNew
	s, err := Open(base, opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	second := DefaultOptions()
	second.Mode = ModeReadWrite
	if _, err := Open(base, second); err == nil {
		t.Fatalf("expected second writable Open to fail while first is held")
	}
}

func TestChmodChownUtime(t *testing.T) {
	s, _ := newTestSession(t)
	if err := s.Write("m.txt", []byte("x"), nil, nil, nil, nil); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := s.Chmod("m.txt", 0o640); err != nil {
		t.Fatalf("Chmod: %v", err)
	}
	if err := s.Chown("m.txt", 1000, 1000); err != nil {
		t.Fatalf("Chown: %v", err)
	}
	if err := s.Utime("m.txt", 123456789); err != nil {
		t.Fatalf("Utime: %v", err)
	}
	rec, err := s.Stat("m.txt")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if rec.Mode.Int64 != 0o640 || rec.UID.Int64 != 1000 || rec.GID.Int64 != 1000 || rec.MtimeNs.Int64 != 123456789 {
		t.Fatalf("Stat after meta updates = %+v", rec)
	}
}

func TestStats(t *testing.T) {
	s, _ := newTestSession(t)
	for _, p := range []string{"s/1.txt", "s/2.txt"} {
		if err := s.Write(p, []byte("abcd"), nil, nil, nil, nil); err != nil {
			t.Fatalf("Write %s: %v", p, err)
		}
	}
	st, err := s.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.NumFiles != 2 || st.TotalSize != 8 {
		t.Fatalf("Stats = %+v, want NumFiles=2 TotalSize=8", st)
	}
	if st.String() == "" {
		t.Fatalf("Stats.String() should not be empty")
	}
}

func TestBulkLoadRebuildAggregates(t *testing.T) {
	s, _ := newTestSession(t)
	if err := s.SetTriggersEnabled(false); err != nil {
		t.Fatalf("SetTriggersEnabled(false): %v", err)
	}
	for _, p := range []string{"bulk/a.txt", "bulk/b.txt", "bulk/sub/c.txt"} {
		if err := s.Write(p, []byte("12345"), nil, nil, nil, nil); err != nil {
			t.Fatalf("Write %s: %v", p, err)
		}
	}
	root, _, _ := s.idx.statDir("")
	if root.NumFilesTree != 0 {
		t.Fatalf("expected stale aggregates with triggers off, got %d", root.NumFilesTree)
	}
	if err := s.RebuildAggregates(); err != nil {
		t.Fatalf("RebuildAggregates: %v", err)
	}
	if err := s.SetTriggersEnabled(true); err != nil {
		t.Fatalf("SetTriggersEnabled(true): %v", err)
	}
	root, _, _ = s.idx.statDir("")
	if root.NumFilesTree != 3 || root.SizeTree != 15 {
		t.Fatalf("after rebuild: NumFilesTree=%d SizeTree=%d, want 3/15", root.NumFilesTree, root.SizeTree)
	}
}

func TestWriteEmptyFileThenNonEmpty(t *testing.T) {
	s, _ := newTestSession(t)
	if err := s.Write("e.txt", nil, nil, nil, nil, nil); err != nil {
		t.Fatalf("Write empty: %v", err)
	}
	if err := s.Write("b.txt", []byte("payload"), nil, nil, nil, nil); err != nil {
		t.Fatalf("Write after empty file: %v", err)
	}
	got, err := s.Read("b.txt")
	if err != nil || !bytes.Equal(got, []byte("payload")) {
		t.Fatalf("Read(b.txt) = %q, %v", got, err)
	}
	empty, err := s.Read("e.txt")
	if err != nil || len(empty) != 0 {
		t.Fatalf("Read(e.txt) = %q, %v", empty, err)
	}
}

func TestDeleteDispatchesToDirectory(t *testing.T) {
	s, _ := newTestSession(t)
	if err := s.Mkdir("empty-dir", nil, nil, nil, nil); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if err := s.Delete("empty-dir"); err != nil {
		t.Fatalf("Delete(empty dir): %v", err)
	}
	if ok, _ := s.Exists("empty-dir"); ok {
		t.Fatalf("empty-dir should no longer exist")
	}

	if err := s.Write("full-dir/f.txt", []byte("x"), nil, nil, nil, nil); err != nil {
		t.Fatalf("Write: %v", err)
	}
	err := s.Delete("full-dir")
	if !errors.Is(err, ErrDirNotEmpty) {
		t.Fatalf("Delete(non-empty dir) = %v, want ErrDirNotEmpty", err)
	}

	if err := s.Delete("no-such-path"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Delete(missing) = %v, want ErrNotFound", err)
	}
}

func TestRenameReplaceFile(t *testing.T) {
	s, _ := newTestSession(t)
	if err := s.Write("src.txt", []byte("new"), nil, nil, nil, nil); err != nil {
		t.Fatalf("Write src: %v", err)
	}
	if err := s.Write("dst.txt", []byte("old"), nil, nil, nil, nil); err != nil {
		t.Fatalf("Write dst: %v", err)
	}

	if err := s.Rename("src.txt", "dst.txt", RenameNoReplace); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("Rename(no-replace) = %v, want ErrAlreadyExists", err)
	}

	if err := s.Rename("src.txt", "dst.txt", RenameReplace); err != nil {
		t.Fatalf("Rename(replace): %v", err)
	}
	if ok, _ := s.Exists("src.txt"); ok {
		t.Fatalf("src.txt should no longer exist")
	}
	got, err := s.Read("dst.txt")
	if err != nil || !bytes.Equal(got, []byte("new")) {
		t.Fatalf("Read(dst.txt) after replace = %q, %v", got, err)
	}
}

func TestRenameExchangeFiles(t *testing.T) {
	s, _ := newTestSession(t)
	if err := s.Write("a.txt", []byte("A"), nil, nil, nil, nil); err != nil {
		t.Fatalf("Write a: %v", err)
	}
	if err := s.Write("b.txt", []byte("B"), nil, nil, nil, nil); err != nil {
		t.Fatalf("Write b: %v", err)
	}
	if err := s.Rename("a.txt", "b.txt", RenameExchange); err != nil {
		t.Fatalf("Rename(exchange): %v", err)
	}
	gotA, err := s.Read("a.txt")
	if err != nil || !bytes.Equal(gotA, []byte("B")) {
		t.Fatalf("Read(a.txt) after exchange = %q, %v", gotA, err)
	}
	gotB, err := s.Read("b.txt")
	if err != nil || !bytes.Equal(gotB, []byte("A")) {
		t.Fatalf("Read(b.txt) after exchange = %q, %v", gotB, err)
	}
}

func TestRenameExchangeDirAndFile(t *testing.T) {
	s, _ := newTestSession(t)
	for _, p := range []string{"dir/x.txt", "dir/sub/y.txt"} {
		if err := s.Write(p, []byte(p), nil, nil, nil, nil); err != nil {
			t.Fatalf("Write %s: %v", p, err)
		}
	}
	if err := s.Write("file.txt", []byte("payload"), nil, nil, nil, nil); err != nil {
		t.Fatalf("Write file.txt: %v", err)
	}

	if err := s.Rename("dir", "file.txt", RenameExchange); err != nil {
		t.Fatalf("Rename(exchange dir<->file): %v", err)
	}

	if ok, _ := s.IsFile("dir"); !ok {
		t.Fatalf("dir should now be a file")
	}
	got, err := s.Read("dir")
	if err != nil || !bytes.Equal(got, []byte("payload")) {
		t.Fatalf("Read(dir) after exchange = %q, %v", got, err)
	}
	if ok, _ := s.IsDir("file.txt"); !ok {
		t.Fatalf("file.txt should now be a directory")
	}
	if _, err := s.Read("file.txt/sub/y.txt"); err != nil {
		t.Fatalf("Read(file.txt/sub/y.txt) after exchange: %v", err)
	}
}

func TestRenameReplaceRequiresEmptyDir(t *testing.T) {
	s, _ := newTestSession(t)
	if err := s.Mkdir("src-dir", nil, nil, nil, nil); err != nil {
		t.Fatalf("Mkdir src-dir: %v", err)
	}
	if err := s.Write("dst-dir/f.txt", []byte("x"), nil, nil, nil, nil); err != nil {
		t.Fatalf("Write: %v", err)
	}
	err := s.Rename("src-dir", "dst-dir", RenameReplace)
	if !errors.Is(err, ErrDirNotEmpty) {
		t.Fatalf("Rename(replace non-empty dir) = %v, want ErrDirNotEmpty", err)
	}
}
