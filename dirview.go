package barecat

import "database/sql"

// EntryInfo is one child of a directory listing (spec §6 `iterdir_infos`):
// either a file or a subdirectory, carrying whichever stat fields apply.
type EntryInfo struct {
	Name  string
	Path  string
	IsDir bool

	// File fields (zero/invalid when IsDir).
	Size   int64
	CRC32C sql.NullInt64

	// Directory fields (zero when !IsDir).
	NumSubdirs   int64
	NumFiles     int64
	NumFilesTree int64
	SizeTree     int64

	Mode    sql.NullInt64
	UID     sql.NullInt64
	GID     sql.NullInt64
	MtimeNs sql.NullInt64
}

// Listdir implements spec §6 `listdir(path) -> []string`: the bare names
// of path's direct children, subdirectories first then files, both
// alphabetical — matching the order listChildren already returns rows in.
func (s *Session) Listdir(path string) ([]string, error) {
	path, err := normalizePath(path)
	if err != nil {
		return nil, err
	}
	if err := s.requireDir(path); err != nil {
		return nil, err
	}
	subdirs, files, err := s.idx.listChildren(path)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(subdirs)+len(files))
	for _, d := range subdirs {
		out = append(out, baseName(d.Path))
	}
	for _, f := range files {
		out = append(out, baseName(f.Path))
	}
	return out, nil
}

// IterdirInfos implements spec §6 `iterdir_infos(path)`: like Listdir but
// returns full stat information per child instead of bare names, so
// callers that need both names and sizes don't pay for a second round
// trip to the index.
func (s *Session) IterdirInfos(path string) ([]EntryInfo, error) {
	path, err := normalizePath(path)
	if err != nil {
		return nil, err
	}
	if err := s.requireDir(path); err != nil {
		return nil, err
	}
	subdirs, files, err := s.idx.listChildren(path)
	if err != nil {
		return nil, err
	}
	out := make([]EntryInfo, 0, len(subdirs)+len(files))
	for _, d := range subdirs {
		out = append(out, EntryInfo{
			Name: baseName(d.Path), Path: d.Path, IsDir: true,
			NumSubdirs: d.NumSubdirs, NumFiles: d.NumFiles,
			NumFilesTree: d.NumFilesTree, SizeTree: d.SizeTree,
			Mode: d.Mode, UID: d.UID, GID: d.GID, MtimeNs: d.MtimeNs,
		})
	}
	for _, f := range files {
		out = append(out, EntryInfo{
			Name: baseName(f.Path), Path: f.Path, IsDir: false,
			Size: f.Size, CRC32C: f.CRC32C,
			Mode: f.Mode, UID: f.UID, GID: f.GID, MtimeNs: f.MtimeNs,
		})
	}
	return out, nil
}

// WalkFunc is called once per entry visited by Walk, pre-order (a
// directory is visited before its children). Returning an error aborts
// the walk and the error propagates out of Walk unchanged.
type WalkFunc func(entry EntryInfo) error

// Walk implements spec §6 `walk(path)`: a lazy, streaming pre-order
// traversal rooted at path. Unlike Listdir/IterdirInfos (one directory's
// children), Walk recurses — each subdirectory is expanded with its own
// listChildren call only once the walk actually reaches it, so a caller
// that stops early (returns a sentinel error) never pays for unvisited
// subtrees (spec §4.F "constant-memory traversal").
func (s *Session) Walk(path string, fn WalkFunc) error {
	path, err := normalizePath(path)
	if err != nil {
		return err
	}
	if err := s.requireDir(path); err != nil {
		return err
	}
	return s.walkOne(path, fn)
}

func (s *Session) walkOne(dirPath string, fn WalkFunc) error {
	subdirs, files, err := s.idx.listChildren(dirPath)
	if err != nil {
		return err
	}
	for _, d := range subdirs {
		entry := EntryInfo{
			Name: baseName(d.Path), Path: d.Path, IsDir: true,
			NumSubdirs: d.NumSubdirs, NumFiles: d.NumFiles,
			NumFilesTree: d.NumFilesTree, SizeTree: d.SizeTree,
			Mode: d.Mode, UID: d.UID, GID: d.GID, MtimeNs: d.MtimeNs,
		}
		if err := fn(entry); err != nil {
			return err
		}
		if err := s.walkOne(d.Path, fn); err != nil {
			return err
		}
	}
	for _, f := range files {
		entry := EntryInfo{
			Name: baseName(f.Path), Path: f.Path, IsDir: false,
			Size: f.Size, CRC32C: f.CRC32C,
			Mode: f.Mode, UID: f.UID, GID: f.GID, MtimeNs: f.MtimeNs,
		}
		if err := fn(entry); err != nil {
			return err
		}
	}
	return nil
}

// requireDir is the shared existence/type check for every directory-view
// operation: path must name a directory (root, "", always qualifies).
func (s *Session) requireDir(path string) error {
	if path == "" {
		return nil
	}
	ok, err := s.idx.dirExists(path)
	if err != nil {
		return err
	}
	if !ok {
		if isFile, ferr := s.idx.fileExists(path); ferr == nil && isFile {
			return newErr(KindNotDir, path, nil)
		}
		return newErr(KindNotFound, path, nil)
	}
	return nil
}
