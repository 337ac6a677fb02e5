package barecat

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// fileRecord mirrors the files table row (spec §3 "File record").
type fileRecord struct {
	Path    string
	Parent  string
	Shard   int
	Offset  int64
	Size    int64
	CRC32C  sql.NullInt64
	Mode    sql.NullInt64
	UID     sql.NullInt64
	GID     sql.NullInt64
	MtimeNs sql.NullInt64
}

// dirRecord mirrors the dirs table row (spec §3 "Directory record").
type dirRecord struct {
	Path         string
	Parent       sql.NullString
	NumSubdirs   int64
	NumFiles     int64
	NumFilesTree int64
	SizeTree     int64
	Mode         sql.NullInt64
	UID          sql.NullInt64
	GID          sql.NullInt64
	MtimeNs      sql.NullInt64
}

// indexStore is component B: the relational metadata index (spec §4.B).
// One *sql.DB per session. Writable sessions cap the pool at a single
// connection — SQLite serializes writers anyway, and spec §5's
// single-writer model means nothing is gained by a bigger pool, while a
// bigger pool invites "database is locked" errors under WAL.
type indexStore struct {
	db       *sql.DB
	path     string
	writable bool
	log      zerolog.Logger

	lookupStmt *sql.Stmt
}

func openIndex(path string, writable bool, createNew bool, log zerolog.Logger) (*indexStore, error) {
	dsn := path
	if !writable {
		dsn = path + "?mode=ro"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, newErr(KindCorruptIndex, path, err)
	}
	if writable {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(4)
	}

	pragmas := []string{
		"PRAGMA recursive_triggers = ON",
	}
	if writable {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL", "PRAGMA synchronous = NORMAL", "PRAGMA foreign_keys = OFF")
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, newErr(KindCorruptIndex, path, fmt.Errorf("%s: %w", p, err))
		}
	}

	idx := &indexStore{db: db, path: path, writable: writable, log: log}

	if writable {
		if _, err := db.Exec(createSchemaSQL); err != nil {
			idx.Close()
			return nil, newErr(KindCorruptIndex, path, err)
		}
		if createNew {
			if _, err := db.Exec(seedRootAndConfigSQL); err != nil {
				idx.Close()
				return nil, newErr(KindCorruptIndex, path, err)
			}
		}
		useTriggers, _, err := idx.getConfigInt("use_triggers")
		if err != nil {
			idx.Close()
			return nil, err
		}
		if useTriggers != 0 {
			if _, err := db.Exec(createTriggersSQL); err != nil {
				idx.Close()
				return nil, newErr(KindCorruptIndex, path, err)
			}
		} else {
			log.Warn().Str("index", path).Msg("reopened with triggers disabled from a prior session; aggregates may be stale until RebuildAggregates runs")
		}
	}

	stmt, err := db.Prepare(`SELECT shard, offset, size, crc32c, mode, uid, gid, mtime_ns FROM files WHERE path = ?`)
	if err != nil {
		idx.Close()
		return nil, newErr(KindCorruptIndex, path, err)
	}
	idx.lookupStmt = stmt

	return idx, nil
}

func (idx *indexStore) Close() error {
	if idx.lookupStmt != nil {
		idx.lookupStmt.Close()
	}
	return idx.db.Close()
}

// --- config (spec §3 Config record; supersedes the teacher's JSON sidecar) ---

func (idx *indexStore) getConfigInt(key string) (int64, bool, error) {
	var v sql.NullInt64
	err := idx.db.QueryRow(`SELECT value_int FROM config WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, newErr(KindCorruptIndex, key, err)
	}
	return v.Int64, v.Valid, nil
}

func (idx *indexStore) setConfigInt(key string, val int64) error {
	_, err := idx.db.Exec(`INSERT INTO config(key, value_int) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value_int = excluded.value_int`, key, val)
	if err != nil {
		return newErr(KindCorruptIndex, key, err)
	}
	return nil
}

func (idx *indexStore) shardSizeLimit() int64 {
	v, ok, err := idx.getConfigInt("shard_size_limit")
	if err != nil || !ok {
		return defaultShardSizeLimit
	}
	return v
}

func (idx *indexStore) useTriggers() bool {
	v, ok, err := idx.getConfigInt("use_triggers")
	if err != nil || !ok {
		return true
	}
	return v != 0
}

// setUseTriggers toggles trigger-maintained aggregates (spec §4.B, §9
// "Trigger-based aggregates vs explicit maintenance"). Turning them back
// on does not itself fix aggregates left stale while they were off —
// callers must run RebuildAggregates first.
func (idx *indexStore) setUseTriggers(on bool) error {
	sqlStr := dropTriggersSQL
	if on {
		sqlStr = createTriggersSQL
	}
	if _, err := idx.db.Exec(sqlStr); err != nil {
		return newErr(KindCorruptIndex, idx.path, err)
	}
	val := int64(0)
	if on {
		val = 1
	}
	return idx.setConfigInt("use_triggers", val)
}

// --- lookup (reader, spec §4.E) ---

func (idx *indexStore) lookupFile(path string) (fileRecord, bool, error) {
	rec := fileRecord{Path: path, Parent: parentPath(path)}
	var shard int
	var offset, size int64
	var crc, mode, uid, gid, mtime sql.NullInt64
	err := idx.lookupStmt.QueryRow(path).Scan(&shard, &offset, &size, &crc, &mode, &uid, &gid, &mtime)
	if err == sql.ErrNoRows {
		return fileRecord{}, false, nil
	}
	if err != nil {
		return fileRecord{}, false, newErr(KindCorruptIndex, path, err)
	}
	rec.Shard, rec.Offset, rec.Size = shard, offset, size
	rec.CRC32C, rec.Mode, rec.UID, rec.GID, rec.MtimeNs = crc, mode, uid, gid, mtime
	return rec, true, nil
}

func (idx *indexStore) dirExists(path string) (bool, error) {
	var one int
	err := idx.db.QueryRow(`SELECT 1 FROM dirs WHERE path = ?`, path).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, newErr(KindCorruptIndex, path, err)
	}
	return true, nil
}

func (idx *indexStore) fileExists(path string) (bool, error) {
	var one int
	err := idx.db.QueryRow(`SELECT 1 FROM files WHERE path = ?`, path).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, newErr(KindCorruptIndex, path, err)
	}
	return true, nil
}

func (idx *indexStore) statDir(path string) (dirRecord, bool, error) {
	var d dirRecord
	d.Path = path
	err := idx.db.QueryRow(`SELECT parent, num_subdirs, num_files, num_files_tree, size_tree, mode, uid, gid, mtime_ns
		FROM dirs WHERE path = ?`, path).Scan(&d.Parent, &d.NumSubdirs, &d.NumFiles, &d.NumFilesTree, &d.SizeTree, &d.Mode, &d.UID, &d.GID, &d.MtimeNs)
	if err == sql.ErrNoRows {
		return dirRecord{}, false, nil
	}
	if err != nil {
		return dirRecord{}, false, newErr(KindCorruptIndex, path, err)
	}
	return d, true, nil
}

// --- mutation helpers, all meant to run inside a caller-managed tx ---

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
	QueryRow(query string, args ...any) *sql.Row
	Query(query string, args ...any) (*sql.Rows, error)
}

// ensureAncestors inserts any missing ancestor directory rows of path,
// bottom-up, each insert firing the upward aggregate triggers exactly
// once per newly created directory (spec §4.D step 3).
func ensureAncestors(tx execer, path string) error {
	if path == "" {
		return nil
	}
	var missing []string
	for p := parentPath(path); ; p = parentPath(p) {
		var one int
		err := tx.QueryRow(`SELECT 1 FROM dirs WHERE path = ?`, p).Scan(&one)
		if err == nil {
			break // this ancestor (and everything above it) already exists
		}
		if err != sql.ErrNoRows {
			return newErr(KindCorruptIndex, p, err)
		}
		missing = append(missing, p)
		if p == "" {
			break
		}
	}
	for i := len(missing) - 1; i >= 0; i-- {
		p := missing[i]
		if _, err := tx.Exec(`INSERT INTO dirs(path, parent, num_subdirs, num_files, num_files_tree, size_tree)
			VALUES (?, ?, 0, 0, 0, 0)`, p, nullableParent(p)); err != nil {
			return newErr(KindCorruptIndex, p, err)
		}
	}
	return nil
}

func nullableParent(path string) any {
	if path == "" {
		return nil
	}
	return parentPath(path)
}

func insertFile(tx execer, rec fileRecord) error {
	_, err := tx.Exec(`INSERT INTO files(path, parent, shard, offset, size, crc32c, mode, uid, gid, mtime_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Path, parentPath(rec.Path), rec.Shard, rec.Offset, rec.Size, rec.CRC32C, rec.Mode, rec.UID, rec.GID, rec.MtimeNs)
	if err != nil {
		if isUniqueViolation(err) {
			return newErr(KindAlreadyExists, rec.Path, err)
		}
		return newErr(KindCorruptIndex, rec.Path, err)
	}
	return nil
}

func insertDir(tx execer, path string, mode, uid, gid, mtime sql.NullInt64) error {
	_, err := tx.Exec(`INSERT INTO dirs(path, parent, num_subdirs, num_files, num_files_tree, size_tree, mode, uid, gid, mtime_ns)
		VALUES (?, ?, 0, 0, 0, 0, ?, ?, ?, ?)`, path, nullableParent(path), mode, uid, gid, mtime)
	if err != nil {
		if isUniqueViolation(err) {
			return newErr(KindAlreadyExists, path, err)
		}
		return newErr(KindCorruptIndex, path, err)
	}
	return nil
}

func deleteFileRow(tx execer, path string) error {
	res, err := tx.Exec(`DELETE FROM files WHERE path = ?`, path)
	if err != nil {
		return newErr(KindCorruptIndex, path, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return newErr(KindNotFound, path, nil)
	}
	return nil
}

func deleteDirRow(tx execer, path string) error {
	res, err := tx.Exec(`DELETE FROM dirs WHERE path = ?`, path)
	if err != nil {
		return newErr(KindCorruptIndex, path, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return newErr(KindNotFound, path, nil)
	}
	return nil
}

func updateFilePath(tx execer, oldPath, newPath string) error {
	_, err := tx.Exec(`UPDATE files SET path = ?, parent = ? WHERE path = ?`, newPath, parentPath(newPath), oldPath)
	if err != nil {
		if isUniqueViolation(err) {
			return newErr(KindAlreadyExists, newPath, err)
		}
		return newErr(KindCorruptIndex, oldPath, err)
	}
	return nil
}

func updateDirPath(tx execer, oldPath, newPath string) error {
	_, err := tx.Exec(`UPDATE dirs SET path = ?, parent = ? WHERE path = ?`, newPath, nullableParent(newPath), oldPath)
	if err != nil {
		if isUniqueViolation(err) {
			return newErr(KindAlreadyExists, newPath, err)
		}
		return newErr(KindCorruptIndex, oldPath, err)
	}
	return nil
}

func updateFileSize(tx execer, path string, size int64) error {
	res, err := tx.Exec(`UPDATE files SET size = ?, crc32c = NULL WHERE path = ?`, size, path)
	if err != nil {
		return newErr(KindCorruptIndex, path, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return newErr(KindNotFound, path, nil)
	}
	return nil
}

func updateFileLocation(tx execer, path string, shard int, offset int64) error {
	res, err := tx.Exec(`UPDATE files SET shard = ?, offset = ? WHERE path = ?`, shard, offset, path)
	if err != nil {
		return newErr(KindCorruptIndex, path, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return newErr(KindNotFound, path, nil)
	}
	return nil
}

func updateFileMeta(tx execer, path string, mode, uid, gid, mtime sql.NullInt64) error {
	res, err := tx.Exec(`UPDATE files SET
		mode = COALESCE(?, mode), uid = COALESCE(?, uid), gid = COALESCE(?, gid), mtime_ns = COALESCE(?, mtime_ns)
		WHERE path = ?`, nullOrNil(mode), nullOrNil(uid), nullOrNil(gid), nullOrNil(mtime), path)
	if err != nil {
		return newErr(KindCorruptIndex, path, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return newErr(KindNotFound, path, nil)
	}
	return nil
}

func updateDirMeta(tx execer, path string, mode, uid, gid, mtime sql.NullInt64) error {
	res, err := tx.Exec(`UPDATE dirs SET
		mode = COALESCE(?, mode), uid = COALESCE(?, uid), gid = COALESCE(?, gid), mtime_ns = COALESCE(?, mtime_ns)
		WHERE path = ?`, nullOrNil(mode), nullOrNil(uid), nullOrNil(gid), nullOrNil(mtime), path)
	if err != nil {
		return newErr(KindCorruptIndex, path, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return newErr(KindNotFound, path, nil)
	}
	return nil
}

func nullOrNil(v sql.NullInt64) any {
	if !v.Valid {
		return nil
	}
	return v.Int64
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint")
}

// --- directory view queries (spec §4.F) ---

func (idx *indexStore) listChildren(parent string) (subdirs []dirRecord, files []fileRecord, err error) {
	drows, err := idx.db.Query(`SELECT path, parent, num_subdirs, num_files, num_files_tree, size_tree, mode, uid, gid, mtime_ns
		FROM dirs WHERE parent = ? ORDER BY path`, parent)
	if err != nil {
		return nil, nil, newErr(KindCorruptIndex, parent, err)
	}
	defer drows.Close()
	for drows.Next() {
		var d dirRecord
		if err := drows.Scan(&d.Path, &d.Parent, &d.NumSubdirs, &d.NumFiles, &d.NumFilesTree, &d.SizeTree, &d.Mode, &d.UID, &d.GID, &d.MtimeNs); err != nil {
			return nil, nil, newErr(KindCorruptIndex, parent, err)
		}
		subdirs = append(subdirs, d)
	}
	if err := drows.Err(); err != nil {
		return nil, nil, newErr(KindCorruptIndex, parent, err)
	}

	frows, err := idx.db.Query(`SELECT path, shard, offset, size, crc32c, mode, uid, gid, mtime_ns
		FROM files WHERE parent = ? ORDER BY path`, parent)
	if err != nil {
		return nil, nil, newErr(KindCorruptIndex, parent, err)
	}
	defer frows.Close()
	for frows.Next() {
		var f fileRecord
		f.Parent = parent
		if err := frows.Scan(&f.Path, &f.Shard, &f.Offset, &f.Size, &f.CRC32C, &f.Mode, &f.UID, &f.GID, &f.MtimeNs); err != nil {
			return nil, nil, newErr(KindCorruptIndex, parent, err)
		}
		files = append(files, f)
	}
	if err := frows.Err(); err != nil {
		return nil, nil, newErr(KindCorruptIndex, parent, err)
	}
	return subdirs, files, nil
}

// filePathsWithPrefix range-scans the files primary key index for every
// path beginning with prefix (spec §4.C, §9 "Glob"). When prefix has no
// finite upper bound (all 0xFF bytes, or empty — i.e. "everything"), it
// falls back to a full unbounded scan.
func (idx *indexStore) filePathsWithPrefix(prefix string) ([]string, error) {
	var rows *sql.Rows
	var err error
	if end, ok := prefixRangeEnd(prefix); ok {
		rows, err = idx.db.Query(`SELECT path FROM files WHERE path >= ? AND path < ? ORDER BY path`, prefix, end)
	} else {
		rows, err = idx.db.Query(`SELECT path FROM files WHERE path >= ? ORDER BY path`, prefix)
	}
	if err != nil {
		return nil, newErr(KindCorruptIndex, prefix, err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, newErr(KindCorruptIndex, prefix, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// descendantDirs returns dirPath and every dir whose path is dirPath or
// nested under it, ordered shallowest-first (needed by rename-dir /
// delete-dir-recursive to process in a safe order).
func (idx *indexStore) descendantDirs(dirPath string) ([]string, error) {
	prefix := dirPath + "/"
	rows, err := idx.db.Query(`SELECT path FROM dirs WHERE path = ? OR path LIKE ? ESCAPE '\' ORDER BY length(path), path`,
		dirPath, escapeLike(prefix)+"%")
	if err != nil {
		return nil, newErr(KindCorruptIndex, dirPath, err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, newErr(KindCorruptIndex, dirPath, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (idx *indexStore) descendantFiles(dirPath string) ([]string, error) {
	prefix := dirPath + "/"
	rows, err := idx.db.Query(`SELECT path FROM files WHERE path LIKE ? ESCAPE '\' ORDER BY path`, escapeLike(prefix)+"%")
	if err != nil {
		return nil, newErr(KindCorruptIndex, dirPath, err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, newErr(KindCorruptIndex, dirPath, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	s = strings.ReplaceAll(s, "_", `\_`)
	return s
}

// --- defrag support (spec §4.H) ---

type placedFile struct {
	Path   string
	Shard  int
	Offset int64
	Size   int64
}

// filesOrderedByLocation yields every file ordered by (shard, offset),
// the order both compaction strategies operate in (spec §4.B "gap
// discovery", §4.H).
func (idx *indexStore) filesOrderedByLocation(desc bool) ([]placedFile, error) {
	order := "shard ASC, offset ASC"
	if desc {
		order = "shard DESC, offset DESC"
	}
	rows, err := idx.db.Query(`SELECT path, shard, offset, size FROM files ORDER BY ` + order)
	if err != nil {
		return nil, newErr(KindCorruptIndex, idx.path, err)
	}
	defer rows.Close()
	var out []placedFile
	for rows.Next() {
		var pf placedFile
		if err := rows.Scan(&pf.Path, &pf.Shard, &pf.Offset, &pf.Size); err != nil {
			return nil, newErr(KindCorruptIndex, idx.path, err)
		}
		out = append(out, pf)
	}
	return out, rows.Err()
}

// lastFile returns the file with the greatest (shard, offset) (spec
// §4.B). Nothing in this package calls it: the allocator works from the
// last shard's current length instead.
func (idx *indexStore) lastFile() (placedFile, bool, error) {
	var pf placedFile
	err := idx.db.QueryRow(`SELECT path, shard, offset, size FROM files ORDER BY shard DESC, offset DESC LIMIT 1`).
		Scan(&pf.Path, &pf.Shard, &pf.Offset, &pf.Size)
	if err == sql.ErrNoRows {
		return placedFile{}, false, nil
	}
	if err != nil {
		return placedFile{}, false, newErr(KindCorruptIndex, idx.path, err)
	}
	return pf, true, nil
}

// shardExtent returns the greatest offset+size among files still placed
// in shardIdx, or 0 if the shard holds no files (spec §4.H "truncate
// each shard to its final cursor" — quick defrag needs this per-shard,
// since unlike full compact it does not rewrite every shard from zero).
func (idx *indexStore) shardExtent(shardIdx int) (int64, error) {
	var extent sql.NullInt64
	err := idx.db.QueryRow(`SELECT MAX(offset + size) FROM files WHERE shard = ?`, shardIdx).Scan(&extent)
	if err != nil {
		return 0, newErr(KindCorruptIndex, idx.path, err)
	}
	return extent.Int64, nil
}

// --- aggregate rebuild (spec §9 "bulk-loading ... one-pass rebuild") ---

// rebuildAggregates recomputes every dirs row's direct counts and
// recursive totals from the files/dirs relations, ignoring whatever the
// rows currently say. Must run with triggers off (the UPDATEs here would
// otherwise double-apply through trg_dirs_au_propagate).
func (idx *indexStore) rebuildAggregates(ctx context.Context) error {
	tx, err := idx.db.BeginTx(ctx, nil)
	if err != nil {
		return newErr(KindCorruptIndex, idx.path, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(rebuildDirectCountsSQL); err != nil {
		return newErr(KindCorruptIndex, idx.path, err)
	}
	if _, err := tx.Exec(rebuildTreeSeedSQL); err != nil {
		return newErr(KindCorruptIndex, idx.path, err)
	}

	// Fold child tree-aggregates into parents, deepest directories first,
	// so each directory is only folded once its own children (already
	// folded into it) are final. Depth is the "/" count, not path length
	// — a short path can still be deeper than a long one.
	rows, err := tx.Query(`SELECT path FROM dirs`)
	if err != nil {
		return newErr(KindCorruptIndex, idx.path, err)
	}
	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return newErr(KindCorruptIndex, idx.path, err)
		}
		paths = append(paths, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return newErr(KindCorruptIndex, idx.path, err)
	}
	sort.SliceStable(paths, func(i, j int) bool {
		return strings.Count(paths[i], "/") > strings.Count(paths[j], "/")
	})

	for _, p := range paths {
		if p == "" {
			continue // root has no parent to fold into
		}
		parent := parentPath(p)
		var numFilesTree, sizeTree int64
		if err := tx.QueryRow(`SELECT num_files_tree, size_tree FROM dirs WHERE path = ?`, p).Scan(&numFilesTree, &sizeTree); err != nil {
			return newErr(KindCorruptIndex, p, err)
		}
		// The seed step set this dir's own num_files_tree/size_tree to
		// its *direct* file children only. By the time we reach p here,
		// every child of p (strictly deeper, already processed) has
		// folded its own total into p, so p's current row already holds
		// direct-plus-descendant totals — folding it into the parent
		// exactly once now is correct and not a double count.
		if _, err := tx.Exec(`UPDATE dirs SET num_files_tree = num_files_tree + ?, size_tree = size_tree + ?
			WHERE path = ?`, numFilesTree, sizeTree, parent); err != nil {
			return newErr(KindCorruptIndex, p, err)
		}
	}

	return tx.Commit()
}
