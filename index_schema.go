package barecat

import "strconv"

const schemaVersionMajor = 1
const schemaVersionMinor = 0

// createSchemaSQL creates the tables and indexes of spec §3. parent is a
// plain column rather than a SQLite GENERATED ALWAYS AS column: every
// write path in this package computes it via parentPath(path) immediately
// before the statement runs (see index.go's insertFile/insertDir/etc.), so
// it is exactly as derived as a generated column would be, without
// depending on the pure-Go SQLite driver's support for generated columns
// (see DESIGN.md).
const createSchemaSQL = `
CREATE TABLE IF NOT EXISTS config (
	key        TEXT PRIMARY KEY,
	value_text TEXT,
	value_int  INTEGER
);

CREATE TABLE IF NOT EXISTS dirs (
	path           TEXT PRIMARY KEY,
	parent         TEXT,
	num_subdirs    INTEGER NOT NULL DEFAULT 0,
	num_files      INTEGER NOT NULL DEFAULT 0,
	num_files_tree INTEGER NOT NULL DEFAULT 0,
	size_tree      INTEGER NOT NULL DEFAULT 0,
	mode           INTEGER,
	uid            INTEGER,
	gid            INTEGER,
	mtime_ns       INTEGER
);

CREATE TABLE IF NOT EXISTS files (
	path     TEXT PRIMARY KEY,
	parent   TEXT NOT NULL,
	shard    INTEGER NOT NULL,
	offset   INTEGER NOT NULL,
	size     INTEGER NOT NULL,
	crc32c   INTEGER,
	mode     INTEGER,
	uid      INTEGER,
	gid      INTEGER,
	mtime_ns INTEGER
);

CREATE INDEX IF NOT EXISTS idx_dirs_parent ON dirs(parent);
CREATE INDEX IF NOT EXISTS idx_files_parent ON files(parent);
CREATE INDEX IF NOT EXISTS idx_files_shard_offset ON files(shard, offset);
`

// seedRootAndConfigSQL inserts root ("" path, invariant 3) and the
// default config values, run once at create_new time. INSERT OR IGNORE
// makes this idempotent against a concurrent/repeat create.
const seedRootAndConfigSQL = `
INSERT OR IGNORE INTO dirs(path, parent, num_subdirs, num_files, num_files_tree, size_tree)
	VALUES ('', NULL, 0, 0, 0, 0);
INSERT OR IGNORE INTO config(key, value_int) VALUES ('use_triggers', 1);
INSERT OR IGNORE INTO config(key, value_int) VALUES ('schema_version_major', ` + strconv.Itoa(schemaVersionMajor) + `);
INSERT OR IGNORE INTO config(key, value_int) VALUES ('schema_version_minor', ` + strconv.Itoa(schemaVersionMinor) + `);
`
