package barecat

// The six trigger behaviors of spec §4.B, implemented as real SQL
// triggers guarded by config.use_triggers (createTriggersSQL is only
// executed while that flag is on; bulk import drops them with
// dropTriggersSQL and calls rebuildAggregates instead, see index.go).
//
// Propagation is upward-only (spec §4.B "Propagation direction"): each
// trigger adjusts its immediate parent row; that UPDATE on dirs is itself
// what fires trg_dirs_au_propagate, which adjusts the grandparent, and so
// on to root. Root's parent is NULL, and every dirs trigger is guarded by
// a WHEN ... parent IS NOT NULL clause, so the cascade stops once it
// reaches root. Recursive firing requires
// PRAGMA recursive_triggers = ON (set in index.go at every open).
const createTriggersSQL = `
CREATE TRIGGER IF NOT EXISTS trg_files_ai AFTER INSERT ON files
BEGIN
	UPDATE dirs SET num_files = num_files + 1,
	                num_files_tree = num_files_tree + 1,
	                size_tree = size_tree + NEW.size
	WHERE path = NEW.parent;
END;

CREATE TRIGGER IF NOT EXISTS trg_files_ad AFTER DELETE ON files
BEGIN
	UPDATE dirs SET num_files = num_files - 1,
	                num_files_tree = num_files_tree - 1,
	                size_tree = size_tree - OLD.size
	WHERE path = OLD.parent;
END;

CREATE TRIGGER IF NOT EXISTS trg_files_au_move AFTER UPDATE ON files
WHEN NEW.parent != OLD.parent
BEGIN
	UPDATE dirs SET num_files = num_files - 1,
	                num_files_tree = num_files_tree - 1,
	                size_tree = size_tree - OLD.size
	WHERE path = OLD.parent;
	UPDATE dirs SET num_files = num_files + 1,
	                num_files_tree = num_files_tree + 1,
	                size_tree = size_tree + NEW.size
	WHERE path = NEW.parent;
END;

CREATE TRIGGER IF NOT EXISTS trg_files_au_resize AFTER UPDATE ON files
WHEN NEW.parent = OLD.parent AND NEW.size != OLD.size
BEGIN
	UPDATE dirs SET size_tree = size_tree + (NEW.size - OLD.size)
	WHERE path = NEW.parent;
END;

CREATE TRIGGER IF NOT EXISTS trg_dirs_ai AFTER INSERT ON dirs
WHEN NEW.parent IS NOT NULL
BEGIN
	UPDATE dirs SET num_subdirs = num_subdirs + 1,
	                num_files_tree = num_files_tree + NEW.num_files_tree,
	                size_tree = size_tree + NEW.size_tree
	WHERE path = NEW.parent;
END;

CREATE TRIGGER IF NOT EXISTS trg_dirs_ad AFTER DELETE ON dirs
WHEN OLD.parent IS NOT NULL
BEGIN
	UPDATE dirs SET num_subdirs = num_subdirs - 1,
	                num_files_tree = num_files_tree - OLD.num_files_tree,
	                size_tree = size_tree - OLD.size_tree
	WHERE path = OLD.parent;
END;

CREATE TRIGGER IF NOT EXISTS trg_dirs_au_move AFTER UPDATE ON dirs
WHEN NEW.parent IS NOT NULL AND OLD.parent IS NOT NULL AND NEW.parent != OLD.parent
BEGIN
	UPDATE dirs SET num_subdirs = num_subdirs - 1,
	                num_files_tree = num_files_tree - OLD.num_files_tree,
	                size_tree = size_tree - OLD.size_tree
	WHERE path = OLD.parent;
	UPDATE dirs SET num_subdirs = num_subdirs + 1,
	                num_files_tree = num_files_tree + NEW.num_files_tree,
	                size_tree = size_tree + NEW.size_tree
	WHERE path = NEW.parent;
END;

CREATE TRIGGER IF NOT EXISTS trg_dirs_au_propagate AFTER UPDATE ON dirs
WHEN NEW.parent IS NOT NULL AND NEW.parent = OLD.parent
     AND (NEW.num_files_tree != OLD.num_files_tree OR NEW.size_tree != OLD.size_tree)
BEGIN
	UPDATE dirs SET num_files_tree = num_files_tree + (NEW.num_files_tree - OLD.num_files_tree),
	                size_tree = size_tree + (NEW.size_tree - OLD.size_tree)
	WHERE path = NEW.parent;
END;
`

const dropTriggersSQL = `
DROP TRIGGER IF EXISTS trg_files_ai;
DROP TRIGGER IF EXISTS trg_files_ad;
DROP TRIGGER IF EXISTS trg_files_au_move;
DROP TRIGGER IF EXISTS trg_files_au_resize;
DROP TRIGGER IF EXISTS trg_dirs_ai;
DROP TRIGGER IF EXISTS trg_dirs_ad;
DROP TRIGGER IF EXISTS trg_dirs_au_move;
DROP TRIGGER IF EXISTS trg_dirs_au_propagate;
`

// rebuildDirectCountsSQL is the first step of the one-pass rebuild (spec
// §9 "Bulk-loading must provide an aggregates-off mode followed by a
// one-pass rebuild"): it recomputes every dirs row's direct num_subdirs
// and num_files from the parent relation. The tree totals are handled by
// rebuildTreeSeedSQL and rebuildAggregates in index.go.
const rebuildDirectCountsSQL = `
UPDATE dirs SET
	num_subdirs = (SELECT COUNT(*) FROM dirs d2 WHERE d2.parent = dirs.path),
	num_files   = (SELECT COUNT(*) FROM files f WHERE f.parent = dirs.path);
`

// rebuildTreeSeedSQL seeds num_files_tree/size_tree from direct file
// children only. rebuildAggregates (index.go) then folds each directory's
// totals into its parent's, deepest-first by "/" count.
const rebuildTreeSeedSQL = `
UPDATE dirs SET
	num_files_tree = num_files,
	size_tree = (SELECT COALESCE(SUM(f.size), 0) FROM files f WHERE f.parent = dirs.path);
`
