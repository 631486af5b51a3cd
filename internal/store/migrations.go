package store

import (
	"context"
	"database/sql"
	"embed"
	"io/fs"
	"path"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/rendis/steward/pkg/schema"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// migration is one numbered script from migrations/, named NNN_name.sql.
type migration struct {
	Version int
	Name    string
	SQL     string
}

var migrationFileName = regexp.MustCompile(`^(\d{3})_([a-z0-9_]+)\.sql$`)

// requiredTables must exist once every migration has been applied.
var requiredTables = []string{"runs", "hitl_requests", "audit_log", "policy_audit", "trace_events"}

var migrations = mustLoadMigrations(migrationFiles, "migrations")

func mustLoadMigrations(fsys fs.FS, dir string) []migration {
	ms, err := loadMigrations(fsys, dir)
	if err != nil {
		panic(err)
	}
	return ms
}

// loadMigrations reads the scripts in dir. Versions start at 1 with no gaps.
func loadMigrations(fsys fs.FS, dir string) ([]migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, storeErr("read migrations", err)
	}

	var out []migration
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		match := migrationFileName.FindStringSubmatch(e.Name())
		if match == nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "migration %s is not named NNN_name.sql", e.Name())
		}
		data, err := fs.ReadFile(fsys, path.Join(dir, e.Name()))
		if err != nil {
			return nil, storeErr("read migration "+e.Name(), err)
		}
		version, _ := strconv.Atoi(match[1])
		out = append(out, migration{Version: version, Name: match[2], SQL: string(data)})
	}

	slices.SortFunc(out, func(a, b migration) int { return a.Version - b.Version })
	for i, m := range out {
		if m.Version != i+1 {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"migration %03d_%s is out of sequence, expected version %d", m.Version, m.Name, i+1)
		}
	}
	return out, nil
}

// runMigrations applies the scripts in ms that the database has not seen,
// each in its own transaction. A database migrated by a different build
// (other names, or versions this build does not know) is a CONFLICT.
func runMigrations(ctx context.Context, db *sql.DB, ms []migration) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version    INTEGER PRIMARY KEY,
		name       TEXT NOT NULL,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return storeErr("create schema_version", err)
	}

	applied, err := appliedMigrations(ctx, db)
	if err != nil {
		return err
	}
	for version, name := range applied {
		if version > len(ms) {
			return schema.NewErrorf(schema.ErrCodeConflict,
				"database has migration %03d_%s, newer than this build", version, name)
		}
	}

	for _, m := range ms {
		name, done := applied[m.Version]
		if done {
			if name != m.Name {
				return schema.NewErrorf(schema.ErrCodeConflict,
					"migration %03d is recorded as %s, this build ships %s", m.Version, name, m.Name)
			}
			continue
		}
		if err := applyMigration(ctx, db, m); err != nil {
			return err
		}
	}
	return checkTables(ctx, db)
}

func appliedMigrations(ctx context.Context, db *sql.DB) (map[int]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT version, name FROM schema_version`)
	if err != nil {
		return nil, storeErr("read schema_version", err)
	}
	defer rows.Close()

	applied := make(map[int]string)
	for rows.Next() {
		var (
			version int
			name    string
		)
		if err := rows.Scan(&version, &name); err != nil {
			return nil, storeErr("scan schema_version", err)
		}
		applied[version] = name
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("read schema_version", err)
	}
	return applied, nil
}

func applyMigration(ctx context.Context, db *sql.DB, m migration) error {
	label := strconv.Itoa(m.Version) + "_" + m.Name
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin migration "+label, err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range sqlStatements(m.SQL) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return storeErr("migration "+label, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version (version, name) VALUES (?, ?)`, m.Version, m.Name); err != nil {
		return storeErr("record migration "+label, err)
	}
	if err := tx.Commit(); err != nil {
		return storeErr("commit migration "+label, err)
	}
	return nil
}

// checkTables verifies the store's tables exist after migrating.
func checkTables(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'table'`)
	if err != nil {
		return storeErr("list tables", err)
	}
	defer rows.Close()

	have := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return storeErr("scan tables", err)
		}
		have[name] = true
	}
	if err := rows.Err(); err != nil {
		return storeErr("list tables", err)
	}

	var missing []string
	for _, t := range requiredTables {
		if !have[t] {
			missing = append(missing, t)
		}
	}
	if len(missing) > 0 {
		return schema.NewErrorf(schema.ErrCodeStore, "schema is missing tables: %s", strings.Join(missing, ", "))
	}
	return nil
}

// sqlStatements drops "--" comment lines and splits the rest on semicolons.
func sqlStatements(script string) []string {
	var code strings.Builder
	for line := range strings.Lines(script) {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		code.WriteString(line)
	}

	var stmts []string
	for raw := range strings.SplitSeq(code.String(), ";") {
		if stmt := strings.TrimSpace(raw); stmt != "" {
			stmts = append(stmts, stmt)
		}
	}
	return stmts
}
