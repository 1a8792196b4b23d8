package migrate

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"

	"github.com/pressly/goose/v3"
)

// DefaultDir is where new migrations are written in the source tree.
const DefaultDir = "pkg/migrate/migrations"

// EmbeddedDir is the path of the bundled migrations inside Embedded.
const EmbeddedDir = "migrations"

// Embedded carries the ledger schema so binaries can migrate without the
// source tree on disk.
//
//go:embed migrations/*.sql
var Embedded embed.FS

// Source locates a set of goose migrations.
type Source struct {
	// FS is nil for a directory on the local disk.
	FS  fs.FS
	Dir string
}

// Bundled is the schema compiled into the binary.
func Bundled() Source { return Source{FS: Embedded, Dir: EmbeddedDir} }

// Disk reads migrations from dir, for migrations still under development.
func Disk(dir string) Source { return Source{Dir: dir} }

func (s Source) String() string {
	if s.FS == nil {
		return s.Dir
	}
	return "embedded:" + s.Dir
}

// files returns the filesystem and root to list migrations from.
func (s Source) files() (fs.FS, string) {
	if s.FS == nil {
		return os.DirFS(s.Dir), "."
	}
	return s.FS, s.Dir
}

// with points goose at the source for the duration of fn. goose keeps its
// filesystem in package state, so calls must not overlap.
func (s Source) with(fn func(dir string) error) error {
	if s.Dir == "" {
		return errors.New("migrations dir is required")
	}
	// ledger storage is Postgres only
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	goose.SetBaseFS(s.FS)
	defer goose.SetBaseFS(nil)
	return fn(s.Dir)
}

// Run executes a goose command (up, down, status, redo, ...).
func Run(ctx context.Context, db *sql.DB, src Source, command string, args ...string) error {
	if db == nil {
		return errors.New("db is required")
	}
	return src.with(func(dir string) error {
		if err := goose.RunContext(ctx, command, db, dir, args...); err != nil {
			return fmt.Errorf("goose %s: %w", command, err)
		}
		return nil
	})
}

// MigrateToVersion moves the schema up or down to targetVersion.
func MigrateToVersion(ctx context.Context, db *sql.DB, src Source, targetVersion string) error {
	if db == nil {
		return errors.New("db is required")
	}
	target, err := strconv.ParseInt(targetVersion, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid version %q (expected %s): %w", targetVersion, versionLayout, err)
	}
	return src.with(func(dir string) error {
		current, err := goose.GetDBVersionContext(ctx, db)
		if err != nil {
			return fmt.Errorf("get db version: %w", err)
		}
		switch {
		case current == target:
			return nil
		case current < target:
			if err := goose.UpToContext(ctx, db, dir, target); err != nil {
				return fmt.Errorf("goose up-to %d: %w", target, err)
			}
		default:
			if err := goose.DownToContext(ctx, db, dir, target); err != nil {
				return fmt.Errorf("goose down-to %d: %w", target, err)
			}
		}
		return nil
	})
}
