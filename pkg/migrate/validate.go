package migrate

import (
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

const versionLayout = "20060102150405"

var sqlFileRe = regexp.MustCompile(`^(\d{14})_([a-z0-9_]+)\.sql$`)

// migrationFile is one goose SQL file.
type migrationFile struct {
	Version int64
	Name    string
	File    string
}

// list returns the migrations of src ordered by version. Every .sql file
// must be named <version>_<name>.sql with a unique version.
func (s Source) list() ([]migrationFile, error) {
	fsys, root := s.files()
	entries, err := fs.ReadDir(fsys, root)
	if err != nil {
		return nil, fmt.Errorf("read dir %q: %w", s, err)
	}
	seen := map[int64]string{}
	var files []migrationFile
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		m := sqlFileRe.FindStringSubmatch(e.Name())
		if m == nil {
			return nil, fmt.Errorf("invalid migration filename %q (expected %s_name.sql)", e.Name(), versionLayout)
		}
		version, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("migration %q: %w", e.Name(), err)
		}
		if prev, ok := seen[version]; ok {
			return nil, fmt.Errorf("duplicate migration version %d in %q and %q", version, prev, e.Name())
		}
		seen[version] = e.Name()
		files = append(files, migrationFile{Version: version, Name: m[2], File: path.Join(root, e.Name())})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Version < files[j].Version })
	return files, nil
}

// Validate checks filenames, version uniqueness and that every file has
// both goose sections.
func (s Source) Validate() error {
	files, err := s.list()
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no migrations found in %q", s)
	}
	fsys, _ := s.files()
	for _, f := range files {
		b, err := fs.ReadFile(fsys, f.File)
		if err != nil {
			return fmt.Errorf("read %q: %w", f.File, err)
		}
		txt := string(b)
		for _, section := range []string{"-- +goose Up", "-- +goose Down"} {
			if !strings.Contains(txt, section) {
				return fmt.Errorf("migration %q missing %q", path.Base(f.File), section)
			}
		}
	}
	return nil
}

// ValidateDir validates the migrations in a directory on disk.
func ValidateDir(dir string) error {
	if dir == "" {
		return fmt.Errorf("dir is required")
	}
	return Disk(dir).Validate()
}
