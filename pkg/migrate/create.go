package migrate

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var nameSanitizeRe = regexp.MustCompile(`[^a-z0-9]+`)

const migrationTemplate = `-- +goose Up
-- +goose StatementBegin
-- %[1]s
-- ledger_records is append-only: add columns as nullable or with defaults.
-- +goose StatementEnd

-- +goose Down
-- +goose StatementBegin
-- rollback %[1]s
-- +goose StatementEnd
`

func sanitizeName(name string) (string, error) {
	safe := nameSanitizeRe.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "_")
	safe = strings.Trim(safe, "_")
	if safe == "" {
		return "", fmt.Errorf("name %q results in empty sanitized filename", name)
	}
	return safe, nil
}

// CreateSQLMigration writes an empty goose migration into dir and returns
// its path. The version is the current UTC time, moved past the newest
// existing migration so files always sort after what is already there.
func CreateSQLMigration(dir string, name string) (string, error) {
	return createSQLMigration(dir, name, time.Now().UTC())
}

func createSQLMigration(dir, name string, now time.Time) (string, error) {
	if dir == "" {
		return "", errors.New("dir is required")
	}
	safe, err := sanitizeName(name)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("mkdir %q: %w", dir, err)
	}

	version, _ := strconv.ParseInt(now.Format(versionLayout), 10, 64)
	existing, err := Disk(dir).list()
	if err != nil {
		return "", err
	}
	if n := len(existing); n > 0 && existing[n-1].Version >= version {
		last, err := time.Parse(versionLayout, strconv.FormatInt(existing[n-1].Version, 10))
		if err != nil {
			return "", fmt.Errorf("parse version %d: %w", existing[n-1].Version, err)
		}
		version, _ = strconv.ParseInt(last.Add(time.Second).Format(versionLayout), 10, 64)
	}

	fullpath := filepath.Join(dir, fmt.Sprintf("%d_%s.sql", version, safe))
	if err := os.WriteFile(fullpath, []byte(fmt.Sprintf(migrationTemplate, safe)), 0o644); err != nil {
		return "", fmt.Errorf("write migration %q: %w", fullpath, err)
	}
	return fullpath, nil
}
