// Package migrations embeds the database schema migrations and the runner
// that applies them. The migrator binary and the integration test helpers
// share this package, so every deployment path runs the exact same SQL.
package migrations

import (
	"embed"
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
)

//go:embed *.sql
var embeddedFS embed.FS

// Migration filename standard: 001_name.up.sql / 001_name.down.sql.
var filenameRegex = regexp.MustCompile(`^(\d{3})_([a-zA-Z0-9_]+)\.(up|down)\.sql$`)

// Info contains parsed information about one migration file.
type Info struct {
	Sequence  int
	Name      string
	Direction string // "up" or "down"
	Filename  string
}

// FS returns the embedded migration filesystem for the iofs source driver.
func FS() fs.FS {
	return embeddedFS
}

// List returns the embedded migration filenames that conform to the naming
// standard, lexicographically sorted. Nonconforming files are ignored so
// they can never reach the database.
func List() ([]string, error) {
	entries, err := fs.ReadDir(embeddedFS, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded migrations: %w", err)
	}

	var files []string

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		if filepath.Ext(name) == ".sql" && filenameRegex.MatchString(name) {
			files = append(files, name)
		}
	}

	sort.Strings(files)

	return files, nil
}

// Parse extracts the components of a migration filename.
func Parse(filename string) (*Info, error) {
	matches := filenameRegex.FindStringSubmatch(filename)
	if len(matches) != 4 {
		return nil, fmt.Errorf(
			"invalid migration filename %q (expected NNN_name.up.sql or NNN_name.down.sql)",
			filename,
		)
	}

	sequence, err := strconv.Atoi(matches[1])
	if err != nil {
		return nil, fmt.Errorf("invalid sequence in %q: %w", filename, err)
	}

	return &Info{
		Sequence:  sequence,
		Name:      matches[2],
		Direction: matches[3],
		Filename:  filename,
	}, nil
}

// Validate checks the embedded set before any state-changing operation:
// every up has a down, the sequence starts at 001, and there are no gaps.
func Validate() error {
	files, err := List()
	if err != nil {
		return err
	}

	if len(files) == 0 {
		return fmt.Errorf("no embedded migration files found")
	}

	byKey := make(map[string]map[string]bool)
	sequences := make(map[int]bool)

	for _, file := range files {
		info, err := Parse(file)
		if err != nil {
			return err
		}

		key := fmt.Sprintf("%03d_%s", info.Sequence, info.Name)
		if byKey[key] == nil {
			byKey[key] = make(map[string]bool)
		}

		byKey[key][info.Direction] = true
		sequences[info.Sequence] = true
	}

	for key, directions := range byKey {
		if !directions["up"] {
			return fmt.Errorf("orphaned down migration: missing up migration for %s", key)
		}

		if !directions["down"] {
			return fmt.Errorf("orphaned up migration: missing down migration for %s", key)
		}
	}

	ordered := make([]int, 0, len(sequences))
	for seq := range sequences {
		ordered = append(ordered, seq)
	}

	sort.Ints(ordered)

	if ordered[0] != 1 {
		return fmt.Errorf("migration sequence should start with 001, found %03d", ordered[0])
	}

	for i := 1; i < len(ordered); i++ {
		if ordered[i] != ordered[i-1]+1 {
			return fmt.Errorf("gap in migration sequence: expected %03d, found %03d",
				ordered[i-1]+1, ordered[i])
		}
	}

	return nil
}

// MaxVersion returns the highest migration sequence embedded in this build.
func MaxVersion() int {
	files, err := List()
	if err != nil {
		return 0
	}

	maxSeq := 0

	for _, file := range files {
		if info, err := Parse(file); err == nil && info.Sequence > maxSeq {
			maxSeq = info.Sequence
		}
	}

	return maxSeq
}
