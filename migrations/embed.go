// Package migrations embeds the metadata store schema as versioned SQL
// migration pairs and validates the set before it reaches the database:
// filename format, up/down pairing, a gapless sequence, and content
// checksums.
package migrations

import (
	"crypto/sha256"
	"embed"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strconv"
)

//go:embed *.sql
var Files embed.FS

// filenamePattern enforces the naming standard: 001_name.up.sql /
// 001_name.down.sql with a zero-padded three-digit sequence.
var filenamePattern = regexp.MustCompile(`^(\d{3})_([a-z0-9_]+)\.(up|down)\.sql$`)

// Migration describes one parsed migration file.
type Migration struct {
	Sequence  int
	Name      string
	Direction string
	Filename  string
	Checksum  string
}

// List parses every embedded migration file, sorted by filename. Files that
// do not match the naming standard are an error, not skipped: a stray file
// in the migrations tree is a packaging mistake.
func List() ([]Migration, error) {
	return listFS(Files)
}

// Validate checks the embedded set: parseable names, every up with its down,
// and no gaps in the sequence starting from 001.
func Validate() error {
	return validateFS(Files)
}

func listFS(fsys fs.FS) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}

	var migrations []Migration

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		migration, err := parseFilename(entry.Name())
		if err != nil {
			return nil, err
		}

		content, err := fs.ReadFile(fsys, entry.Name())
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}

		migration.Checksum = fmt.Sprintf("%x", sha256.Sum256(content))
		migrations = append(migrations, migration)
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Filename < migrations[j].Filename
	})

	return migrations, nil
}

func validateFS(fsys fs.FS) error {
	migrations, err := listFS(fsys)
	if err != nil {
		return err
	}

	if len(migrations) == 0 {
		return fmt.Errorf("no migration files embedded")
	}

	if err := validatePairing(migrations); err != nil {
		return err
	}

	return validateSequence(migrations)
}

func parseFilename(filename string) (Migration, error) {
	matches := filenamePattern.FindStringSubmatch(filename)
	if matches == nil {
		return Migration{}, fmt.Errorf(
			"migration filename %q does not match NNN_name.(up|down).sql", filename)
	}

	sequence, err := strconv.Atoi(matches[1])
	if err != nil {
		return Migration{}, fmt.Errorf("migration filename %q: %w", filename, err)
	}

	return Migration{
		Sequence:  sequence,
		Name:      matches[2],
		Direction: matches[3],
		Filename:  filename,
	}, nil
}

func validatePairing(migrations []Migration) error {
	directions := map[string]map[string]bool{}

	for _, m := range migrations {
		key := fmt.Sprintf("%03d_%s", m.Sequence, m.Name)
		if directions[key] == nil {
			directions[key] = map[string]bool{}
		}

		directions[key][m.Direction] = true
	}

	for key, seen := range directions {
		if !seen["up"] {
			return fmt.Errorf("migration %s has a down file but no up file", key)
		}

		if !seen["down"] {
			return fmt.Errorf("migration %s has an up file but no down file", key)
		}
	}

	return nil
}

func validateSequence(migrations []Migration) error {
	seen := map[int]bool{}
	for _, m := range migrations {
		seen[m.Sequence] = true
	}

	sequences := make([]int, 0, len(seen))
	for sequence := range seen {
		sequences = append(sequences, sequence)
	}

	sort.Ints(sequences)

	if sequences[0] != 1 {
		return fmt.Errorf("migration sequence starts at %03d, want 001", sequences[0])
	}

	for i := 1; i < len(sequences); i++ {
		if sequences[i] != sequences[i-1]+1 {
			return fmt.Errorf("gap in migration sequence: %03d follows %03d",
				sequences[i], sequences[i-1])
		}
	}

	return nil
}
