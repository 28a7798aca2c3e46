package main

import (
	"crypto/sha256"
	"embed"
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
)

// EmbeddedMigration wraps the embedded migration files with validation:
// filename format, up/down pairing, contiguous sequence, and checksum
// integrity between validations within one process.
type EmbeddedMigration struct {
	fs        fs.FS
	checksums map[string]string // filename -> checksum
}

// MigrationInfo contains parsed information about a migration file.
type MigrationInfo struct {
	Sequence  int
	Name      string
	Direction string // "up" or "down"
	Filename  string
}

//go:embed *.sql
var embeddedMigrations embed.FS

// Migration filename format: 001_migration_name.up.sql / .down.sql
var migrationFilenameRegex = regexp.MustCompile(`^(\d{3})_([a-zA-Z0-9_]+)\.(up|down)\.sql$`)

// NewEmbeddedMigration creates an EmbeddedMigration over the given
// filesystem. Pass nil to use the compiled-in migrations.
func NewEmbeddedMigration(filesystem fs.FS) *EmbeddedMigration {
	if filesystem == nil {
		filesystem = embeddedMigrations
	}

	return &EmbeddedMigration{
		fs:        filesystem,
		checksums: make(map[string]string),
	}
}

// GetEmbeddedMigrations returns the migration filesystem for the iofs
// source driver.
func (e *EmbeddedMigration) GetEmbeddedMigrations() fs.FS {
	return e.fs
}

// ListEmbeddedMigrations returns the migration filenames conforming to the
// naming standard, sorted. Nonconforming files are ignored rather than
// applied in an undefined order.
func (e *EmbeddedMigration) ListEmbeddedMigrations() ([]string, error) {
	entries, err := fs.ReadDir(e.fs, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded migrations directory: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		filename := entry.Name()
		if filepath.Ext(filename) == ".sql" && migrationFilenameRegex.MatchString(filename) {
			files = append(files, filename)
		}
	}

	sort.Strings(files)

	return files, nil
}

// ValidateEmbeddedMigrations checks filename format, pairing, sequence, and
// checksum integrity of the embedded migration set.
func (e *EmbeddedMigration) ValidateEmbeddedMigrations() error {
	files, err := e.ListEmbeddedMigrations()
	if err != nil {
		return err
	}

	if len(files) == 0 {
		return fmt.Errorf("no embedded migration files found")
	}

	if err := e.validatePairing(files); err != nil {
		return err
	}

	if err := e.validateSequence(files); err != nil {
		return err
	}

	if len(e.checksums) > 0 {
		if err := e.validateChecksums(files); err != nil {
			return err
		}
	}

	for _, file := range files {
		content, err := e.GetEmbeddedMigrationContent(file)
		if err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", file, err)
		}

		e.checksums[file] = e.calculateChecksum(content)
	}

	return nil
}

// GetEmbeddedMigrationContent returns the raw SQL of one migration file.
func (e *EmbeddedMigration) GetEmbeddedMigrationContent(filename string) ([]byte, error) {
	content, err := fs.ReadFile(e.fs, filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded migration %s: %w", filename, err)
	}

	return content, nil
}

// ParseMigrationFilename extracts the sequence, name, and direction from a
// migration filename.
func ParseMigrationFilename(filename string) (*MigrationInfo, error) {
	matches := migrationFilenameRegex.FindStringSubmatch(filename)
	if matches == nil {
		return nil, fmt.Errorf("invalid migration filename: %s", filename)
	}

	sequence, err := strconv.Atoi(matches[1])
	if err != nil {
		return nil, fmt.Errorf("invalid migration sequence in %s: %w", filename, err)
	}

	return &MigrationInfo{
		Sequence:  sequence,
		Name:      matches[2],
		Direction: matches[3],
		Filename:  filename,
	}, nil
}

// validatePairing ensures every up migration has a down and vice versa.
func (e *EmbeddedMigration) validatePairing(files []string) error {
	ups := make(map[int]string)
	downs := make(map[int]string)

	for _, file := range files {
		info, err := ParseMigrationFilename(file)
		if err != nil {
			return err
		}

		if info.Direction == "up" {
			ups[info.Sequence] = file
		} else {
			downs[info.Sequence] = file
		}
	}

	for seq, file := range ups {
		if _, ok := downs[seq]; !ok {
			return fmt.Errorf("migration %s has no matching down migration", file)
		}
	}

	for seq, file := range downs {
		if _, ok := ups[seq]; !ok {
			return fmt.Errorf("migration %s has no matching up migration", file)
		}
	}

	return nil
}

// validateSequence ensures sequences start at 1 and are contiguous.
func (e *EmbeddedMigration) validateSequence(files []string) error {
	seen := make(map[int]bool)

	for _, file := range files {
		info, err := ParseMigrationFilename(file)
		if err != nil {
			return err
		}

		seen[info.Sequence] = true
	}

	for i := 1; i <= len(seen); i++ {
		if !seen[i] {
			return fmt.Errorf("migration sequence has a gap at %03d", i)
		}
	}

	return nil
}

// validateChecksums ensures migration files have not changed since the last
// validation in this process.
func (e *EmbeddedMigration) validateChecksums(files []string) error {
	for _, file := range files {
		expected, ok := e.checksums[file]
		if !ok {
			continue
		}

		content, err := e.GetEmbeddedMigrationContent(file)
		if err != nil {
			return err
		}

		if actual := e.calculateChecksum(content); actual != expected {
			return fmt.Errorf("migration %s checksum mismatch: content changed", file)
		}
	}

	return nil
}

func (e *EmbeddedMigration) calculateChecksum(content []byte) string {
	return fmt.Sprintf("%x", sha256.Sum256(content))
}
