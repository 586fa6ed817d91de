// Package migrations embeds and validates the Landscape's SQL schema
// migrations and runs them against either backend (sqlite3 or postgres)
// via golang-migrate.
package migrations

import (
	"crypto/sha256"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
)

var (
	// ErrNoEmbeddedMigrations is returned when no file matches the naming
	// convention.
	ErrNoEmbeddedMigrations = errors.New("migrations: no embedded migration files found")
	// ErrChecksumMismatch is returned when a previously validated
	// migration's content changed since the last validation pass.
	ErrChecksumMismatch = errors.New("migrations: checksum mismatch, file was modified after validation")
)

// EmbeddedMigration provides embedded-migration access with filename,
// pairing, sequence, and checksum validation, grounded on the teacher's
// migration embedding and validation approach.
type EmbeddedMigration struct {
	fs        fs.FS
	checksums map[string]string
}

// MigrationInfo is the parsed shape of one migration filename.
type MigrationInfo struct {
	Sequence  int
	Name      string
	Direction string // "up" or "down"
	Filename  string
}

//go:embed sql/*.sql
var embeddedMigrations embed.FS

var migrationFilenameRegex = regexp.MustCompile(`^(\d{3})_([a-zA-Z0-9_]+)\.(up|down)\.sql$`)

// NewEmbeddedMigration wraps filesystem, or the build-time embedded
// migrations if filesystem is nil.
func NewEmbeddedMigration(filesystem fs.FS) *EmbeddedMigration {
	if filesystem == nil {
		sub, err := fs.Sub(embeddedMigrations, "sql")
		if err != nil {
			panic(fmt.Sprintf("migrations: embedded sql directory missing: %v", err))
		}
		filesystem = sub
	}
	return &EmbeddedMigration{fs: filesystem, checksums: make(map[string]string)}
}

// FS returns the embedded filesystem, for iofs.New.
func (e *EmbeddedMigration) FS() fs.FS { return e.fs }

// ListEmbeddedMigrations returns every file matching the naming standard,
// sorted lexicographically (which matches sequence order given the
// zero-padded numeric prefix).
func (e *EmbeddedMigration) ListEmbeddedMigrations() ([]string, error) {
	entries, err := fs.ReadDir(e.fs, ".")
	if err != nil {
		return nil, fmt.Errorf("migrations: read embedded directory: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if filepath.Ext(name) == ".sql" && migrationFilenameRegex.MatchString(name) {
			files = append(files, name)
		}
	}
	sort.Strings(files)
	return files, nil
}

// ValidateEmbeddedMigrations checks filename format, up/down pairing,
// sequence contiguity, and (once computed once) checksum stability.
func (e *EmbeddedMigration) ValidateEmbeddedMigrations() error {
	files, err := e.ListEmbeddedMigrations()
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return ErrNoEmbeddedMigrations
	}

	for _, file := range files {
		if _, err := e.content(file); err != nil {
			return fmt.Errorf("migrations: read %s: %w", file, err)
		}
	}
	if err := e.validateFilenames(files); err != nil {
		return err
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
		content, err := e.content(file)
		if err != nil {
			return fmt.Errorf("migrations: read %s: %w", file, err)
		}
		e.checksums[file] = checksum(content)
	}
	return nil
}

func (e *EmbeddedMigration) content(filename string) ([]byte, error) {
	return fs.ReadFile(e.fs, filename)
}

// GetEmbeddedMigrationContent reads one migration file's raw SQL.
func (e *EmbeddedMigration) GetEmbeddedMigrationContent(filename string) ([]byte, error) {
	content, err := e.content(filename)
	if err != nil {
		return nil, fmt.Errorf("migrations: %s: %w", filename, err)
	}
	return content, nil
}

func parseMigrationFilename(filename string) (*MigrationInfo, error) {
	m := migrationFilenameRegex.FindStringSubmatch(filename)
	if len(m) != 4 {
		return nil, fmt.Errorf("migrations: invalid filename %s (expected 001_name.up.sql)", filename)
	}
	seq, err := strconv.Atoi(m[1])
	if err != nil {
		return nil, fmt.Errorf("migrations: invalid sequence in %s: %w", filename, err)
	}
	return &MigrationInfo{Sequence: seq, Name: m[2], Direction: m[3], Filename: filename}, nil
}

func (e *EmbeddedMigration) validateFilenames(files []string) error {
	for _, f := range files {
		if _, err := parseMigrationFilename(f); err != nil {
			return err
		}
	}
	return nil
}

func (e *EmbeddedMigration) validatePairing(files []string) error {
	byKey := make(map[string]map[string]*MigrationInfo)
	for _, f := range files {
		m, err := parseMigrationFilename(f)
		if err != nil {
			return err
		}
		key := fmt.Sprintf("%03d_%s", m.Sequence, m.Name)
		if byKey[key] == nil {
			byKey[key] = make(map[string]*MigrationInfo)
		}
		byKey[key][m.Direction] = m
	}
	for key, dirs := range byKey {
		if _, ok := dirs["up"]; !ok {
			return fmt.Errorf("migrations: orphaned down migration, missing up for %s", key)
		}
		if _, ok := dirs["down"]; !ok {
			return fmt.Errorf("migrations: orphaned up migration, missing down for %s", key)
		}
	}
	return nil
}

func (e *EmbeddedMigration) validateSequence(files []string) error {
	seen := make(map[int]bool)
	for _, f := range files {
		m, err := parseMigrationFilename(f)
		if err != nil {
			return err
		}
		seen[m.Sequence] = true
	}
	var seqs []int
	for s := range seen {
		seqs = append(seqs, s)
	}
	sort.Ints(seqs)
	if len(seqs) == 0 {
		return nil
	}
	if seqs[0] != 1 {
		return fmt.Errorf("migrations: sequence must start at 001, found %03d", seqs[0])
	}
	for i := 1; i < len(seqs); i++ {
		if seqs[i] != seqs[i-1]+1 {
			return fmt.Errorf("migrations: gap in sequence: expected %03d, found %03d", seqs[i-1]+1, seqs[i])
		}
	}
	return nil
}

func (e *EmbeddedMigration) validateChecksums(files []string) error {
	for _, f := range files {
		content, err := e.content(f)
		if err != nil {
			return fmt.Errorf("migrations: read %s for checksum: %w", f, err)
		}
		if stored, ok := e.checksums[f]; ok && checksum(content) != stored {
			return fmt.Errorf("%w: %s", ErrChecksumMismatch, f)
		}
	}
	return nil
}

func checksum(content []byte) string {
	sum := sha256.Sum256(content)
	return fmt.Sprintf("%x", sum)
}
