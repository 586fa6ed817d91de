package migrations

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"testing"
	"testing/fstest"
)

const (
	validUpContent   = "CREATE TABLE widgets (id TEXT PRIMARY KEY);"
	validDownContent = "DROP TABLE widgets;"
)

func createMigrationPair(seq int, name string) map[string]*fstest.MapFile {
	up := fmt.Sprintf("%03d_%s.up.sql", seq, name)
	down := fmt.Sprintf("%03d_%s.down.sql", seq, name)
	return map[string]*fstest.MapFile{
		up:   {Data: []byte(validUpContent)},
		down: {Data: []byte(validDownContent)},
	}
}

func mustMigration(t *testing.T, fsys fstest.MapFS) *EmbeddedMigration {
	t.Helper()
	m := NewEmbeddedMigration(fsys)
	if m == nil {
		t.Fatal("expected non-nil EmbeddedMigration")
	}
	return m
}

func TestNewEmbeddedMigration_NilUsesBuiltInSchema(t *testing.T) {
	m := NewEmbeddedMigration(nil)
	files, err := m.ListEmbeddedMigrations()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(files) == 0 {
		t.Fatal("expected the embedded ELSPETH schema files to be listed")
	}
	for _, f := range files {
		if !strings.HasPrefix(f, "001_landscape_schema.") {
			t.Errorf("unexpected embedded file %s", f)
		}
	}
}

func TestListEmbeddedMigrations_SortsBySequence(t *testing.T) {
	migrations := make(map[string]*fstest.MapFile)
	for _, seq := range []int{10, 2, 1} {
		for k, v := range createMigrationPair(seq, "step") {
			migrations[k] = v
		}
	}
	m := mustMigration(t, fstest.MapFS(migrations))

	result, err := m.ListEmbeddedMigrations()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := []string{
		"001_step.down.sql", "001_step.up.sql",
		"002_step.down.sql", "002_step.up.sql",
		"010_step.down.sql", "010_step.up.sql",
	}
	sort.Strings(expected)
	if !reflect.DeepEqual(result, expected) {
		t.Errorf("expected %v, got %v", expected, result)
	}
}

func TestValidateEmbeddedMigrations_BuiltInSchemaPasses(t *testing.T) {
	m := NewEmbeddedMigration(nil)
	if err := m.ValidateEmbeddedMigrations(); err != nil {
		t.Errorf("expected the embedded ELSPETH schema to validate, got: %v", err)
	}
}

func TestValidateEmbeddedMigrations_Scenarios(t *testing.T) {
	tests := []struct {
		name    string
		fs      fstest.MapFS
		wantErr error
		wantSub string
	}{
		{
			name:    "no files",
			fs:      fstest.MapFS{},
			wantErr: ErrNoEmbeddedMigrations,
		},
		{
			name: "unpaired migration",
			fs: fstest.MapFS{
				"001_initial.up.sql": {Data: []byte(validUpContent)},
			},
			wantSub: "missing",
		},
		{
			name: "sequence gap",
			fs: func() fstest.MapFS {
				m := make(map[string]*fstest.MapFile)
				for _, seq := range []int{1, 3} {
					for k, v := range createMigrationPair(seq, "step") {
						m[k] = v
					}
				}
				return m
			}(),
			wantSub: "gap",
		},
		{
			name: "valid sequential migrations",
			fs: func() fstest.MapFS {
				m := make(map[string]*fstest.MapFile)
				for _, seq := range []int{1, 2, 3} {
					for k, v := range createMigrationPair(seq, "step") {
						m[k] = v
					}
				}
				return m
			}(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := mustMigration(t, tt.fs)
			err := m.ValidateEmbeddedMigrations()

			switch {
			case tt.wantErr != nil:
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("expected error %v, got %v", tt.wantErr, err)
				}
			case tt.wantSub != "":
				if err == nil || !strings.Contains(err.Error(), tt.wantSub) {
					t.Errorf("expected error containing %q, got %v", tt.wantSub, err)
				}
			default:
				if err != nil {
					t.Errorf("expected validation to pass, got: %v", err)
				}
			}
		})
	}
}

func TestValidateEmbeddedMigrations_DetectsTamperedChecksum(t *testing.T) {
	original := fstest.MapFS(createMigrationPair(1, "initial"))
	m := mustMigration(t, original)
	if err := m.ValidateEmbeddedMigrations(); err != nil {
		t.Fatalf("initial validation failed: %v", err)
	}

	tampered := fstest.MapFS{
		"001_initial.up.sql":   {Data: []byte("CREATE TABLE widgets (id TEXT, name TEXT);")},
		"001_initial.down.sql": {Data: []byte(validDownContent)},
	}
	m2 := mustMigration(t, tampered)
	m2.checksums = m.checksums

	err := m2.ValidateEmbeddedMigrations()
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Errorf("expected ErrChecksumMismatch, got %v", err)
	}
}

func TestGetEmbeddedMigrationContent_MissingFile(t *testing.T) {
	m := NewEmbeddedMigration(nil)
	if _, err := m.GetEmbeddedMigrationContent("does_not_exist.sql"); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestParseMigrationFilename_RejectsBadFormat(t *testing.T) {
	if _, err := parseMigrationFilename("not_a_migration.sql"); err == nil {
		t.Error("expected parse error for malformed filename")
	}
}
