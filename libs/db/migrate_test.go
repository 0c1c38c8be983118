package db

import (
	"testing"
	"testing/fstest"
)

func TestMigratorLoad(t *testing.T) {
	files := fstest.MapFS{
		"002_appointments.sql": {Data: []byte("CREATE TABLE b();")},
		"001_requests.sql":     {Data: []byte("CREATE TABLE a();")},
		"README.md":            {Data: []byte("docs")},
		"notes.sql":            {Data: []byte("-- no prefix")},
		"x_bad.sql":            {Data: []byte("-- non numeric prefix")},
	}

	migs, err := NewMigrator(nil, files).Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(migs) != 2 {
		t.Fatalf("expected 2 migrations, got %d", len(migs))
	}
	if migs[0].Version != 1 || migs[1].Version != 2 {
		t.Fatalf("unexpected order: %d, %d", migs[0].Version, migs[1].Version)
	}
	if migs[0].SQL != "CREATE TABLE a();" {
		t.Fatalf("unexpected sql: %q", migs[0].SQL)
	}
}

func TestMigratorLoadDuplicateVersion(t *testing.T) {
	files := fstest.MapFS{
		"001_a.sql": {Data: []byte("SELECT 1;")},
		"1_b.sql":   {Data: []byte("SELECT 2;")},
	}
	if _, err := NewMigrator(nil, files).Load(); err == nil {
		t.Fatal("expected duplicate version error")
	}
}
