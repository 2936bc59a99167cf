package storage

import (
	"testing"
)

func TestSplitStatements(t *testing.T) {
	tests := []struct {
		name     string
		sql      string
		expected []string
	}{
		{
			name:     "single statement",
			sql:      "CREATE TABLE test (id INT)",
			expected: []string{"CREATE TABLE test (id INT)"},
		},
		{
			name:     "multiple statements",
			sql:      "CREATE TABLE a (id INT); CREATE TABLE b (id INT)",
			expected: []string{"CREATE TABLE a (id INT)", "CREATE TABLE b (id INT)"},
		},
		{
			name:     "semicolon in string",
			sql:      "INSERT INTO t VALUES ('hello; world')",
			expected: []string{"INSERT INTO t VALUES ('hello; world')"},
		},
		{
			name:     "escaped quote",
			sql:      "INSERT INTO t VALUES ('it''s; fine'); SELECT 1",
			expected: []string{"INSERT INTO t VALUES ('it''s; fine')", "SELECT 1"},
		},
		{
			name:     "trailing comment only",
			sql:      "CREATE TABLE a (id INT);\n-- done\n",
			expected: []string{"CREATE TABLE a (id INT)"},
		},
		{
			name:     "empty string",
			sql:      "",
			expected: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := splitStatements(tt.sql)
			if len(result) != len(tt.expected) {
				t.Fatalf("splitStatements() = %q, want %q", result, tt.expected)
			}
			for i := range result {
				if result[i] != tt.expected[i] {
					t.Errorf("statement[%d] = %q, want %q", i, result[i], tt.expected[i])
				}
			}
		})
	}
}

func TestMigration_LoadMigrations(t *testing.T) {
	m := &Migrator{}
	migrations, err := m.loadMigrations()
	if err != nil {
		t.Fatalf("loadMigrations() error = %v", err)
	}
	if len(migrations) != 3 {
		t.Fatalf("loadMigrations() returned %d migrations, want 3", len(migrations))
	}
	for i := 1; i < len(migrations); i++ {
		if migrations[i].Version <= migrations[i-1].Version {
			t.Errorf("migrations not sorted: version %d comes after %d",
				migrations[i].Version, migrations[i-1].Version)
		}
	}
	if migrations[0].Version != 1 || migrations[0].Name != "tenants" {
		t.Errorf("first migration = %d %q, want 1 \"tenants\"", migrations[0].Version, migrations[0].Name)
	}
}
