package main

import (
	"os"
	"strings"
	"testing"
)

func TestStatements(t *testing.T) {
	got := statements("-- header\nCREATE TABLE a (id INT);\n\n-- note\nCREATE TABLE b (\n  id INT -- inline stays\n);\n")
	if len(got) != 2 {
		t.Fatalf("expected 2 statements, got %d: %q", len(got), got)
	}
	if got[0] != "CREATE TABLE a (id INT)" {
		t.Fatalf("unexpected first statement %q", got[0])
	}
	if !strings.HasPrefix(got[1], "CREATE TABLE b (") {
		t.Fatalf("unexpected second statement %q", got[1])
	}
}

func TestInitMigrationParses(t *testing.T) {
	raw, err := os.ReadFile("../../migrations/001_init.sql")
	if err != nil {
		t.Fatal(err)
	}
	stmts := statements(string(raw))
	tables := []string{"user", "api_key", "model", "model_param", "prediction", "model_example", "payment"}
	if len(stmts) != len(tables) {
		t.Fatalf("expected %d statements, got %d", len(tables), len(stmts))
	}
	for i, table := range tables {
		if !strings.HasPrefix(stmts[i], "CREATE TABLE IF NOT EXISTS "+table+" (") {
			t.Errorf("statement %d does not create %s: %q", i, table, stmts[i][:40])
		}
	}
}
