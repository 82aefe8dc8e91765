package dictrepo

import (
	"strings"
	"testing"
)

func TestRenderSortsAndIsDeterministic(t *testing.T) {
	table := Table{
		Name:    "keytao",
		Version: "2026.08.30",
		Entries: []Entry{
			{Word: "乙", Code: "ab", Weight: 50},
			{Word: "甲", Code: "aa", Weight: 100},
			{Word: "丙", Code: "ab", Weight: 120},
			{Word: "丁", Code: "ab", Weight: 50},
		},
	}

	text := Render(table)
	if text != Render(table) {
		t.Fatal("expected identical renders for the same table")
	}

	if !strings.Contains(text, "sort: by_weight\n") {
		t.Fatalf("header should declare by_weight sorting, got:\n%s", text)
	}

	lines := strings.Split(strings.TrimSpace(text), "\n")
	entryLines := lines[len(lines)-4:]
	want := []string{
		"甲\taa\t100",
		"丙\tab\t120",
		"丁\tab\t50",
		"乙\tab\t50",
	}
	for i, line := range want {
		if entryLines[i] != line {
			t.Fatalf("entry %d: want %q, got %q", i, line, entryLines[i])
		}
	}
}

func TestParseRoundTrip(t *testing.T) {
	table := Table{
		Name:    "keytao",
		Version: "2026.08.30",
		Entries: []Entry{
			{Word: "你好", Code: "nihk", Weight: 100},
			{Word: "时间", Code: "ujqc", Weight: 101},
		},
	}

	parsed, err := Parse(Render(table))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if parsed.Name != "keytao" || parsed.Version != "2026.08.30" {
		t.Fatalf("header mismatch: %+v", parsed)
	}
	if len(parsed.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(parsed.Entries))
	}
	if parsed.Entries[0] != table.Entries[0] {
		t.Fatalf("entry mismatch: %+v", parsed.Entries[0])
	}
}

func TestParseSkipsCommentsAndTolerantWeights(t *testing.T) {
	text := "# Rime dictionary\n---\nname: demo\nversion: \"1\"\nsort: original\n...\n你好\tnihk\t100\n裸词\tluoc\n"
	table, err := Parse(text)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(table.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(table.Entries))
	}
	if table.Entries[1].Weight != 0 {
		t.Fatalf("expected missing weight to default to 0, got %d", table.Entries[1].Weight)
	}
}

func TestParseRejectsMalformedEntry(t *testing.T) {
	if _, err := Parse("---\nname: demo\n...\nnotabshere\n"); err == nil {
		t.Fatal("expected error for entry without tabs")
	}
	if _, err := Parse("---\nname: demo\n...\n你好\tnihk\tabc\n"); err == nil {
		t.Fatal("expected error for non-numeric weight")
	}
}

func TestDiffEntries(t *testing.T) {
	from := Table{Entries: []Entry{
		{Word: "你好", Code: "nihk", Weight: 100},
		{Word: "旧词", Code: "jiuc", Weight: 50},
	}}
	to := Table{Entries: []Entry{
		{Word: "你好", Code: "nihk", Weight: 120},
		{Word: "新词", Code: "xinc", Weight: 100},
	}}

	changes := DiffEntries(from, to)
	if len(changes) != 3 {
		t.Fatalf("expected 3 changes, got %d: %+v", len(changes), changes)
	}

	byKind := map[string]EntryChange{}
	for _, change := range changes {
		byKind[change.Kind] = change
	}
	if byKind["added"].Word != "新词" {
		t.Fatalf("unexpected added change: %+v", byKind["added"])
	}
	if byKind["removed"].Word != "旧词" {
		t.Fatalf("unexpected removed change: %+v", byKind["removed"])
	}
	if byKind["reweighted"].Before != 100 || byKind["reweighted"].After != 120 {
		t.Fatalf("unexpected reweighted change: %+v", byKind["reweighted"])
	}

	if !HasChanges(from, to) {
		t.Fatal("expected HasChanges to report differences")
	}
	if HasChanges(from, from) {
		t.Fatal("expected no changes for identical tables")
	}
}
