package dictrepo

import (
	"bufio"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Entry is one line of a Rime dictionary table.
type Entry struct {
	Word   string `json:"word"`
	Code   string `json:"code"`
	Weight int    `json:"weight"`
}

// Table is a full dictionary file: the YAML header plus the entry lines.
type Table struct {
	Name    string  `json:"name"`
	Version string  `json:"version"`
	Entries []Entry `json:"entries"`
}

// Render produces the canonical .dict.yaml text for a table. Entries are
// sorted by code, then descending weight, then word, so the same table
// always renders to the same bytes and git diffs stay minimal.
func Render(table Table) string {
	entries := make([]Entry, len(table.Entries))
	copy(entries, table.Entries)
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Code != entries[j].Code {
			return entries[i].Code < entries[j].Code
		}
		if entries[i].Weight != entries[j].Weight {
			return entries[i].Weight > entries[j].Weight
		}
		return entries[i].Word < entries[j].Word
	})

	var builder strings.Builder
	builder.WriteString("# Rime dictionary\n")
	builder.WriteString("# encoding: utf-8\n")
	builder.WriteString("---\n")
	fmt.Fprintf(&builder, "name: %s\n", table.Name)
	fmt.Fprintf(&builder, "version: %q\n", table.Version)
	builder.WriteString("sort: by_weight\n")
	builder.WriteString("...\n")
	for _, entry := range entries {
		fmt.Fprintf(&builder, "%s\t%s\t%d\n", entry.Word, entry.Code, entry.Weight)
	}
	return builder.String()
}

// Parse reads a .dict.yaml back into a Table. Header lines between ---
// and ... carry name and version; everything after is word<TAB>code<TAB>weight.
func Parse(text string) (Table, error) {
	var table Table
	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	inHeader := false
	headerDone := false
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if strings.HasPrefix(line, "#") {
			continue
		}
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if !headerDone {
			if trimmed == "---" {
				inHeader = true
				continue
			}
			if trimmed == "..." {
				inHeader = false
				headerDone = true
				continue
			}
			if inHeader {
				key, value, found := strings.Cut(trimmed, ":")
				if !found {
					return Table{}, fmt.Errorf("line %d: malformed header line %q", lineNo, trimmed)
				}
				value = strings.TrimSpace(value)
				switch strings.TrimSpace(key) {
				case "name":
					table.Name = value
				case "version":
					if unquoted, err := strconv.Unquote(value); err == nil {
						value = unquoted
					}
					table.Version = value
				}
				continue
			}
		}

		fields := strings.Split(line, "\t")
		if len(fields) < 2 {
			return Table{}, fmt.Errorf("line %d: entry needs word and code, got %q", lineNo, line)
		}
		entry := Entry{Word: fields[0], Code: fields[1]}
		if len(fields) >= 3 && strings.TrimSpace(fields[2]) != "" {
			weight, err := strconv.Atoi(strings.TrimSpace(fields[2]))
			if err != nil {
				return Table{}, fmt.Errorf("line %d: bad weight %q: %w", lineNo, fields[2], err)
			}
			entry.Weight = weight
		}
		table.Entries = append(table.Entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return Table{}, fmt.Errorf("scan dictionary: %w", err)
	}
	return table, nil
}

// EntryChange is a single difference between two tables.
type EntryChange struct {
	Kind   string `json:"kind"` // added, removed, reweighted
	Word   string `json:"word"`
	Code   string `json:"code"`
	Before int    `json:"before,omitempty"`
	After  int    `json:"after,omitempty"`
}

// DiffEntries compares two tables by (word, code) pair and reports
// additions, removals, and weight changes, in render order.
func DiffEntries(from, to Table) []EntryChange {
	key := func(e Entry) string { return e.Code + "\t" + e.Word }

	before := make(map[string]Entry, len(from.Entries))
	for _, entry := range from.Entries {
		before[key(entry)] = entry
	}
	after := make(map[string]Entry, len(to.Entries))
	for _, entry := range to.Entries {
		after[key(entry)] = entry
	}

	changes := make([]EntryChange, 0)
	for k, entry := range after {
		old, existed := before[k]
		if !existed {
			changes = append(changes, EntryChange{Kind: "added", Word: entry.Word, Code: entry.Code, After: entry.Weight})
			continue
		}
		if old.Weight != entry.Weight {
			changes = append(changes, EntryChange{Kind: "reweighted", Word: entry.Word, Code: entry.Code, Before: old.Weight, After: entry.Weight})
		}
	}
	for k, entry := range before {
		if _, kept := after[k]; !kept {
			changes = append(changes, EntryChange{Kind: "removed", Word: entry.Word, Code: entry.Code, Before: entry.Weight})
		}
	}

	sort.SliceStable(changes, func(i, j int) bool {
		if changes[i].Code != changes[j].Code {
			return changes[i].Code < changes[j].Code
		}
		if changes[i].Word != changes[j].Word {
			return changes[i].Word < changes[j].Word
		}
		return changes[i].Kind < changes[j].Kind
	})
	return changes
}

// HasChanges reports whether two tables render differently.
func HasChanges(from, to Table) bool {
	return Render(from) != Render(to)
}
