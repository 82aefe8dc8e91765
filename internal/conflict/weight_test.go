package conflict

import (
	"context"
	"testing"
)

func TestCalculateWithoutTypeReturnsExplicitWeight(t *testing.T) {
	calc := NewWeightCalculator(&memFinder{}, nil)
	item := BatchItem{ID: "1", Action: ActionCreate, Word: "词", Code: "abc", Weight: intPtr(42)}
	weight, err := calc.Calculate(context.Background(), item, []BatchItem{item}, 0)
	if err != nil {
		t.Fatalf("Calculate failed: %v", err)
	}
	if weight != 42 {
		t.Fatalf("weight = %d, want 42", weight)
	}

	item.Weight = nil
	weight, err = calc.Calculate(context.Background(), item, []BatchItem{item}, 0)
	if err != nil {
		t.Fatalf("Calculate failed: %v", err)
	}
	if weight != 0 {
		t.Fatalf("weight = %d, want 0", weight)
	}
}

func TestCalculateMonotonicGrowthOnEmptyCode(t *testing.T) {
	calc := NewWeightCalculator(&memFinder{}, map[PhraseType]int{TypePhrase: 100})
	items := []BatchItem{
		{ID: "a", Action: ActionCreate, Word: "一", Code: "c", Type: typePtr(TypePhrase)},
		{ID: "b", Action: ActionCreate, Word: "二", Code: "c", Type: typePtr(TypePhrase)},
		{ID: "c", Action: ActionCreate, Word: "三", Code: "c", Type: typePtr(TypePhrase)},
	}
	want := []int{100, 101, 102}
	for i, item := range items {
		weight, err := calc.Calculate(context.Background(), item, items, i)
		if err != nil {
			t.Fatalf("Calculate item %d failed: %v", i, err)
		}
		if weight != want[i] {
			t.Fatalf("item %d weight = %d, want %d", i, weight, want[i])
		}
	}
}

func TestCalculateAppendsAfterDelete(t *testing.T) {
	// Freed slots are not reused; new entries append past the remaining max.
	calc := NewWeightCalculator(&memFinder{phrases: []Phrase{
		{ID: 1, Word: "甲", Code: "c", Weight: 100},
		{ID: 2, Word: "乙", Code: "c", Weight: 101},
		{ID: 3, Word: "丙", Code: "c", Weight: 102},
	}}, map[PhraseType]int{TypePhrase: 100})
	items := []BatchItem{
		{ID: "del", Action: ActionDelete, Word: "甲", Code: "c"},
		{ID: "new", Action: ActionCreate, Word: "丁", Code: "c", Type: typePtr(TypePhrase)},
	}
	weight, err := calc.Calculate(context.Background(), items[1], items, 1)
	if err != nil {
		t.Fatalf("Calculate failed: %v", err)
	}
	if weight != 103 {
		t.Fatalf("weight = %d, want 103", weight)
	}
}

func TestCalculateIdempotentForExistingPair(t *testing.T) {
	calc := NewWeightCalculator(&memFinder{phrases: []Phrase{
		{ID: 1, Word: "词", Code: "c", Weight: 77, Type: TypePhrase},
	}}, map[PhraseType]int{TypePhrase: 100})
	item := BatchItem{ID: "1", Action: ActionCreate, Word: "词", Code: "c", Type: typePtr(TypePhrase)}
	weight, err := calc.Calculate(context.Background(), item, []BatchItem{item}, 0)
	if err != nil {
		t.Fatalf("Calculate failed: %v", err)
	}
	if weight != 77 {
		t.Fatalf("re-adding an identical pair should keep weight 77, got %d", weight)
	}
}

func TestCalculateNotIdempotentWhenEarlierChangeRetargets(t *testing.T) {
	calc := NewWeightCalculator(&memFinder{phrases: []Phrase{
		{ID: 1, Word: "词", Code: "c", Weight: 77, Type: TypePhrase},
	}}, map[PhraseType]int{TypePhrase: 100})
	items := []BatchItem{
		{ID: "chg", Action: ActionChange, OldWord: "词", Word: "别词", Code: "c"},
		{ID: "new", Action: ActionCreate, Word: "词", Code: "c", Type: typePtr(TypePhrase)},
	}
	weight, err := calc.Calculate(context.Background(), items[1], items, 1)
	if err != nil {
		t.Fatalf("Calculate failed: %v", err)
	}
	// The rename keeps slot 77 occupied (now by 别词), so the new entry
	// appends past it instead of inheriting 77.
	if weight != 78 {
		t.Fatalf("weight = %d, want 78", weight)
	}
}

func TestCalculateChangeKeepsSlotOccupied(t *testing.T) {
	calc := NewWeightCalculator(&memFinder{phrases: []Phrase{
		{ID: 1, Word: "甲", Code: "c", Weight: 200},
	}}, map[PhraseType]int{TypePhrase: 100})
	items := []BatchItem{
		{ID: "chg", Action: ActionChange, OldWord: "甲", Word: "乙", Code: "c"},
		{ID: "new", Action: ActionCreate, Word: "丙", Code: "c", Type: typePtr(TypePhrase)},
	}
	weight, err := calc.Calculate(context.Background(), items[1], items, 1)
	if err != nil {
		t.Fatalf("Calculate failed: %v", err)
	}
	if weight != 201 {
		t.Fatalf("weight = %d, want 201 (rename must not free the slot)", weight)
	}
}

func TestCalculateIgnoresOtherCodes(t *testing.T) {
	calc := NewWeightCalculator(&memFinder{phrases: []Phrase{
		{ID: 1, Word: "甲", Code: "x", Weight: 900},
	}}, map[PhraseType]int{TypePhrase: 100})
	items := []BatchItem{
		{ID: "other", Action: ActionCreate, Word: "乙", Code: "x", Type: typePtr(TypePhrase)},
		{ID: "new", Action: ActionCreate, Word: "丙", Code: "c", Type: typePtr(TypePhrase)},
	}
	weight, err := calc.Calculate(context.Background(), items[1], items, 1)
	if err != nil {
		t.Fatalf("Calculate failed: %v", err)
	}
	if weight != 100 {
		t.Fatalf("weight = %d, want base 100", weight)
	}
}
