package conflict

import (
	"context"
	"fmt"
)

// Engine orchestrates the duplicate checker, the single-change detector and
// the weight calculator per item, then runs a second pass that detects
// whether another operation in the batch neutralizes an item's conflict.
type Engine struct {
	detector *Detector
	weights  *WeightCalculator
}

func NewEngine(store PhraseFinder, baseWeights map[PhraseType]int) *Engine {
	return &Engine{
		detector: NewDetector(store),
		weights:  NewWeightCalculator(store, baseWeights),
	}
}

// CheckBatch returns one result per input item, in input order, keyed by the
// item's id. A store access failure aborts the whole batch check.
func (e *Engine) CheckBatch(ctx context.Context, items []BatchItem) ([]BatchResult, error) {
	results := make([]BatchResult, len(items))

	for i, item := range items {
		result, err := e.checkItem(ctx, item, items, i)
		if err != nil {
			return nil, err
		}
		results[i] = result
	}

	deleteMap, changeMap := buildIndexMaps(items)
	return resolveBatch(items, results, deleteMap, changeMap), nil
}

// checkItem is pass 1 for a single item: in-batch duplicate check, then the
// detector, then the weight calculation for typed Creates.
func (e *Engine) checkItem(ctx context.Context, item BatchItem, items []BatchItem, index int) (BatchResult, error) {
	if dup := CheckBatchDuplicates(items, index); dup.HasDuplicate {
		position := dup.DuplicateIndex + 1
		impact := fmt.Sprintf("与本批次第 %d 项重复：同样新增「%s」（%s）", position, item.Word, item.Code)
		return BatchResult{
			ID: item.ID,
			Conflict: ConflictInfo{
				HasConflict: true,
				Code:        item.Code,
				Impact:      impact,
				Suggestions: []Suggestion{{
					Action: SuggestCancel,
					Word:   item.Word,
					Reason: fmt.Sprintf("请删除本项或第 %d 项，两者完全相同", position),
				}},
			},
		}, nil
	}

	info, err := e.detector.Check(ctx, item)
	if err != nil {
		return BatchResult{}, err
	}

	result := BatchResult{ID: item.ID, Conflict: info}

	if item.Action == ActionCreate && item.Type != nil {
		weight, err := e.weights.Calculate(ctx, item, items, index)
		if err != nil {
			return BatchResult{}, err
		}
		result.CalculatedWeight = &weight
		// Append to the detector's impact so the warning kind (duplicate code,
		// multi-code word, or both folded together) survives the rewrite.
		if !info.HasConflict && info.CurrentPhrase != nil {
			result.Conflict.Impact = fmt.Sprintf("%s，合并后权重为 %d", info.Impact, weight)
		}
	}

	return result, nil
}

// opRef points back at the batch operation that owns a lookup-map slot.
type opRef struct {
	index int
	item  BatchItem
}

// buildIndexMaps collects every Delete keyed by its (code, word) target and
// every Change keyed by its (code, oldWord) source, in one pass.
func buildIndexMaps(items []BatchItem) (deleteMap, changeMap map[string]opRef) {
	deleteMap = make(map[string]opRef)
	changeMap = make(map[string]opRef)
	for i, item := range items {
		switch item.Action {
		case ActionDelete:
			key := occupantKey(item.Code, item.Word)
			if _, seen := deleteMap[key]; !seen {
				deleteMap[key] = opRef{index: i, item: item}
			}
		case ActionChange:
			key := occupantKey(item.Code, item.OldWord)
			if _, seen := changeMap[key]; !seen {
				changeMap[key] = opRef{index: i, item: item}
			}
		case ActionCreate:
		}
	}
	return deleteMap, changeMap
}

func occupantKey(code, word string) string {
	return code + ":" + word
}

// resolveBatch is pass 2: a pure transform from the pass-1 results plus the
// two lookup maps. For every result whose conflict names an occupant, a
// Delete elsewhere in the batch removes the occupant and resolves the
// conflict outright; a Change does the same for Change/Delete items, but for
// a Create it only renames the occupant — the code stays taken.
func resolveBatch(items []BatchItem, results []BatchResult, deleteMap, changeMap map[string]opRef) []BatchResult {
	resolved := make([]BatchResult, len(results))
	for i, result := range results {
		resolved[i] = result
		if result.Conflict.CurrentPhrase == nil {
			continue
		}

		key := occupantKey(items[i].Code, result.Conflict.CurrentPhrase.Word)

		if ref, ok := deleteMap[key]; ok && ref.index != i {
			resolved[i] = markResolved(result, ref, i, "删除")
			continue
		}

		if ref, ok := changeMap[key]; ok && ref.index != i {
			if items[i].Action == ActionCreate {
				resolved[i] = renameOccupant(result, ref, i)
			} else {
				resolved[i] = markResolved(result, ref, i, "修改")
			}
		}
	}
	return resolved
}

// markResolved rewrites a result whose occupant is removed by another batch
// step. The whole batch applies as one transaction, so a resolver after the
// item counts too; only the phrasing distinguishes the direction.
func markResolved(result BatchResult, ref opRef, index int, verb string) BatchResult {
	position := ref.index + 1
	phrasing := "已由"
	if ref.index > index {
		phrasing = "将由"
	}

	weightText := "未计算"
	if result.CalculatedWeight != nil {
		weightText = fmt.Sprintf("%d", *result.CalculatedWeight)
	}

	out := result
	out.Conflict.HasConflict = false
	out.Conflict.Impact = fmt.Sprintf("冲突%s第 %d 项%s「%s」解除，合并后权重：%s",
		phrasing, position, verb, ref.resolvedWord(), weightText)
	out.Conflict.Suggestions = []Suggestion{{
		Action: SuggestResolved,
		Word:   ref.resolvedWord(),
		Reason: fmt.Sprintf("第 %d 项%s了占用该编码的「%s」", position, verb, ref.resolvedWord()),
	}}
	return out
}

// renameOccupant handles a Create whose occupant is renamed by a Change
// elsewhere in the batch: the old word is released but the code remains
// occupied by the new word, so the duplicate-code warning stays — only the
// occupant shown to the user changes.
func renameOccupant(result BatchResult, ref opRef, index int) BatchResult {
	position := ref.index + 1
	newWord := ref.item.Word

	out := result
	phrase := *result.Conflict.CurrentPhrase
	phrase.Word = newWord
	out.Conflict.CurrentPhrase = &phrase

	weightNote := ""
	if result.CalculatedWeight != nil {
		weightNote = fmt.Sprintf("，合并后权重为 %d", *result.CalculatedWeight)
	}
	out.Conflict.Impact = fmt.Sprintf("第 %d 项将「%s」改为「%s」，编码 %s 仍被占用，新增后依然重码%s",
		position, result.Conflict.CurrentPhrase.Word, newWord, out.Conflict.Code, weightNote)

	suggestions := make([]Suggestion, 0, len(result.Conflict.Suggestions))
	for _, suggestion := range result.Conflict.Suggestions {
		updated := suggestion
		if suggestion.Action == SuggestMove {
			updated.Word = newWord
			updated.Reason = fmt.Sprintf("可将改名后的词条「%s」移动到空闲编码 %s", newWord, suggestion.ToCode)
		}
		suggestions = append(suggestions, updated)
	}
	out.Conflict.Suggestions = suggestions
	return out
}

// resolvedWord is the occupant name a resolver step frees or targets.
func (ref opRef) resolvedWord() string {
	if ref.item.Action == ActionChange {
		return ref.item.OldWord
	}
	return ref.item.Word
}
