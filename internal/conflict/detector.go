package conflict

import (
	"context"
	"fmt"
)

// altCodeVowels are appended to a code, in this order, when hunting for a
// free alternative. The last candidate doubles the code's final character.
var altCodeVowels = []string{"a", "i", "o", "u", "v"}

// Detector classifies a single proposed operation against current store
// state: conflict-free, soft conflict (duplicate code, allowed with warning)
// or hard conflict (blocking).
type Detector struct {
	store PhraseFinder
}

func NewDetector(store PhraseFinder) *Detector {
	return &Detector{store: store}
}

// Check runs the per-action conflict rules. Business-rule violations come
// back as a structured ConflictInfo, never as an error; errors are reserved
// for store access failures.
func (d *Detector) Check(ctx context.Context, item BatchItem) (ConflictInfo, error) {
	switch item.Action {
	case ActionChange:
		return d.checkChange(ctx, item)
	case ActionDelete:
		return d.checkDelete(ctx, item)
	case ActionCreate:
		return d.checkCreate(ctx, item)
	default:
		return hardConflict(item, fmt.Sprintf("未知的操作类型 %q", item.Action)), nil
	}
}

func (d *Detector) checkChange(ctx context.Context, item BatchItem) (ConflictInfo, error) {
	if item.OldWord == "" {
		return hardConflict(item, "修改操作缺少原词"), nil
	}

	old, err := d.store.FindPhrase(ctx, item.OldWord, item.Code, item.PhraseID)
	if err != nil {
		return ConflictInfo{}, err
	}
	if old == nil {
		return hardConflict(item, fmt.Sprintf("编码 %s 上不存在词条「%s」，无法修改", item.Code, item.OldWord)), nil
	}

	if item.Word != item.OldWord {
		dup, err := d.store.FindPhrase(ctx, item.Word, item.Code, item.PhraseID)
		if err != nil {
			return ConflictInfo{}, err
		}
		if dup != nil {
			info := hardConflict(item, fmt.Sprintf("编码 %s 上已存在词条「%s」，改名会产生完全重复的词条", item.Code, item.Word))
			info.CurrentPhrase = dup
			return info, nil
		}
	}

	return ConflictInfo{Code: item.Code, CurrentPhrase: old}, nil
}

func (d *Detector) checkDelete(ctx context.Context, item BatchItem) (ConflictInfo, error) {
	target, err := d.store.FindPhrase(ctx, item.Word, item.Code, item.PhraseID)
	if err != nil {
		return ConflictInfo{}, err
	}
	if target == nil {
		return hardConflict(item, fmt.Sprintf("编码 %s 上不存在词条「%s」，无法删除", item.Code, item.Word)), nil
	}
	return ConflictInfo{Code: item.Code, CurrentPhrase: target}, nil
}

func (d *Detector) checkCreate(ctx context.Context, item BatchItem) (ConflictInfo, error) {
	exact, err := d.store.FindPhrase(ctx, item.Word, item.Code, item.PhraseID)
	if err != nil {
		return ConflictInfo{}, err
	}
	if exact != nil {
		info := hardConflict(item, fmt.Sprintf("词条「%s」（%s）已存在，不允许完全重复", item.Word, item.Code))
		info.CurrentPhrase = exact
		return info, nil
	}

	codeOccupant, err := d.store.FindCodeOccupant(ctx, item.Code, item.Word, item.PhraseID)
	if err != nil {
		return ConflictInfo{}, err
	}
	wordElsewhere, err := d.store.FindWordElsewhere(ctx, item.Word, item.Code, item.PhraseID)
	if err != nil {
		return ConflictInfo{}, err
	}

	// Duplicate codes and multi-code words are both permitted; the caller is
	// only warned. When both apply, the code collision is primary and the
	// word collision rides along in the impact text.
	if codeOccupant != nil {
		impact := fmt.Sprintf("与「%s」重码（%s），新词条将按权重排序", codeOccupant.Word, item.Code)
		if wordElsewhere != nil {
			impact += fmt.Sprintf("；另外「%s」已有编码 %s（一词多码）", item.Word, wordElsewhere.Code)
		}
		suggestions, err := d.buildSuggestions(ctx, codeOccupant, item)
		if err != nil {
			return ConflictInfo{}, err
		}
		return ConflictInfo{
			Code:          item.Code,
			CurrentPhrase: codeOccupant,
			Impact:        impact,
			Suggestions:   suggestions,
		}, nil
	}

	if wordElsewhere != nil {
		return ConflictInfo{
			Code:          item.Code,
			CurrentPhrase: wordElsewhere,
			Impact:        fmt.Sprintf("「%s」已有编码 %s，再添加编码 %s 将成为一词多码", item.Word, wordElsewhere.Code, item.Code),
		}, nil
	}

	return ConflictInfo{Code: item.Code}, nil
}

// buildSuggestions aids a Create that collides on code: try to relocate the
// existing occupant, then the proposed word, and finally note when the
// occupant outranks the proposal. Heuristic only, not exhaustive.
func (d *Detector) buildSuggestions(ctx context.Context, occupant *Phrase, item BatchItem) ([]Suggestion, error) {
	var suggestions []Suggestion

	moveTo, err := d.firstFreeAltCode(ctx, occupant.Code)
	if err != nil {
		return nil, err
	}
	if moveTo != "" {
		suggestions = append(suggestions, Suggestion{
			Action:   SuggestMove,
			Word:     occupant.Word,
			FromCode: occupant.Code,
			ToCode:   moveTo,
			Reason:   fmt.Sprintf("可将现有词条「%s」移动到空闲编码 %s", occupant.Word, moveTo),
		})
	}

	adjustTo, err := d.firstFreeAltCode(ctx, item.Code)
	if err != nil {
		return nil, err
	}
	if adjustTo != "" {
		suggestions = append(suggestions, Suggestion{
			Action:   SuggestAdjust,
			Word:     item.Word,
			FromCode: item.Code,
			ToCode:   adjustTo,
			Reason:   fmt.Sprintf("可将新词条「%s」改用空闲编码 %s", item.Word, adjustTo),
		})
	}

	proposed := 0
	if item.Weight != nil {
		proposed = *item.Weight
	}
	if occupant.Weight > proposed {
		suggestions = append(suggestions, Suggestion{
			Action: SuggestCancel,
			Word:   item.Word,
			Reason: fmt.Sprintf("现有词条「%s」权重 %d 高于新词条权重 %d，建议保留现有词条", occupant.Word, occupant.Weight, proposed),
		})
	}

	return suggestions, nil
}

// firstFreeAltCode returns the first alternative code nobody uses, or ""
// when every candidate is taken.
func (d *Detector) firstFreeAltCode(ctx context.Context, code string) (string, error) {
	for _, candidate := range altCodes(code) {
		count, err := d.store.CountByCode(ctx, candidate)
		if err != nil {
			return "", err
		}
		if count == 0 {
			return candidate, nil
		}
	}
	return "", nil
}

// altCodes generates candidate codes by appending each vowel and then a
// duplicate of the last character, in that fixed order.
func altCodes(code string) []string {
	candidates := make([]string, 0, len(altCodeVowels)+1)
	for _, vowel := range altCodeVowels {
		candidates = append(candidates, code+vowel)
	}
	if code != "" {
		runes := []rune(code)
		candidates = append(candidates, code+string(runes[len(runes)-1]))
	}
	return candidates
}

func hardConflict(item BatchItem, impact string) ConflictInfo {
	return ConflictInfo{
		HasConflict: true,
		Code:        item.Code,
		Impact:      impact,
		Suggestions: []Suggestion{{
			Action: SuggestCancel,
			Word:   item.Word,
			Reason: impact,
		}},
	}
}
