package conflict

import (
	"context"
	"errors"
)

// memFinder is an in-memory PhraseFinder over a fixed snapshot.
type memFinder struct {
	phrases []Phrase
}

func (f *memFinder) FindPhrase(_ context.Context, word, code string, excludeID int64) (*Phrase, error) {
	for _, phrase := range f.phrases {
		if excludeID != 0 && phrase.ID == excludeID {
			continue
		}
		if phrase.Word == word && phrase.Code == code {
			match := phrase
			return &match, nil
		}
	}
	return nil, nil
}

func (f *memFinder) FindCodeOccupant(_ context.Context, code, word string, excludeID int64) (*Phrase, error) {
	for _, phrase := range f.phrases {
		if excludeID != 0 && phrase.ID == excludeID {
			continue
		}
		if phrase.Code == code && phrase.Word != word {
			match := phrase
			return &match, nil
		}
	}
	return nil, nil
}

func (f *memFinder) FindWordElsewhere(_ context.Context, word, code string, excludeID int64) (*Phrase, error) {
	for _, phrase := range f.phrases {
		if excludeID != 0 && phrase.ID == excludeID {
			continue
		}
		if phrase.Word == word && phrase.Code != code {
			match := phrase
			return &match, nil
		}
	}
	return nil, nil
}

func (f *memFinder) PhrasesByCode(_ context.Context, code string) ([]Phrase, error) {
	var matches []Phrase
	for _, phrase := range f.phrases {
		if phrase.Code == code {
			matches = append(matches, phrase)
		}
	}
	return matches, nil
}

func (f *memFinder) CountByCode(_ context.Context, code string) (int, error) {
	count := 0
	for _, phrase := range f.phrases {
		if phrase.Code == code {
			count++
		}
	}
	return count, nil
}

var errStoreDown = errors.New("store down")

// failingFinder returns an error from every lookup.
type failingFinder struct{}

func (failingFinder) FindPhrase(context.Context, string, string, int64) (*Phrase, error) {
	return nil, errStoreDown
}

func (failingFinder) FindCodeOccupant(context.Context, string, string, int64) (*Phrase, error) {
	return nil, errStoreDown
}

func (failingFinder) FindWordElsewhere(context.Context, string, string, int64) (*Phrase, error) {
	return nil, errStoreDown
}

func (failingFinder) PhrasesByCode(context.Context, string) ([]Phrase, error) {
	return nil, errStoreDown
}

func (failingFinder) CountByCode(context.Context, string) (int, error) {
	return 0, errStoreDown
}

func intPtr(v int) *int { return &v }

func typePtr(t PhraseType) *PhraseType { return &t }
