package conflict

import "context"

// WeightCalculator predicts the weight a Create will be assigned once the
// earlier batch operations are applied, without mutating the store.
type WeightCalculator struct {
	store       PhraseFinder
	baseWeights map[PhraseType]int
}

func NewWeightCalculator(store PhraseFinder, baseWeights map[PhraseType]int) *WeightCalculator {
	if baseWeights == nil {
		baseWeights = DefaultBaseWeights
	}
	return &WeightCalculator{store: store, baseWeights: baseWeights}
}

// weightSim is the local replay state for one code: the set of occupied
// weight slots and which word holds which slot. Threading it through the
// replay loop keeps the simulation free of shared mutable state.
type weightSim struct {
	occupied     map[int]struct{}
	wordToWeight map[string]int
}

func newWeightSim(existing []Phrase) *weightSim {
	sim := &weightSim{
		occupied:     make(map[int]struct{}, len(existing)),
		wordToWeight: make(map[string]int, len(existing)),
	}
	for _, phrase := range existing {
		sim.occupied[phrase.Weight] = struct{}{}
		sim.wordToWeight[phrase.Word] = phrase.Weight
	}
	return sim
}

func (s *weightSim) has(word string) bool {
	_, ok := s.wordToWeight[word]
	return ok
}

// occupy claims the next slot for word: one past the highest occupied
// weight, but never below baseWeight.
func (s *weightSim) occupy(word string, baseWeight int) {
	next := s.maxOccupied(baseWeight-1) + 1
	s.occupied[next] = struct{}{}
	s.wordToWeight[word] = next
}

// free releases word's slot, if it holds one.
func (s *weightSim) free(word string) {
	if weight, ok := s.wordToWeight[word]; ok {
		delete(s.occupied, weight)
		delete(s.wordToWeight, word)
	}
}

// rename moves a slot from oldWord to newWord. A rename neither frees nor
// claims a slot.
func (s *weightSim) rename(oldWord, newWord string) {
	if weight, ok := s.wordToWeight[oldWord]; ok {
		delete(s.wordToWeight, oldWord)
		s.wordToWeight[newWord] = weight
	}
}

// maxOccupied returns the highest occupied weight, or floor when none is
// higher.
func (s *weightSim) maxOccupied(floor int) int {
	max := floor
	for weight := range s.occupied {
		if weight > max {
			max = weight
		}
	}
	return max
}

// next is the slot the next entry lands on: one past the highest occupied
// weight regardless of the base.
func (s *weightSim) next() int {
	max := 0
	first := true
	for weight := range s.occupied {
		if first || weight > max {
			max = weight
			first = false
		}
	}
	return max + 1
}

func (s *weightSim) empty() bool {
	return len(s.occupied) == 0
}

// Calculate replays every other same-code item in batch order over the
// store's current slots for item's code and returns the final weight the
// item would land on: Creates before the item claim new slots, Deletes
// anywhere free slots, Changes move a slot between words.
func (c *WeightCalculator) Calculate(ctx context.Context, item BatchItem, items []BatchItem, current int) (int, error) {
	if item.Type == nil {
		if item.Weight != nil {
			return *item.Weight, nil
		}
		return 0, nil
	}

	// Re-adding an identical, unmodified phrase is idempotent on weight.
	if item.Action == ActionCreate {
		existing, err := c.store.FindPhrase(ctx, item.Word, item.Code, item.PhraseID)
		if err != nil {
			return 0, err
		}
		if existing != nil && !retargetedEarlier(items, current, item) {
			return existing.Weight, nil
		}
	}

	baseWeight := c.baseWeights[*item.Type]

	siblings, err := c.store.PhrasesByCode(ctx, item.Code)
	if err != nil {
		return 0, err
	}
	sim := newWeightSim(siblings)

	for i, other := range items {
		if i == current || other.Code != item.Code {
			continue
		}
		switch other.Action {
		case ActionCreate:
			if i < current && !sim.has(other.Word) {
				sim.occupy(other.Word, baseWeight)
			}
		case ActionDelete:
			sim.free(other.Word)
		case ActionChange:
			sim.rename(other.OldWord, other.Word)
		}
	}

	if sim.empty() {
		return baseWeight, nil
	}
	return sim.next(), nil
}

// retargetedEarlier reports whether a Change before current moves the
// item's exact (word, code) pair away from its word.
func retargetedEarlier(items []BatchItem, current int, item BatchItem) bool {
	for i := 0; i < current && i < len(items); i++ {
		other := items[i]
		if other.Action == ActionChange && other.Code == item.Code && other.OldWord == item.Word {
			return true
		}
	}
	return false
}
