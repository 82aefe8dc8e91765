package conflict

// DuplicateCheck reports whether an earlier item in the batch proposes the
// same creation. DuplicateIndex is the earliest matching index, or -1.
type DuplicateCheck struct {
	HasDuplicate   bool
	DuplicateIndex int
}

// CheckBatchDuplicates flags a Create whose (code, word) pair was already
// proposed by an earlier Create in the same batch. Only Create items
// duplicate-check; Change and Delete never do.
func CheckBatchDuplicates(items []BatchItem, current int) DuplicateCheck {
	if current < 0 || current >= len(items) {
		return DuplicateCheck{DuplicateIndex: -1}
	}
	item := items[current]
	if item.Action != ActionCreate {
		return DuplicateCheck{DuplicateIndex: -1}
	}
	for i := 0; i < current; i++ {
		earlier := items[i]
		if earlier.Action == ActionCreate && earlier.Code == item.Code && earlier.Word == item.Word {
			return DuplicateCheck{HasDuplicate: true, DuplicateIndex: i}
		}
	}
	return DuplicateCheck{DuplicateIndex: -1}
}
