package core

type Result struct {
	ID       string
	Override bool
	State    TriState
}

// Combine reduces ordered control results to a visibility decision. An
// override voting true hides the block outright. Otherwise NotApplicable
// results are dropped and the remaining votes must all be true; with no
// votes left the block is visible.
func Combine(results []Result) bool {
	visible := true
	for _, result := range results {
		if result.Override {
			if result.State == ApplicableTrue {
				return false
			}
			continue
		}
		if result.State == ApplicableFalse {
			visible = false
		}
	}
	return visible
}
