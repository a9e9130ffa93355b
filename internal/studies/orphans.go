package studies

import "sort"

// DetectOrphans returns the moves left without owners once studyID is detached.
// owners maps each move id to its full current owner set.
func DetectOrphans(studyID string, owners map[string][]string) []string {
	orphans := make([]string, 0)
	for moveID, moveOwners := range owners {
		if !hasOtherOwner(studyID, moveOwners) {
			orphans = append(orphans, moveID)
		}
	}
	sort.Strings(orphans)
	return orphans
}

func hasOtherOwner(studyID string, owners []string) bool {
	for _, owner := range owners {
		if owner != studyID {
			return true
		}
	}
	return false
}
