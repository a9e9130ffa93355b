package studies

import (
	"errors"
	"fmt"
)

// ErrInvalidState indicates a stored flag combination that is not a reachable study state.
var ErrInvalidState = errors.New("studies: invalid study state")

// StudyState is the lifecycle state derived from a study's flags.
type StudyState int

const (
	// StudyStateAvailable is a synced study that is not part of the repertoire.
	StudyStateAvailable StudyState = iota + 1
	// StudyStateHidden is an unincluded study whose remote changes are ignored.
	StudyStateHidden
	// StudyStateIncluded is a study contributing moves to the repertoire.
	StudyStateIncluded
	// StudyStateRemovedOnRemote is an included study the remote no longer reports.
	StudyStateRemovedOnRemote
)

func (state StudyState) String() string {
	switch state {
	case StudyStateAvailable:
		return "available"
	case StudyStateHidden:
		return "hidden"
	case StudyStateIncluded:
		return "included"
	case StudyStateRemovedOnRemote:
		return "removed_on_remote"
	default:
		return "unknown"
	}
}

// IsIncluded reports whether the state owns repertoire edges.
func (state StudyState) IsIncluded() bool {
	return state == StudyStateIncluded || state == StudyStateRemovedOnRemote
}

// State derives the lifecycle state and rejects unreachable flag combinations.
func (study Study) State() (StudyState, error) {
	switch {
	case study.Included && study.Hidden:
		return 0, fmt.Errorf("%w: study %s is both hidden and included", ErrInvalidState, study.ID)
	case study.RemovedOnRemote && !study.Included:
		return 0, fmt.Errorf("%w: study %s removed on remote without being included", ErrInvalidState, study.ID)
	case study.Included && study.RemovedOnRemote:
		return StudyStateRemovedOnRemote, nil
	case study.Included:
		return StudyStateIncluded, nil
	case study.Hidden:
		return StudyStateHidden, nil
	default:
		return StudyStateAvailable, nil
	}
}

func (study *Study) applyState(state StudyState) {
	study.Included = state.IsIncluded()
	study.Hidden = state == StudyStateHidden
	study.RemovedOnRemote = state == StudyStateRemovedOnRemote
}
