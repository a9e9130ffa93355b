package studies

import (
	"errors"
	"testing"
)

func TestStudyStateDerivation(t *testing.T) {
	tests := []struct {
		name     string
		study    Study
		expected StudyState
		invalid  bool
	}{
		{name: "available", study: Study{}, expected: StudyStateAvailable},
		{name: "hidden", study: Study{Hidden: true}, expected: StudyStateHidden},
		{name: "included", study: Study{Included: true}, expected: StudyStateIncluded},
		{name: "removed-on-remote", study: Study{Included: true, RemovedOnRemote: true}, expected: StudyStateRemovedOnRemote},
		{name: "hidden-and-included", study: Study{Included: true, Hidden: true}, invalid: true},
		{name: "removed-without-inclusion", study: Study{RemovedOnRemote: true}, invalid: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state, err := tt.study.State()
			if tt.invalid {
				if !errors.Is(err, ErrInvalidState) {
					t.Fatalf("expected invalid state error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if state != tt.expected {
				t.Fatalf("expected %s, got %s", tt.expected, state)
			}
		})
	}
}

func TestApplyStateRoundTrips(t *testing.T) {
	for _, state := range []StudyState{StudyStateAvailable, StudyStateHidden, StudyStateIncluded, StudyStateRemovedOnRemote} {
		study := Study{}
		study.applyState(state)
		derived, err := study.State()
		if err != nil {
			t.Fatalf("state %s produced invalid flags: %v", state, err)
		}
		if derived != state {
			t.Fatalf("expected %s, got %s", state, derived)
		}
	}
}
