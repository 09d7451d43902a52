package tagstate

import (
	"sort"
	"testing"
)

func sorted(ss []string) []string {
	out := append([]string{}, ss...)
	sort.Strings(out)
	return out
}

func equalSets(a, b []string) bool {
	a, b = sorted(a), sorted(b)
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestApplyErrorKeepTriggerMatchesClassification(t *testing.T) {
	t.Parallel()
	names := DefaultNames()

	transient := ApplyError(names, true)
	if !contains(transient.Add, names.Trigger) {
		t.Error("ApplyError(keepTrigger=true) did not add trigger tag")
	}

	permanent := ApplyError(names, false)
	if !contains(permanent.Remove, names.Trigger) {
		t.Error("ApplyError(keepTrigger=false) did not remove trigger tag")
	}
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

func TestProcessingThenDoneLeavesOnlyDone(t *testing.T) {
	t.Parallel()
	names := DefaultNames()

	startingSets := [][]string{
		nil,
		{names.Trigger},
		{names.Trigger, names.Error},
		{names.Done},
	}

	for _, start := range startingSets {
		after := Apply(start, ApplyProcessing(names))
		after = Apply(after, ApplyDone(names))
		if !equalSets(after, []string{names.Done}) {
			t.Errorf("starting from %v, apply_processing then apply_done = %v, want [%s]", start, after, names.Done)
		}
	}
}

func TestShouldProcessEligibility(t *testing.T) {
	t.Parallel()
	names := DefaultNames()

	tests := []struct {
		name    string
		tags    []string
		require bool
		want    bool
	}{
		{"done present blocks", []string{names.Done}, false, false},
		{"done present blocks even with trigger", []string{names.Done, names.Trigger}, true, false},
		{"require trigger absent blocks", []string{}, true, false},
		{"require trigger present allows", []string{names.Trigger}, true, true},
		{"no requirement, no tags allows", []string{}, false, true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := Config{Names: names, RequireTriggerTag: tt.require}
			if got := ShouldProcess(tt.tags, cfg); got != tt.want {
				t.Errorf("ShouldProcess(%v, require=%v) = %v, want %v", tt.tags, tt.require, got, tt.want)
			}
		})
	}
}

func TestApplyProcessingClearsTerminalTags(t *testing.T) {
	t.Parallel()
	names := DefaultNames()
	start := []string{names.Done, names.Error, names.Trigger}
	after := Apply(start, ApplyProcessing(names))
	if !equalSets(after, []string{names.Processing}) {
		t.Errorf("Apply(apply_processing) = %v, want [%s]", after, names.Processing)
	}
}
