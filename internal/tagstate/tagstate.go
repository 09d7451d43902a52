// Package tagstate encodes the legal tag transitions for the ticket-side
// state machine (TRIGGER/PROCESSING/DONE/ERROR) and the eligibility gate
// that decides whether a ticket should be processed at all.
package tagstate

// Names configures the four externalised tag values. All four are
// independently configurable per spec.
type Names struct {
	Trigger    string
	Processing string
	Done       string
	Error      string
}

// DefaultNames returns the conventional tag names.
func DefaultNames() Names {
	return Names{
		Trigger:    "pdf:sign",
		Processing: "pdf:processing",
		Done:       "pdf:signed",
		Error:      "pdf:error",
	}
}

// Transition is the add/remove set produced by an action.
type Transition struct {
	Add    []string
	Remove []string
}

// ApplyProcessing moves the ticket into PROCESSING, clearing every other
// terminal/trigger tag.
func ApplyProcessing(names Names) Transition {
	return Transition{
		Add:    []string{names.Processing},
		Remove: []string{names.Done, names.Error, names.Trigger},
	}
}

// ApplyDone moves the ticket into DONE.
func ApplyDone(names Names) Transition {
	return Transition{
		Add:    []string{names.Done},
		Remove: []string{names.Processing, names.Error, names.Trigger},
	}
}

// ApplyError moves the ticket into ERROR. keepTrigger must be true for
// Transient classifications and false for Permanent ones — the caller
// (the orchestrator) is the single place that decides this, per C6.
func ApplyError(names Names, keepTrigger bool) Transition {
	t := Transition{
		Add:    []string{names.Error},
		Remove: []string{names.Processing, names.Done},
	}
	if keepTrigger {
		t.Add = append(t.Add, names.Trigger)
	} else {
		t.Remove = append(t.Remove, names.Trigger)
	}
	return t
}

// Config is the subset of configuration ShouldProcess needs.
type Config struct {
	Names             Names
	RequireTriggerTag bool
}

// ShouldProcess implements the eligibility gate: false when DONE is
// present; false when a trigger tag is required but absent; true
// otherwise.
func ShouldProcess(currentTags []string, cfg Config) bool {
	set := toSet(currentTags)
	if _, done := set[cfg.Names.Done]; done {
		return false
	}
	if cfg.RequireTriggerTag {
		if _, trigger := set[cfg.Names.Trigger]; !trigger {
			return false
		}
	}
	return true
}

// Apply computes the resulting tag set after applying a Transition to a
// current set. Exposed mainly for tests that check round-trip properties.
func Apply(current []string, t Transition) []string {
	set := toSet(current)
	for _, r := range t.Remove {
		delete(set, r)
	}
	for _, a := range t.Add {
		set[a] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}

func toSet(tags []string) map[string]struct{} {
	set := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		set[t] = struct{}{}
	}
	return set
}
