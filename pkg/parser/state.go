package parser

import (
	"encoding/json"
	"maps"

	"seasieve/pkg/errs"
)

// State is the resumable read state owned by a Parser. Position is the
// absolute stream offset of the first byte not yet consumed. Counters hold
// driver bookkeeping that must survive a restart.
type State struct {
	Position int64            `json:"position"`
	Counters map[string]int64 `json:"counters,omitempty"`
}

// Clone returns a deep copy.
func (s State) Clone() State {
	out := State{Position: s.Position}
	if s.Counters != nil {
		out.Counters = maps.Clone(s.Counters)
	}
	return out
}

// Counter returns a driver counter, zero when unset.
func (s State) Counter(key string) int64 {
	if s.Counters == nil {
		return 0
	}
	return s.Counters[key]
}

func (s *State) SetCounter(key string, v int64) {
	if s.Counters == nil {
		s.Counters = make(map[string]int64)
	}
	s.Counters[key] = v
}

// UnmarshalState decodes a persisted state. Documents without a position are
// rejected.
func UnmarshalState(data []byte) (*State, error) {
	const op = "unmarshal state"
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, errs.Wrap(errs.KindDatasetParser, op, err)
	}
	if _, ok := fields["position"]; !ok {
		return nil, errs.New(errs.KindDatasetParser, op, "state has no position")
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, errs.Wrap(errs.KindDatasetParser, op, err)
	}
	return &st, nil
}

func (s State) Marshal() ([]byte, error) {
	return json.Marshal(s)
}

// RequireCounters returns a StateValidator-style check for driver counters.
func RequireCounters(st State, keys ...string) error {
	for _, key := range keys {
		if _, ok := st.Counters[key]; !ok {
			return errs.New(errs.KindDatasetParser, "validate state", "state missing counter %q", key)
		}
	}
	return nil
}
