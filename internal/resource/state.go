package resource

import (
	"slices"
	"time"

	"github.com/estatedesk/estatesync/internal/remote"
)

// Phase is the coarse status of a store.
type Phase string

const (
	PhaseIdle    Phase = "idle"
	PhaseLoading Phase = "loading"
	PhaseReady   Phase = "ready"
	PhaseFailed  Phase = "error"
)

// State is an immutable view of a store. Loading and Err are never both set.
type State[T any] struct {
	Phase   Phase
	Items   []T
	Err     error
	Loading bool
	// Stale is set when a change event arrived after the last applied fetch.
	Stale  bool
	Active bool
	Filter remote.Filter
	// UpdatedAt is when the collection was last replaced.
	UpdatedAt time.Time
	// MutationErr is the error of the most recent failed mutation.
	MutationErr error
}

// ErrMessage returns the fetch error text, or "" if there is none.
func (st State[T]) ErrMessage() string {
	if st.Err == nil {
		return ""
	}
	return st.Err.Error()
}

// Len returns the number of items.
func (st State[T]) Len() int { return len(st.Items) }

type transition int

const (
	fetchRequested transition = iota
	fetchSucceeded
	fetchFailed
	changeEventReceived
	deactivated
	mutationFailed
)

func (t transition) String() string {
	switch t {
	case fetchRequested:
		return "FetchRequested"
	case fetchSucceeded:
		return "FetchSucceeded"
	case fetchFailed:
		return "FetchFailed"
	case changeEventReceived:
		return "ChangeEventReceived"
	case deactivated:
		return "Deactivated"
	case mutationFailed:
		return "MutationFailed"
	}
	return "Unknown"
}

type input[T any] struct {
	kind   transition
	filter remote.Filter
	items  []T
	err    error
	at     time.Time
}

// next returns the state after applying in. It never mutates st.
func (st State[T]) next(in input[T]) State[T] {
	out := st
	switch in.kind {
	case fetchRequested:
		out.Phase = PhaseLoading
		out.Loading = true
		out.Err = nil
		out.Filter = in.filter
	case fetchSucceeded:
		out.Phase = PhaseReady
		out.Loading = false
		out.Err = nil
		out.Stale = false
		out.Items = in.items
		out.UpdatedAt = in.at
	case fetchFailed:
		// Last good collection stays visible.
		out.Phase = PhaseFailed
		out.Loading = false
		out.Err = in.err
	case changeEventReceived:
		out.Stale = true
	case deactivated:
		out.Active = false
		out.Loading = false
		if out.Phase == PhaseLoading {
			out.Phase = PhaseIdle
		}
	case mutationFailed:
		out.MutationErr = in.err
	}
	return out
}

func (st State[T]) clone() State[T] {
	out := st
	out.Items = slices.Clone(st.Items)
	out.Filter = st.Filter.Clone()
	return out
}
