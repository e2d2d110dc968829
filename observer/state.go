package observer

import (
	"errors"

	"github.com/ar-io/observer/entropy"
	"github.com/ar-io/observer/names"
	"github.com/ar-io/observer/protocol"
)

// State is a step of report generation
type State int

const (
	StateIdle State = iota
	StateSelectingNames
	StateFetchingReference
	StateFetchingObserved
	StateComparing
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateSelectingNames:
		return "SelectingNames"
	case StateFetchingReference:
		return "FetchingReference"
	case StateFetchingObserved:
		return "FetchingObserved"
	case StateComparing:
		return "Comparing"
	case StateDone:
		return "Done"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// FailureKind classifies a fatal report generation error
type FailureKind string

const (
	FailureUpstreamUnavailable   FailureKind = "UpstreamUnavailable"
	FailureChainDataMalformed    FailureKind = "ChainDataMalformed"
	FailureAllSourcesUnavailable FailureKind = "AllSourcesUnavailable"
	FailureInsufficientNames     FailureKind = "InsufficientNames"
	FailureUnknown               FailureKind = "Unknown"
)

// KindOf returns the failure kind of err. ErrAllSourcesUnavailable is
// checked first since it carries every inner source error, which may itself
// be an upstream or malformed-data error. Malformed chain data is checked
// before availability since a malformed block may also surface through an
// upstream wrapper.
func KindOf(err error) FailureKind {
	switch {
	case errors.Is(err, entropy.ErrAllSourcesUnavailable):
		return FailureAllSourcesUnavailable
	case errors.Is(err, protocol.ErrChainDataMalformed):
		return FailureChainDataMalformed
	case errors.Is(err, protocol.ErrUpstreamUnavailable):
		return FailureUpstreamUnavailable
	case errors.Is(err, names.ErrInsufficientNames):
		return FailureInsufficientNames
	default:
		return FailureUnknown
	}
}

// ReportError is returned by GenerateReport when no report can be produced
type ReportError struct {
	Kind  FailureKind
	State State
	Err   error
}

func (e *ReportError) Error() string {
	return "report generation failed in " + e.State.String() + " (" + string(e.Kind) + "): " + e.Err.Error()
}

func (e *ReportError) Unwrap() error {
	return e.Err
}
