package queue

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// EnvelopeVersion is the current wire version of work-item envelopes.
// Consumers reject unknown versions at decode time, so schema evolution is
// detected at the boundary rather than at first field access.
const EnvelopeVersion = 1

// Kind tags the message variant carried by an envelope.
type Kind string

// KindComputeReport is the only message kind today: compute one
// instrument's report for one execution.
const KindComputeReport Kind = "compute_report"

// Decode errors.
var (
	ErrUnknownVersion = errors.New("unknown envelope version")
	ErrUnknownKind    = errors.New("unknown envelope kind")
)

// ComputeReport is the work item the orchestrator dispatches per instrument.
type ComputeReport struct {
	ExecutionID  string `msgpack:"execution_id"`
	InstrumentID string `msgpack:"instrument_id"`
	Attempt      int    `msgpack:"attempt"`
}

// Envelope is the tagged wire format for all queue messages.
type Envelope struct {
	Version int            `msgpack:"version"`
	Kind    Kind           `msgpack:"kind"`
	Compute *ComputeReport `msgpack:"compute,omitempty"`
}

// EncodeComputeReport wraps a work item in a current-version envelope.
func EncodeComputeReport(item ComputeReport) ([]byte, error) {
	payload, err := msgpack.Marshal(Envelope{
		Version: EnvelopeVersion,
		Kind:    KindComputeReport,
		Compute: &item,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode work item: %w", err)
	}
	return payload, nil
}

// Decode parses an envelope and validates version and kind.
func Decode(payload []byte) (*Envelope, error) {
	var env Envelope
	if err := msgpack.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}

	if env.Version != EnvelopeVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnknownVersion, env.Version)
	}
	switch env.Kind {
	case KindComputeReport:
		if env.Compute == nil {
			return nil, fmt.Errorf("%s envelope has no payload", env.Kind)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
	}
	return &env, nil
}
