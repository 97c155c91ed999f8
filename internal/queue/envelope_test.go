package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func TestEnvelope_RoundTrip(t *testing.T) {
	payload, err := EncodeComputeReport(ComputeReport{
		ExecutionID:  "exec-1",
		InstrumentID: "AAPL",
		Attempt:      2,
	})
	require.NoError(t, err)

	env, err := Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, EnvelopeVersion, env.Version)
	assert.Equal(t, KindComputeReport, env.Kind)
	require.NotNil(t, env.Compute)
	assert.Equal(t, "exec-1", env.Compute.ExecutionID)
	assert.Equal(t, "AAPL", env.Compute.InstrumentID)
	assert.Equal(t, 2, env.Compute.Attempt)
}

func TestDecode_UnknownVersion(t *testing.T) {
	payload, err := msgpack.Marshal(Envelope{
		Version: EnvelopeVersion + 1,
		Kind:    KindComputeReport,
		Compute: &ComputeReport{ExecutionID: "exec-1"},
	})
	require.NoError(t, err)

	_, err = Decode(payload)
	assert.ErrorIs(t, err, ErrUnknownVersion)
}

func TestDecode_UnknownKind(t *testing.T) {
	payload, err := msgpack.Marshal(Envelope{
		Version: EnvelopeVersion,
		Kind:    "recompute_universe",
	})
	require.NoError(t, err)

	_, err = Decode(payload)
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestDecode_MissingPayload(t *testing.T) {
	payload, err := msgpack.Marshal(Envelope{
		Version: EnvelopeVersion,
		Kind:    KindComputeReport,
	})
	require.NoError(t, err)

	_, err = Decode(payload)
	assert.Error(t, err)
}

func TestDecode_Garbage(t *testing.T) {
	_, err := Decode([]byte("not msgpack at all"))
	assert.Error(t, err)
}
