package smartlab

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCallbackSink(t *testing.T) {
	var gotID string
	var gotRaw []string
	sink := NewCallbackSink("", func(id string, raw []string) error {
		gotID = id
		gotRaw = raw
		return nil
	})

	require.Equal(t, "callback", sink.Name())
	require.NoError(t, sink.MeasurementComplete("m-1", []string{"a", "b"}))
	require.Equal(t, "m-1", gotID)
	require.Equal(t, []string{"a", "b"}, gotRaw)

	// Failures are swallowed; the callback only sees completions.
	require.NoError(t, sink.MeasurementFailed("m-1", nil))
}

func TestCallbackSinkNilHandler(t *testing.T) {
	sink := NewCallbackSink("broken", nil)
	require.Error(t, sink.MeasurementComplete("m-1", nil))
}

func TestChannelSink(t *testing.T) {
	sink, ch, stop := NewChannelSink("results", 1)
	require.Equal(t, "results", sink.Name())

	require.NoError(t, sink.MeasurementComplete("m-1", []string{"x"}))
	res := <-ch
	require.Equal(t, "m-1", res.MeasurementID)
	require.Equal(t, []string{"x"}, res.RawData)

	stop()
	require.ErrorIs(t, sink.MeasurementComplete("m-2", nil), ErrChannelSinkClosed)

	// Close is idempotent.
	stop()

	_, open := <-ch
	require.False(t, open)
}
