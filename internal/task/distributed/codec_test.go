package distributed

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMessage_RoundTrip(t *testing.T) {
	t.Parallel()

	msgs := []Message{
		{Type: MsgTaskExecution, ID: 7, Target: "b", Source: "a", TaskID: "t-1", Name: "backup", Async: true},
		{Type: MsgTaskResult, ID: -3, Target: "a", Source: "b", TaskID: "t-1", Success: false, Error: "disk full"},
		{Type: MsgTaskResult, ID: 9, Target: "a", Source: "b", TaskID: "t-2", Success: true},
		{Type: MsgServerLoad, Source: "b", CPU: 0.75, Memory: 1 << 40, Clients: 12},
		{Type: MsgLoadQuery, Source: "c"},
	}
	for _, m := range msgs {
		b, err := m.MarshalBinary()
		require.NoError(t, err)
		require.Equal(t, byte(m.Type), b[0], "type byte leads the frame")

		var got Message
		require.NoError(t, got.UnmarshalBinary(b))
		require.Equal(t, m, got)
	}
}

func TestMessage_WireLayout(t *testing.T) {
	t.Parallel()

	b, err := Message{Type: MsgLoadQuery, Source: "ab"}.MarshalBinary()
	require.NoError(t, err)
	require.Equal(t, []byte{3, 0, 2, 'a', 'b'}, b)
}

func TestMessage_Malformed(t *testing.T) {
	t.Parallel()

	var m Message
	require.ErrorIs(t, m.UnmarshalBinary(nil), ErrMalformed)
	require.ErrorIs(t, m.UnmarshalBinary([]byte{9}), ErrMalformed)
	require.ErrorIs(t, m.UnmarshalBinary([]byte{3, 0, 5, 'a'}), ErrMalformed)
	require.ErrorIs(t, m.UnmarshalBinary([]byte{3, 0, 1, 'a', 'x'}), ErrMalformed)

	_, err := Message{Type: MsgLoadQuery, Source: strings.Repeat("x", 70000)}.MarshalBinary()
	require.ErrorIs(t, err, ErrFieldTooLong)
	_, err = Message{Type: 42}.MarshalBinary()
	require.ErrorIs(t, err, ErrMalformed)
}
