package ringlog

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBufferEvictsOldest(t *testing.T) {
	b := New(3)
	for i := 0; i < 5; i++ {
		b.Append(fmt.Sprintf("line-%d", i))
	}
	require.Equal(t, []string{"line-2", "line-3", "line-4"}, b.Lines())
}

func TestBufferWriteSplitsOnNewline(t *testing.T) {
	b := New(10)
	n, err := b.Write([]byte("a\nb\nc"))
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, []string{"a", "b", "c"}, b.Lines())
}
