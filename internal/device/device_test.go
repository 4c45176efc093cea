package device

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakePlugin struct {
	name   string
	online bool
}

func (f *fakePlugin) Name() string                              { return f.name }
func (f *fakePlugin) IsOnline(ctx context.Context) bool          { return f.online }
func (f *fakePlugin) MemoryInfo(ctx context.Context) (int64, int64, int64) {
	return 16000, 8000, 8000
}

func TestRegistryOnlineSet(t *testing.T) {
	reg := NewRegistry(
		&fakePlugin{name: "cpu", online: true},
		&fakePlugin{name: "v100", online: false},
	)
	online := reg.OnlineSet(context.Background())
	require.Contains(t, online, "cpu")
	require.NotContains(t, online, "v100")
}

func TestRegistryMemoryInfoUnknownPlugin(t *testing.T) {
	reg := NewRegistry(&fakePlugin{name: "cpu", online: true})
	_, _, _, ok := reg.MemoryInfo(context.Background(), "missing")
	require.False(t, ok)
}

func TestCPUAlwaysOnline(t *testing.T) {
	c := NewCPU("")
	require.True(t, c.IsOnline(context.Background()))
	require.Equal(t, "cpu", c.Name())
}
