package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleYAML = `
program:
  host: 0.0.0.0
  port: 8080
  alive_time: 30
Local-Models:
  chat-a:
    aliases: [chat-a, gpt-3.5-turbo]
    mode: Chat
    port: 9001
    auto_start: false
    cuda:
      required_devices: [v100]
      script_path: ./scripts/start-chat-a-cuda.sh
      memory_mb: {v100: 12000}
    cpu:
      required_devices: []
      script_path: ./scripts/start-chat-a-cpu.sh
      memory_mb: {}
devices:
  - name: v100
    kind: nvidia
  - name: cpu
    kind: cpu
`

func writeTemp(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "orchd.yaml")
	require.NoError(t, os.WriteFile(p, []byte(contents), 0600))
	return p
}

func TestLoadResolvesAliases(t *testing.T) {
	cfg, err := Load(writeTemp(t, sampleYAML))
	require.NoError(t, err)

	primary, ok := cfg.ResolvePrimary("gpt-3.5-turbo")
	require.True(t, ok)
	require.Equal(t, "chat-a", primary)

	_, ok = cfg.ResolvePrimary("does-not-exist")
	require.False(t, ok)
}

func TestAdaptiveConfigPrefersFirstSatisfiedVariant(t *testing.T) {
	cfg, err := Load(writeTemp(t, sampleYAML))
	require.NoError(t, err)

	// Both cuda and cpu are satisfied when v100 is online; cuda is listed
	// first in the YAML and must win, per spec §3's declared-priority-order
	// contract — not whichever variant name sorts first alphabetically.
	ac, ok := cfg.AdaptiveConfig("chat-a", map[string]struct{}{"v100": {}, "cpu": {}})
	require.True(t, ok)
	require.Equal(t, "cuda", ac.ConfigSource)

	ac, ok = cfg.AdaptiveConfig("chat-a", map[string]struct{}{"cpu": {}})
	require.True(t, ok)
	require.Equal(t, "cpu", ac.ConfigSource)

	_, ok = cfg.AdaptiveConfig("chat-a", map[string]struct{}{})
	require.True(t, ok, "cpu variant requires no devices, so empty online set still satisfies it")
}

func TestVariantOrderFollowsDeclarationNotAlphabeticalSort(t *testing.T) {
	// Swap declaration order relative to sampleYAML: cpu now comes first in
	// the file even though it alphabetizes second, so an alphabetical-sort
	// implementation would pick the wrong variant here.
	reordered := `
program:
  host: 0.0.0.0
  port: 8080
Local-Models:
  chat-a:
    aliases: [chat-a]
    mode: Chat
    port: 9001
    cpu:
      required_devices: []
      script_path: ./scripts/start-chat-a-cpu.sh
      memory_mb: {}
    cuda:
      required_devices: [v100]
      script_path: ./scripts/start-chat-a-cuda.sh
      memory_mb: {v100: 12000}
`
	cfg, err := Load(writeTemp(t, reordered))
	require.NoError(t, err)

	ac, ok := cfg.AdaptiveConfig("chat-a", map[string]struct{}{"v100": {}})
	require.True(t, ok)
	require.Equal(t, "cpu", ac.ConfigSource,
		"cpu is declared first and requires no devices, so it must win even though v100 is online")
}

func TestLoadRejectsDuplicateAlias(t *testing.T) {
	// chat-b goes in before the top-level devices list so it lands under
	// Local-Models; appended at the end it would sit inside devices and fail
	// as a YAML syntax error instead.
	chatB := `  chat-b:
    aliases: [chat-b, gpt-3.5-turbo]
    mode: Chat
    port: 9002
    cpu:
      required_devices: []
      script_path: ./scripts/start-chat-b-cpu.sh
      memory_mb: {}
`
	dup := strings.Replace(sampleYAML, "\ndevices:\n", "\n"+chatB+"devices:\n", 1)
	_, err := Load(writeTemp(t, dup))
	require.Error(t, err)
	require.Contains(t, err.Error(), "duplicate alias")
}

func TestLoadRejectsMissingProgram(t *testing.T) {
	_, err := Load(writeTemp(t, "Local-Models: {}\n"))
	require.Error(t, err)
}
