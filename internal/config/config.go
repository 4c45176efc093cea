// Package config loads orchd.yaml, builds the alias index, and answers the
// adaptive-configuration lookup the controller needs at model start time.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	yamlnode "gopkg.in/yaml.v3"
)

// reservedModelKeys are the fixed top-level keys of a model block; anything
// else is a candidate device-config variant.
var reservedModelKeys = map[string]struct{}{
	"aliases":    {},
	"mode":       {},
	"port":       {},
	"auto_start": {},
}

// Program holds the "program" section of orchd.yaml.
type Program struct {
	Host                 string
	Port                 int
	AliveTimeMinutes     int
	DevicePluginDir      string
	InterfacePluginDir   string
	DisableGPUMonitoring bool
	DataDir              string
}

// DeviceVariant is one named device-configuration option for a model
// (e.g. "cuda", "cpu"), tried in the order it was declared in the YAML.
type DeviceVariant struct {
	Name            string
	RequiredDevices []string
	ScriptPath      string
	MemoryMB        map[string]int64
}

// ModelConfig is one entry under Local-Models.
type ModelConfig struct {
	Key       string
	Aliases   []string
	Mode      string
	Port      int
	AutoStart bool
	Variants  []DeviceVariant
}

func (m ModelConfig) Primary() string { return m.Aliases[0] }

// DeviceSpec is one entry under the top-level devices list.
type DeviceSpec struct {
	Name string
	Kind string
}

// AdaptiveConfig is the resolved launch configuration for a model once a
// device variant has been chosen.
type AdaptiveConfig struct {
	Mode            string
	Port            int
	ScriptPath      string
	RequiredDevices []string
	MemoryMB        map[string]int64
	ConfigSource    string
}

// Config is the fully parsed, validated contents of orchd.yaml.
type Config struct {
	program        Program
	models         map[string]ModelConfig // keyed by primary name
	aliasToPrimary map[string]string
	devices        []DeviceSpec
}

// Provider is the narrow read-only contract the rest of the daemon depends
// on; *Config satisfies it directly, tests substitute a fake.
type Provider interface {
	Program() Program
	ResolvePrimary(alias string) (string, bool)
	ModelConfig(primary string) (ModelConfig, bool)
	AdaptiveConfig(primary string, online map[string]struct{}) (*AdaptiveConfig, bool)
	AutoStartModels() []string
	Devices() []DeviceSpec
	AllPrimaryNames() []string
}

// Load reads path plus any ORCHD_*-prefixed environment overrides and
// returns a validated Config.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("config: load %s: %w", path, err)
	}
	if err := k.Load(env.Provider("ORCHD_", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "ORCHD_")), "_", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("config: env overlay: %w", err)
	}

	if !k.Exists("program") {
		return nil, fmt.Errorf("config: missing required 'program' section")
	}

	cfg := &Config{
		program: Program{
			Host:                 k.String("program.host"),
			Port:                 k.Int("program.port"),
			AliveTimeMinutes:     k.Int("program.alive_time"),
			DevicePluginDir:      k.String("program.device_plugin_dir"),
			InterfacePluginDir:   k.String("program.interface_plugin_dir"),
			DisableGPUMonitoring: k.Bool("program.Disable_GPU_monitoring"),
			DataDir:              k.String("program.data_dir"),
		},
		models:         map[string]ModelConfig{},
		aliasToPrimary: map[string]string{},
	}
	if cfg.program.Host == "" {
		cfg.program.Host = "0.0.0.0"
	}
	if cfg.program.Port == 0 {
		cfg.program.Port = 8080
	}
	if cfg.program.DevicePluginDir == "" {
		cfg.program.DevicePluginDir = "plugins/devices"
	}
	if cfg.program.InterfacePluginDir == "" {
		cfg.program.InterfacePluginDir = "plugins/interfaces"
	}
	if cfg.program.DataDir == "" {
		cfg.program.DataDir = "."
	}

	// koanf decodes YAML into a plain map[string]interface{}, which loses
	// the file's key order; re-parse the raw document with yaml.v3's Node
	// API just to recover each model's operator-declared variant order.
	variantOrder, err := loadVariantOrder(path)
	if err != nil {
		return nil, err
	}

	modelsMap, _ := k.Get("Local-Models").(map[string]interface{})
	seenAliases := map[string]struct{}{}
	for key, v := range modelsMap {
		blockMap, ok := v.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("config: model %q is not a mapping", key)
		}
		mc, err := parseModel(key, blockMap, variantOrder[key])
		if err != nil {
			return nil, err
		}
		for _, alias := range mc.Aliases {
			if _, dup := seenAliases[alias]; dup {
				return nil, fmt.Errorf("config: duplicate alias %q", alias)
			}
			seenAliases[alias] = struct{}{}
			cfg.aliasToPrimary[alias] = mc.Primary()
		}
		cfg.models[mc.Primary()] = mc
	}

	var devs []map[string]interface{}
	if err := k.Unmarshal("devices", &devs); err == nil {
		for _, d := range devs {
			name, _ := d["name"].(string)
			kind, _ := d["kind"].(string)
			if name != "" {
				cfg.devices = append(cfg.devices, DeviceSpec{Name: name, Kind: kind})
			}
		}
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseModel(key string, block map[string]interface{}, declaredOrder []string) (ModelConfig, error) {
	mc := ModelConfig{Key: key}

	aliasesRaw, ok := block["aliases"].([]interface{})
	if !ok || len(aliasesRaw) == 0 {
		return mc, fmt.Errorf("config: model %q missing non-empty 'aliases'", key)
	}
	for _, a := range aliasesRaw {
		if s, ok := a.(string); ok {
			mc.Aliases = append(mc.Aliases, s)
		}
	}
	if mode, ok := block["mode"].(string); ok {
		mc.Mode = mode
	} else {
		mc.Mode = "Chat"
	}
	switch p := block["port"].(type) {
	case int:
		mc.Port = p
	case float64:
		mc.Port = int(p)
	}
	if auto, ok := block["auto_start"].(bool); ok {
		mc.AutoStart = auto
	}

	candidates := map[string]struct{}{}
	for k := range block {
		if _, reserved := reservedModelKeys[k]; reserved {
			continue
		}
		if _, ok := block[k].(map[string]interface{}); ok {
			candidates[k] = struct{}{}
		}
	}
	// Variant priority is the operator's declared order in the YAML file
	// (spec §3), recovered via declaredOrder since koanf's map decoding
	// loses it. Any candidate declaredOrder doesn't know about (should not
	// happen outside of a hand-built test fixture) is appended afterward,
	// sorted, so parsing never silently drops a variant.
	var variantNames []string
	seen := map[string]struct{}{}
	for _, vn := range declaredOrder {
		if _, ok := candidates[vn]; ok {
			if _, dup := seen[vn]; !dup {
				variantNames = append(variantNames, vn)
				seen[vn] = struct{}{}
			}
		}
	}
	var leftover []string
	for vn := range candidates {
		if _, ok := seen[vn]; !ok {
			leftover = append(leftover, vn)
		}
	}
	sort.Strings(leftover)
	variantNames = append(variantNames, leftover...)

	for _, vn := range variantNames {
		vb := block[vn].(map[string]interface{})
		dv := DeviceVariant{Name: vn, MemoryMB: map[string]int64{}}
		if rd, ok := vb["required_devices"].([]interface{}); ok {
			for _, d := range rd {
				if s, ok := d.(string); ok {
					dv.RequiredDevices = append(dv.RequiredDevices, s)
				}
			}
		}
		if sp, ok := vb["script_path"].(string); ok {
			dv.ScriptPath = normalizePath(sp)
		}
		if mm, ok := vb["memory_mb"].(map[string]interface{}); ok {
			for dn, val := range mm {
				switch n := val.(type) {
				case int:
					dv.MemoryMB[dn] = int64(n)
				case float64:
					dv.MemoryMB[dn] = int64(n)
				}
			}
		}
		mc.Variants = append(mc.Variants, dv)
	}
	return mc, nil
}

func validate(cfg *Config) error {
	var errs []string
	if cfg.program.Host == "" {
		errs = append(errs, "missing required program config: host")
	}
	if cfg.program.Port == 0 {
		errs = append(errs, "missing required program config: port")
	}
	for _, mc := range cfg.models {
		if len(mc.Aliases) == 0 {
			errs = append(errs, fmt.Sprintf("model %q: invalid aliases", mc.Key))
		}
		if len(mc.Variants) == 0 {
			errs = append(errs, fmt.Sprintf("model %q: no device config variants", mc.Key))
		}
		for _, v := range mc.Variants {
			if v.ScriptPath == "" {
				errs = append(errs, fmt.Sprintf("model %q: variant %q missing script_path", mc.Key, v.Name))
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: invalid configuration: %s", strings.Join(errs, "; "))
	}
	return nil
}

// loadVariantOrder re-parses path with yaml.v3's Node API, which retains
// mapping key order, and returns model key -> declared variant-name order.
// koanf's file.Provider decodes straight into map[string]interface{} (see
// Load above), which is unordered in Go; this is the only piece of the
// config the order actually matters for, so only this piece re-parses.
func loadVariantOrder(path string) (map[string][]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var doc yamlnode.Node
	if err := yamlnode.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if len(doc.Content) == 0 {
		return map[string][]string{}, nil
	}

	modelsNode := mappingChild(doc.Content[0], "Local-Models")
	order := map[string][]string{}
	if modelsNode == nil || modelsNode.Kind != yamlnode.MappingNode {
		return order, nil
	}

	for i := 0; i+1 < len(modelsNode.Content); i += 2 {
		modelKey := modelsNode.Content[i].Value
		modelBlock := modelsNode.Content[i+1]
		if modelBlock.Kind != yamlnode.MappingNode {
			continue
		}
		var variants []string
		for j := 0; j+1 < len(modelBlock.Content); j += 2 {
			fieldKey := modelBlock.Content[j].Value
			fieldVal := modelBlock.Content[j+1]
			if _, reserved := reservedModelKeys[fieldKey]; reserved {
				continue
			}
			if fieldVal.Kind == yamlnode.MappingNode {
				variants = append(variants, fieldKey)
			}
		}
		order[modelKey] = variants
	}
	return order, nil
}

// mappingChild returns the value node for key within a YAML mapping node,
// or nil if node isn't a mapping or key isn't present.
func mappingChild(node *yamlnode.Node, key string) *yamlnode.Node {
	if node == nil || node.Kind != yamlnode.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == key {
			return node.Content[i+1]
		}
	}
	return nil
}

// normalizePath mirrors the original's backslash-to-forward-slash fixup on
// POSIX, full Clean everywhere else.
func normalizePath(p string) string {
	if runtime.GOOS != "windows" {
		return strings.ReplaceAll(p, `\`, "/")
	}
	return filepath.Clean(p)
}

// --- Provider implementation ---

func (c *Config) Program() Program { return c.program }

func (c *Config) ResolvePrimary(alias string) (string, bool) {
	p, ok := c.aliasToPrimary[alias]
	return p, ok
}

func (c *Config) ModelConfig(primary string) (ModelConfig, bool) {
	mc, ok := c.models[primary]
	return mc, ok
}

func (c *Config) AdaptiveConfig(primary string, online map[string]struct{}) (*AdaptiveConfig, bool) {
	mc, ok := c.models[primary]
	if !ok {
		return nil, false
	}
	for _, v := range mc.Variants {
		if subsetOf(v.RequiredDevices, online) {
			return &AdaptiveConfig{
				Mode:            mc.Mode,
				Port:            mc.Port,
				ScriptPath:      v.ScriptPath,
				RequiredDevices: v.RequiredDevices,
				MemoryMB:        v.MemoryMB,
				ConfigSource:    v.Name,
			}, true
		}
	}
	return nil, false
}

func (c *Config) AutoStartModels() []string {
	var out []string
	for primary, mc := range c.models {
		if mc.AutoStart {
			out = append(out, primary)
		}
	}
	sort.Strings(out)
	return out
}

func (c *Config) Devices() []DeviceSpec { return c.devices }

func (c *Config) AllPrimaryNames() []string {
	out := make([]string, 0, len(c.models))
	for primary := range c.models {
		out = append(out, primary)
	}
	sort.Strings(out)
	return out
}

func subsetOf(required []string, online map[string]struct{}) bool {
	for _, r := range required {
		if _, ok := online[r]; !ok {
			return false
		}
	}
	return true
}
