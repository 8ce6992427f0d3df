// Package config loads and saves the nested configuration document
// (spec.md §6): top-level scalars plus groups/channels/triggers/
// sum_triggers maps keyed by decimal index, whose keys name parameters
// recognized by internal/device. Grounded on the teacher's
// deviceid.go yaml-table load shape; this package is intentionally
// thin, a data shape plus (un)marshal, with no validation beyond what
// internal/device already enforces via its own ErrInvalidArgument.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/sis3316/daq/internal/device"
)

// Document is the on-disk configuration shape.
type Document struct {
	Top         map[string]any            `yaml:",inline"`
	Groups      map[string]map[string]any `yaml:"groups,omitempty"`
	Channels    map[string]map[string]any `yaml:"channels,omitempty"`
	Triggers    map[string]map[string]any `yaml:"triggers,omitempty"`
	SumTriggers map[string]map[string]any `yaml:"sum_triggers,omitempty"`
}

// Load reads and parses a configuration file at path.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &doc, nil
}

// Save marshals doc and writes it to path.
func Save(path string, doc *Document) error {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

// namedSetter is satisfied by every device entity (Module, Group,
// Channel, ChannelTrigger, SumTrigger).
type namedSetter interface {
	Set(name string, v any) error
}

func applyParams(dst namedSetter, params map[string]any) error {
	for name, v := range params {
		u, err := toUint32(v)
		if err != nil {
			return fmt.Errorf("config: parameter %q: %w", name, err)
		}
		if err := dst.Set(name, u); err != nil {
			return fmt.Errorf("config: parameter %q: %w", name, err)
		}
	}
	return nil
}

func toUint32(v any) (uint32, error) {
	switch n := v.(type) {
	case int:
		return uint32(n), nil
	case int64:
		return uint32(n), nil
	case uint64:
		return uint32(n), nil
	case float64:
		return uint32(n), nil
	default:
		return 0, fmt.Errorf("%w: %T is not a numeric parameter value", device.ErrInvalidArgument, v)
	}
}

// Apply writes every parameter in doc onto m, in the order: top-level
// module scalars, then groups, channels, triggers, sum_triggers.
func Apply(doc *Document, m *device.Module) error {
	if err := applyParams(m, doc.Top); err != nil {
		return err
	}
	for idx, params := range doc.Groups {
		i, err := strconv.Atoi(idx)
		if err != nil || i < 0 || i >= len(m.Groups) {
			return fmt.Errorf("config: groups: %w: index %q", device.ErrInvalidArgument, idx)
		}
		if err := applyParams(m.Groups[i], params); err != nil {
			return err
		}
	}
	for idx, params := range doc.Channels {
		i, err := strconv.Atoi(idx)
		if err != nil || i < 0 || i >= 16 {
			return fmt.Errorf("config: channels: %w: index %q", device.ErrInvalidArgument, idx)
		}
		ch := m.Groups[i/4].Channels[i%4]
		if err := applyParams(ch, params); err != nil {
			return err
		}
	}
	for idx, params := range doc.Triggers {
		i, err := strconv.Atoi(idx)
		if err != nil || i < 0 || i >= len(m.ChannelTriggers) {
			return fmt.Errorf("config: triggers: %w: index %q", device.ErrInvalidArgument, idx)
		}
		if err := applyParams(m.ChannelTriggers[i], params); err != nil {
			return err
		}
	}
	for idx, params := range doc.SumTriggers {
		i, err := strconv.Atoi(idx)
		if err != nil || i < 0 || i >= len(m.SumTriggers) {
			return fmt.Errorf("config: sum_triggers: %w: index %q", device.ErrInvalidArgument, idx)
		}
		if err := applyParams(m.SumTriggers[i], params); err != nil {
			return err
		}
	}
	return nil
}
