// Package device models the module's configuration entities (spec.md
// §3, §9: Module/Group/Channel/ChannelTrigger/SumTrigger) and drives a
// generic named-parameter Get/Set over internal/regsvc using a
// compile-time parameter table, replacing the teacher's runtime
// class-load attribute binding (src/config.go) with a static array.
package device

import (
	"errors"
	"fmt"

	"github.com/sis3316/daq/internal/regmap"
	"github.com/sis3316/daq/internal/regsvc"
)

// ErrUnknownParam is returned by Get/Set when no Param in the table
// matches the requested name.
var ErrUnknownParam = errors.New("device: unknown parameter")

// ErrInvalidArgument is re-exported from regmap for convenience;
// Get/Set forward mask and scaling failures under this sentinel.
var ErrInvalidArgument = regmap.ErrInvalidArgument

// Scale converts between the register's raw integer value and the
// value exposed to callers (e.g. "delay is stored as value/2").
// Identity leaves both sides as uint32.
type Scale struct {
	ToRaw   func(v any) (uint32, error)
	FromRaw func(raw uint32) any
}

// Identity is the default Scale: raw and exposed values are the same
// uint32.
var Identity = Scale{
	ToRaw:   func(v any) (uint32, error) {
		u, ok := v.(uint32)
		if !ok {
			return 0, fmt.Errorf("%w: want uint32, got %T", ErrInvalidArgument, v)
		}
		return u, nil
	},
	FromRaw: func(raw uint32) any { return raw },
}

// Halved exposes 2*raw and stores value/2, per parameters the device
// documents as "stored as value/2".
var Halved = Scale{
	ToRaw:   func(v any) (uint32, error) {
		u, ok := v.(uint32)
		if !ok {
			return 0, fmt.Errorf("%w: want uint32, got %T", ErrInvalidArgument, v)
		}
		return u / 2, nil
	},
	FromRaw: func(raw uint32) any { return raw * 2 },
}

// Param is one named configuration parameter: a bitfield descriptor
// (for instance index 0), a per-instance address stride, a Scale, and
// documentation. Stride is 0 for parameters not replicated per
// instance (module-wide parameters).
type Param struct {
	Name   string
	Field  regmap.Bitfield
	Stride regmap.Addr
	Scale  Scale
	Doc    string
}

func lookup(table []Param, name string) (Param, error) {
	for _, p := range table {
		if p.Name == name {
			return p, nil
		}
	}
	return Param{}, fmt.Errorf("%q: %w", name, ErrUnknownParam)
}

func getParam(svc *regsvc.Service, table []Param, name string, index int) (any, error) {
	p, err := lookup(table, name)
	if err != nil {
		return nil, err
	}
	field := p.Field.WithChannelOffset(index, p.Stride)
	raw, err := svc.GetField(field)
	if err != nil {
		return nil, err
	}
	return p.Scale.FromRaw(raw), nil
}

func setParam(svc *regsvc.Service, table []Param, name string, index int, value any) error {
	p, err := lookup(table, name)
	if err != nil {
		return err
	}
	raw, err := p.Scale.ToRaw(value)
	if err != nil {
		return err
	}
	field := p.Field.WithChannelOffset(index, p.Stride)
	return svc.SetField(field, raw)
}

// Module is the root device entity: 4 Groups (16 Channels total), 16
// ChannelTriggers, and 4 SumTriggers. Back-references to Module are
// plain pointers, not ownership (spec.md §9).
type Module struct {
	Svc             *regsvc.Service
	Groups          [4]Group
	ChannelTriggers [16]ChannelTrigger
	SumTriggers     [4]SumTrigger
}

// NewModule wires a Module's entities (indices and back-pointers) over
// svc. Identity is entirely positional: group index 0..3, channel
// index 0..3 within a group, global channel index group*4+chan.
func NewModule(svc *regsvc.Service) *Module {
	m := &Module{Svc: svc}
	for g := 0; g < 4; g++ {
		m.Groups[g] = Group{module: m, Index: g}
		for c := 0; c < 4; c++ {
			m.Groups[g].Channels[c] = Channel{module: m, groupIndex: g, Index: c}
		}
	}
	for i := range m.ChannelTriggers {
		m.ChannelTriggers[i] = ChannelTrigger{module: m, ChannelIndex: i}
	}
	for g := range m.SumTriggers {
		m.SumTriggers[g] = SumTrigger{module: m, GroupIndex: g}
	}
	return m
}

// Get reads a module-wide parameter by name.
func (m *Module) Get(name string) (any, error) { return getParam(m.Svc, moduleParams, name, 0) }

// Set writes a module-wide parameter by name.
func (m *Module) Set(name string, v any) error { return setParam(m.Svc, moduleParams, name, 0, v) }

// Group is one of the module's 4 channel groups.
type Group struct {
	module   *Module
	Index    int
	Channels [4]Channel
}

// Get reads a per-group parameter by name.
func (g Group) Get(name string) (any, error) {
	return getParam(g.module.Svc, groupParams, name, g.Index)
}

// Set writes a per-group parameter by name.
func (g Group) Set(name string, v any) error {
	return setParam(g.module.Svc, groupParams, name, g.Index, v)
}

// Channel is one of the module's 16 ADC channels.
type Channel struct {
	module     *Module
	groupIndex int
	Index      int // 0..3 within the group
}

// GlobalIndex returns the 0..15 channel index (group*4 + chan).
func (c Channel) GlobalIndex() int { return c.groupIndex*4 + c.Index }

// Get reads a per-channel parameter by name.
func (c Channel) Get(name string) (any, error) {
	return getParam(c.module.Svc, channelParams, name, c.GlobalIndex())
}

// Set writes a per-channel parameter by name.
func (c Channel) Set(name string, v any) error {
	return setParam(c.module.Svc, channelParams, name, c.GlobalIndex(), v)
}

// ChannelTrigger is the per-channel trigger configuration entity
// (one per channel, 16 total).
type ChannelTrigger struct {
	module       *Module
	ChannelIndex int
}

// Get reads a per-channel-trigger parameter by name.
func (t ChannelTrigger) Get(name string) (any, error) {
	return getParam(t.module.Svc, channelTriggerParams, name, t.ChannelIndex)
}

// Set writes a per-channel-trigger parameter by name.
func (t ChannelTrigger) Set(name string, v any) error {
	return setParam(t.module.Svc, channelTriggerParams, name, t.ChannelIndex, v)
}

// SumTrigger is the per-group sum-trigger configuration entity (one
// per group, 4 total).
type SumTrigger struct {
	module     *Module
	GroupIndex int
}

// Get reads a per-sum-trigger parameter by name.
func (t SumTrigger) Get(name string) (any, error) {
	return getParam(t.module.Svc, sumTriggerParams, name, t.GroupIndex)
}

// Set writes a per-sum-trigger parameter by name.
func (t SumTrigger) Set(name string, v any) error {
	return setParam(t.module.Svc, sumTriggerParams, name, t.GroupIndex, v)
}
