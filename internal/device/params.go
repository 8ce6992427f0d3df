package device

import "github.com/sis3316/daq/internal/regmap"

// Register blocks below are illustrative of the catalog spec.md treats
// as an external data table (§1 Out of scope: "the register catalog...
// is likewise a data table external to the core"); addresses here are
// placeholders for that table's shape, not a transcription of any real
// device's memory map.

const (
	regModuleID       regmap.Addr = 0x0001
	regModuleFirmware regmap.Addr = 0x0002

	regGroupBase     regmap.Addr = 0x1000 // +0x40 per group
	groupStride      regmap.Addr = 0x40

	regChannelBase regmap.Addr = 0x2000 // +0x10 per global channel index
	channelStride  regmap.Addr = 0x10

	regChannelTriggerBase regmap.Addr = 0x3000 // +0x8 per channel
	channelTriggerStride  regmap.Addr = 0x8

	regSumTriggerBase regmap.Addr = 0x3800 // +0x20 per group
	sumTriggerStride  regmap.Addr = 0x20
)

var moduleParams = []Param{
	{
		Name:  "id",
		Field: regmap.Bitfield{Register: regModuleID, Offset: 0, Mask: 0xFFFF},
		Scale: Identity,
		Doc:   "module hardware identifier",
	},
	{
		Name:  "firmware_revision",
		Field: regmap.Bitfield{Register: regModuleFirmware, Offset: 0, Mask: 0xFFFF},
		Scale: Identity,
		Doc:   "firmware revision; >= 2008 enables packet-identifier transport mode",
	},
}

var groupParams = []Param{
	{
		Name:   "sample_clock_divider",
		Field:  regmap.Bitfield{Register: regGroupBase, Offset: 0, Mask: 0xFF},
		Stride: groupStride,
		Scale:  Identity,
		Doc:    "ADC sample clock divider shared by the group's 4 channels",
	},
	{
		Name:   "maw_length_words",
		Field:  regmap.Bitfield{Register: regGroupBase + 0x4, Offset: 0, Mask: 0xFFFF},
		Stride: groupStride,
		Scale:  Identity,
		Doc:    "MAW filter trailer length in words, the out-of-band companion to maw_ena (spec.md §9)",
	},
}

var channelParams = []Param{
	{
		Name:   "threshold",
		Field:  regmap.Bitfield{Register: regChannelBase, Offset: 0, Mask: 0xFFFF},
		Stride: channelStride,
		Scale:  Identity,
		Doc:    "trigger threshold in ADC counts",
	},
	{
		Name:   "delay",
		Field:  regmap.Bitfield{Register: regChannelBase + 0x4, Offset: 0, Mask: 0x3FF},
		Stride: channelStride,
		Scale:  Halved,
		Doc:    "trigger delay in clock ticks; stored as value/2 on the wire",
	},
	{
		Name:   "gate_length",
		Field:  regmap.Bitfield{Register: regChannelBase + 0x8, Offset: 0, Mask: 0xFFFF},
		Stride: channelStride,
		Scale:  Identity,
		Doc:    "integration gate length in samples",
	},
	{
		Name:   "bank_toggle_enable",
		Field:  regmap.Bitfield{Register: regChannelBase + 0xC, Offset: 0, Mask: 0x1},
		Stride: channelStride,
		Scale:  Identity,
		Doc:    "enables this channel's participation in mem_toggle bank swaps",
	},
}

var channelTriggerParams = []Param{
	{
		Name:   "enabled",
		Field:  regmap.Bitfield{Register: regChannelTriggerBase, Offset: 0, Mask: 0x1},
		Stride: channelTriggerStride,
		Scale:  Identity,
		Doc:    "per-channel self-trigger enable",
	},
	{
		Name:   "polarity",
		Field:  regmap.Bitfield{Register: regChannelTriggerBase, Offset: 1, Mask: 0x1},
		Stride: channelTriggerStride,
		Scale:  Identity,
		Doc:    "0 = rising edge, 1 = falling edge",
	},
}

var sumTriggerParams = []Param{
	{
		Name:   "channel_mask",
		Field:  regmap.Bitfield{Register: regSumTriggerBase, Offset: 0, Mask: 0xF},
		Stride: sumTriggerStride,
		Scale:  Identity,
		Doc:    "bitmask of the group's 4 channels contributing to the sum trigger",
	},
	{
		Name:   "threshold",
		Field:  regmap.Bitfield{Register: regSumTriggerBase + 0x4, Offset: 0, Mask: 0xFFFFFF},
		Stride: sumTriggerStride,
		Scale:  Identity,
		Doc:    "sum-trigger threshold in ADC counts",
	},
}
