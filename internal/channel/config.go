package channel

import (
	"fmt"

	"meshalert/internal/config"
)

// NewRegistryFromConfig builds registry from `[channel.<name>]` tables.
// Params: channel configs ordered by slot.
// Returns: populated registry with default applied, or first registration error.
func NewRegistryFromConfig(channels []config.ChannelConfig) (*Registry, error) {
	registry := NewRegistry()
	defaultName := ""
	for _, item := range channels {
		ch := Channel{
			Name:     item.Name,
			Slot:     item.Slot,
			PSK:      item.PSK,
			Uplink:   item.Uplink,
			Downlink: item.Downlink,
			HopLimit: item.HopLimit,
			TxPower:  item.TxPower,
		}
		if err := registry.Register(ch); err != nil {
			return nil, fmt.Errorf("register channel %q: %w", item.Name, err)
		}
		if item.Default {
			defaultName = item.Name
		}
	}
	if defaultName != "" {
		if err := registry.SetDefault(defaultName); err != nil {
			return nil, err
		}
	}
	return registry, nil
}
