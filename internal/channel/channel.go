package channel

import (
	"strings"

	"meshalert/internal/domain"
)

const (
	// MinSlot and MaxSlot bound channel slot index.
	MinSlot = 0
	MaxSlot = 7
	// MinHopLimit and MaxHopLimit bound mesh rebroadcast hops.
	MinHopLimit = 1
	MaxHopLimit = 7
	// MinTxPower and MaxTxPower bound transmit power in dBm.
	MinTxPower = 0
	MaxTxPower = 30
)

// Channel is named mesh sub-network definition.
// Params: unique name/slot, optional PSK, link flags, hop and power limits.
// Returns: immutable channel value stored in Registry.
type Channel struct {
	Name     string `json:"name"`
	Slot     int    `json:"slot"`
	PSK      string `json:"-"`
	Uplink   bool   `json:"uplink"`
	Downlink bool   `json:"downlink"`
	HopLimit int    `json:"hop_limit"`
	TxPower  int    `json:"tx_power"`
}

// Encrypted reports whether channel carries key material.
// Params: none.
// Returns: true when PSK is set.
func (c Channel) Encrypted() bool {
	return c.PSK != ""
}

// Validate checks channel ranges and PSK format.
// Params: none.
// Returns: ErrValidation-kind error on first violation.
func (c Channel) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return domain.Errorf(domain.KindValidation, "validate channel", "name is required")
	}
	if c.Slot < MinSlot || c.Slot > MaxSlot {
		return domain.Errorf(domain.KindValidation, "validate channel", "channel %q slot %d out of [%d,%d]", c.Name, c.Slot, MinSlot, MaxSlot)
	}
	if c.HopLimit < MinHopLimit || c.HopLimit > MaxHopLimit {
		return domain.Errorf(domain.KindValidation, "validate channel", "channel %q hop_limit %d out of [%d,%d]", c.Name, c.HopLimit, MinHopLimit, MaxHopLimit)
	}
	if c.TxPower < MinTxPower || c.TxPower > MaxTxPower {
		return domain.Errorf(domain.KindValidation, "validate channel", "channel %q tx_power %d out of [%d,%d]", c.Name, c.TxPower, MinTxPower, MaxTxPower)
	}
	if c.PSK != "" {
		if err := ValidatePSK(c.PSK); err != nil {
			return domain.Errorf(domain.KindValidation, "validate channel", "channel %q: %v", c.Name, err)
		}
	}
	return nil
}
