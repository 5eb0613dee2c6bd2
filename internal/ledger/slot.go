package ledger

import (
	"fmt"
	"strings"
)

type SlotStatus string

const (
	StatusAvailable SlotStatus = "available"
	StatusOccupied  SlotStatus = "occupied"
	// StatusReserved shows up in backend payloads and fixtures but no
	// transition in this package ever produces it.
	StatusReserved SlotStatus = "reserved"
)

func ParseSlotStatus(s string) (SlotStatus, error) {
	switch SlotStatus(strings.ToLower(strings.TrimSpace(s))) {
	case StatusAvailable:
		return StatusAvailable, nil
	case StatusOccupied:
		return StatusOccupied, nil
	case StatusReserved:
		return StatusReserved, nil
	}
	return "", fmt.Errorf("unknown slot status %q", s)
}

func (s *SlotStatus) UnmarshalText(text []byte) error {
	parsed, err := ParseSlotStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

type SlotType string

const (
	SlotRegular SlotType = "regular"
	SlotPremium SlotType = "premium"
)

func (t *SlotType) UnmarshalText(text []byte) error {
	switch SlotType(strings.ToLower(strings.TrimSpace(string(text)))) {
	case SlotPremium:
		*t = SlotPremium
	default:
		*t = SlotRegular
	}
	return nil
}

type Slot struct {
	ID     string     `json:"id"`
	ZoneID string     `json:"zoneId"`
	Status SlotStatus `json:"status"`
	Type   SlotType   `json:"type"`
}

func NewSlot(id, zoneID string) Slot {
	return Slot{
		ID:     id,
		ZoneID: zoneID,
		Status: StatusAvailable,
		Type:   SlotRegular,
	}
}

func (s Slot) IsAvailable() bool {
	return s.Status == StatusAvailable
}

func (s Slot) IsOccupied() bool {
	return s.Status == StatusOccupied
}
