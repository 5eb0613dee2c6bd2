// Package ledger keeps parking zones and their slots consistent across book
// and release transitions.
//
// The functions in this file are pure: they never modify the slices they are
// given. A successful transition returns fresh slices, a failed one returns
// the inputs untouched together with the reason.
package ledger

import "errors"

var (
	ErrSlotNotFound             = errors.New("Slot not found")
	ErrSlotNotAvailable         = errors.New("Slot is not available")
	ErrSlotAlreadyAvailable     = errors.New("Slot is already available")
	ErrSlotReserved             = errors.New("Slot is reserved")
	ErrZoneNotFound             = errors.New("Zone not found")
	ErrZoneCountersInconsistent = errors.New("Zone counters are inconsistent")
)

// BookSlot marks slotID occupied and takes one slot off its zone's available
// count.
func BookSlot(slots []Slot, zones []Zone, slotID string) ([]Slot, []Zone, error) {
	si := indexOfSlot(slots, slotID)
	if si < 0 {
		return slots, zones, ErrSlotNotFound
	}

	slot := slots[si]
	switch slot.Status {
	case StatusOccupied:
		return slots, zones, ErrSlotNotAvailable
	case StatusReserved:
		return slots, zones, ErrSlotReserved
	}

	zi := indexOfZone(zones, slot.ZoneID)
	if zi < 0 {
		return slots, zones, ErrZoneNotFound
	}
	if zones[zi].AvailableSlots <= 0 {
		return slots, zones, ErrZoneCountersInconsistent
	}

	return applyTransition(slots, zones, si, zi, StatusOccupied, -1)
}

// ReleaseSlot marks slotID available again and returns one slot to its zone's
// available count.
func ReleaseSlot(slots []Slot, zones []Zone, slotID string) ([]Slot, []Zone, error) {
	si := indexOfSlot(slots, slotID)
	if si < 0 {
		return slots, zones, ErrSlotNotFound
	}

	slot := slots[si]
	switch slot.Status {
	case StatusAvailable:
		return slots, zones, ErrSlotAlreadyAvailable
	case StatusReserved:
		return slots, zones, ErrSlotReserved
	}

	zi := indexOfZone(zones, slot.ZoneID)
	if zi < 0 {
		return slots, zones, ErrZoneNotFound
	}
	if zones[zi].AvailableSlots >= zones[zi].TotalSlots {
		return slots, zones, ErrZoneCountersInconsistent
	}

	return applyTransition(slots, zones, si, zi, StatusAvailable, +1)
}

func applyTransition(slots []Slot, zones []Zone, si, zi int, to SlotStatus, delta int) ([]Slot, []Zone, error) {
	nextSlots := make([]Slot, len(slots))
	copy(nextSlots, slots)
	nextSlots[si].Status = to

	nextZones := make([]Zone, len(zones))
	copy(nextZones, zones)
	nextZones[zi] = zones[zi].withAvailable(zones[zi].AvailableSlots + delta)

	return nextSlots, nextZones, nil
}

// GetSlotsByZone returns the slots owned by zoneID in their original order.
func GetSlotsByZone(slots []Slot, zoneID string) []Slot {
	result := []Slot{}
	for _, s := range slots {
		if s.ZoneID == zoneID {
			result = append(result, s)
		}
	}
	return result
}

// GetAvailableSlots returns the available slots, scoped to zoneID unless it
// is empty.
func GetAvailableSlots(slots []Slot, zoneID string) []Slot {
	result := []Slot{}
	for _, s := range slots {
		if s.Status != StatusAvailable {
			continue
		}
		if zoneID != "" && s.ZoneID != zoneID {
			continue
		}
		result = append(result, s)
	}
	return result
}

func FindSlot(slots []Slot, slotID string) (Slot, bool) {
	if i := indexOfSlot(slots, slotID); i >= 0 {
		return slots[i], true
	}
	return Slot{}, false
}

func FindZone(zones []Zone, zoneID string) (Zone, bool) {
	if i := indexOfZone(zones, zoneID); i >= 0 {
		return zones[i], true
	}
	return Zone{}, false
}

func indexOfSlot(slots []Slot, slotID string) int {
	for i, s := range slots {
		if s.ID == slotID {
			return i
		}
	}
	return -1
}

func indexOfZone(zones []Zone, zoneID string) int {
	for i, z := range zones {
		if z.ID == zoneID {
			return i
		}
	}
	return -1
}
