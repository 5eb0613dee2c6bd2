package ledger

import (
	"errors"
	"fmt"
)

// Verify checks the counters of every zone against its capacity and, for
// zones whose slots are all listed, against the slot statuses. Every
// violation found is reported.
func Verify(slots []Slot, zones []Zone) error {
	var errs []error

	listed := make(map[string]int, len(zones))
	available := make(map[string]int, len(zones))
	seenZones := make(map[string]bool, len(zones))

	for _, z := range zones {
		if seenZones[z.ID] {
			errs = append(errs, fmt.Errorf("zone %s: duplicate id", z.ID))
		}
		seenZones[z.ID] = true

		if z.AvailableSlots < 0 || z.AvailableSlots > z.TotalSlots {
			errs = append(errs, fmt.Errorf("zone %s: available %d outside [0, %d]", z.ID, z.AvailableSlots, z.TotalSlots))
		}
		if z.AvailableSlots+z.OccupiedSlots != z.TotalSlots {
			errs = append(errs, fmt.Errorf("zone %s: available %d + occupied %d != total %d",
				z.ID, z.AvailableSlots, z.OccupiedSlots, z.TotalSlots))
		}
		if z.PricePerHour < 0 {
			errs = append(errs, fmt.Errorf("zone %s: negative price per hour", z.ID))
		}
	}

	seenSlots := make(map[string]bool, len(slots))
	for _, s := range slots {
		if seenSlots[s.ID] {
			errs = append(errs, fmt.Errorf("slot %s: duplicate id", s.ID))
		}
		seenSlots[s.ID] = true

		if !seenZones[s.ZoneID] {
			errs = append(errs, fmt.Errorf("slot %s: %w: %s", s.ID, ErrZoneNotFound, s.ZoneID))
			continue
		}
		listed[s.ZoneID]++
		if s.Status == StatusAvailable {
			available[s.ZoneID]++
		}
	}

	for _, z := range zones {
		if listed[z.ID] > z.TotalSlots {
			errs = append(errs, fmt.Errorf("zone %s: %d slots listed for capacity %d", z.ID, listed[z.ID], z.TotalSlots))
			continue
		}
		if listed[z.ID] == z.TotalSlots && available[z.ID] != z.AvailableSlots {
			errs = append(errs, fmt.Errorf("zone %s: counter says %d available, slots say %d",
				z.ID, z.AvailableSlots, available[z.ID]))
		}
	}

	return errors.Join(errs...)
}
