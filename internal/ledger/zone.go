package ledger

type Zone struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Level          string   `json:"level,omitempty"`
	Features       []string `json:"features,omitempty"`
	TotalSlots     int      `json:"totalSlots"`
	AvailableSlots int      `json:"availableSlots"`
	OccupiedSlots  int      `json:"occupiedSlots"`
	PricePerHour   float64  `json:"pricePerHour"`
}

func NewZone(id, name string, totalSlots int, pricePerHour float64) Zone {
	return Zone{
		ID:             id,
		Name:           name,
		TotalSlots:     totalSlots,
		AvailableSlots: totalSlots,
		PricePerHour:   pricePerHour,
	}
}

// withAvailable returns a copy of z holding the given available count, with
// the occupied count derived from it.
func (z Zone) withAvailable(available int) Zone {
	z.AvailableSlots = available
	z.OccupiedSlots = z.TotalSlots - available
	return z
}

// Normalize recomputes OccupiedSlots from TotalSlots and AvailableSlots.
// Backend payloads do not always carry the derived field.
func (z Zone) Normalize() Zone {
	return z.withAvailable(z.AvailableSlots)
}

func (z Zone) OccupancyRate() float64 {
	if z.TotalSlots == 0 {
		return 0
	}
	return float64(z.OccupiedSlots) / float64(z.TotalSlots)
}

type Summary struct {
	Zones          int `json:"zones"`
	TotalSlots     int `json:"totalSlots"`
	AvailableSlots int `json:"availableSlots"`
	OccupiedSlots  int `json:"occupiedSlots"`
}

func Summarize(zones []Zone) Summary {
	s := Summary{Zones: len(zones)}
	for _, z := range zones {
		s.TotalSlots += z.TotalSlots
		s.AvailableSlots += z.AvailableSlots
		s.OccupiedSlots += z.OccupiedSlots
	}
	return s
}
