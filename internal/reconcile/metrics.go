package reconcile

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"parking-ledger/internal/ledger"
)

var (
	ZoneAvailableSlots = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "parking_zone_available_slots",
			Help: "Available slots per zone as last seen by the ledger",
		},
		[]string{"zone_id"},
	)

	ZoneOccupancyRatio = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "parking_zone_occupancy_ratio",
			Help: "Occupied share of each zone's capacity",
		},
		[]string{"zone_id"},
	)
)

// publishAllZones replaces every zone series, dropping zones that no longer
// exist after a re-seed.
func publishAllZones(zones []ledger.Zone) {
	ZoneAvailableSlots.Reset()
	ZoneOccupancyRatio.Reset()
	for _, z := range zones {
		publishZone(z)
	}
}

func publishZone(z ledger.Zone) {
	ZoneAvailableSlots.WithLabelValues(z.ID).Set(float64(z.AvailableSlots))
	ZoneOccupancyRatio.WithLabelValues(z.ID).Set(z.OccupancyRate())
}
