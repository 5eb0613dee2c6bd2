package ledger

import (
	_ "embed"
	"encoding/json"
	"fmt"
)

//go:embed fixtures.json
var fixturesJSON []byte

type Dataset struct {
	Zones []Zone `json:"zones"`
	Slots []Slot `json:"slots"`
}

// Fixtures returns the built-in seed data used when neither the backend nor
// the snapshot cache can provide zones.
func Fixtures() (Dataset, error) {
	return DecodeDataset(fixturesJSON)
}

func DecodeDataset(data []byte) (Dataset, error) {
	var ds Dataset
	if err := json.Unmarshal(data, &ds); err != nil {
		return Dataset{}, fmt.Errorf("decode dataset: %w", err)
	}
	for i := range ds.Zones {
		ds.Zones[i] = ds.Zones[i].Normalize()
	}
	if err := Verify(ds.Slots, ds.Zones); err != nil {
		return Dataset{}, fmt.Errorf("invalid dataset: %w", err)
	}
	return ds, nil
}
