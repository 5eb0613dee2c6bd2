// Package fare prices a parking stay.
//
// Every stay is billed in whole hours, rounding any partial hour up. The
// canonical policy adds 18% GST to the base amount and collects a 25% deposit
// of the total at booking time. The remainder is due at exit.
package fare

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

var (
	ErrExitNotAfterEntry = errors.New("exit time must be after entry time")
	ErrUnknownVehicle    = errors.New("unknown vehicle type")
	ErrInvalidClock      = errors.New("time must be in HH:MM format")
)

type Vehicle string

const (
	Bike Vehicle = "bike"
	Auto Vehicle = "auto"
	Car  Vehicle = "car"
	SUV  Vehicle = "suv"
)

// fallbackRates apply when the zone carries no hourly price.
var fallbackRates = map[Vehicle]float64{
	Bike: 10,
	Auto: 15,
	Car:  20,
	SUV:  30,
}

func ParseVehicle(s string) (Vehicle, error) {
	v := Vehicle(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := fallbackRates[v]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownVehicle, s)
	}
	return v, nil
}

func FallbackRate(v Vehicle) (float64, bool) {
	rate, ok := fallbackRates[v]
	return rate, ok
}

type Policy struct {
	TaxRate     float64
	DepositRate float64
}

// Standard is the only policy in use. See CHANGELOG.md for the retired
// 50% deposit variant.
var Standard = Policy{
	TaxRate:     0.18,
	DepositRate: 0.25,
}

type Quote struct {
	Vehicle       Vehicle   `json:"vehicle"`
	Entry         time.Time `json:"entry"`
	Exit          time.Time `json:"exit"`
	DurationHours int       `json:"durationHours"`
	RatePerHour   float64   `json:"ratePerHour"`
	Base          float64   `json:"base"`
	Tax           float64   `json:"tax"`
	Total         float64   `json:"total"`
	Deposit       float64   `json:"deposit"`
	BalanceDue    float64   `json:"balanceDue"`
}

// DurationHours returns the length of the stay in whole hours, counting any
// started hour as a full one.
func DurationHours(entry, exit time.Time) (int, error) {
	if !exit.After(entry) {
		return 0, ErrExitNotAfterEntry
	}
	d := exit.Sub(entry)
	return int((d + time.Hour - 1) / time.Hour), nil
}

// Rate picks the zone's hourly price, or the vehicle fallback when the zone
// price is not set.
func Rate(v Vehicle, zonePricePerHour float64) (float64, error) {
	if zonePricePerHour > 0 {
		return zonePricePerHour, nil
	}
	rate, ok := fallbackRates[v]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownVehicle, string(v))
	}
	return rate, nil
}

func (p Policy) Quote(v Vehicle, entry, exit time.Time, zonePricePerHour float64) (Quote, error) {
	hours, err := DurationHours(entry, exit)
	if err != nil {
		return Quote{}, err
	}
	rate, err := Rate(v, zonePricePerHour)
	if err != nil {
		return Quote{}, err
	}

	base := roundMoney(float64(hours) * rate)
	tax := roundMoney(base * p.TaxRate)
	total := roundMoney(base + tax)
	deposit := roundMoney(total * p.DepositRate)

	return Quote{
		Vehicle:       v,
		Entry:         entry,
		Exit:          exit,
		DurationHours: hours,
		RatePerHour:   rate,
		Base:          base,
		Tax:           tax,
		Total:         total,
		Deposit:       deposit,
		BalanceDue:    roundMoney(total - deposit),
	}, nil
}

// ParseClock reads an "HH:MM" booking-form time on the given day. An exit
// clock earlier than the entry clock is not moved to the next day; callers
// get ErrExitNotAfterEntry from the quote instead.
func ParseClock(clock string, day time.Time) (time.Time, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(clock))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidClock, clock)
	}
	y, m, d := day.Date()
	return time.Date(y, m, d, t.Hour(), t.Minute(), 0, 0, day.Location()), nil
}

func roundMoney(v float64) float64 {
	return math.Round(v*100) / 100
}
