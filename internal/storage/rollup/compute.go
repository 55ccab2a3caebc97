// Package rollup computes the monthly fleet summary from the trip and charge
// partitions of a month and maintains the summary table.
package rollup

import (
	"math"
	"sort"

	"github.com/xtxerr/evtrack/config"
	"github.com/xtxerr/evtrack/internal/errors"
	"github.com/xtxerr/evtrack/internal/storage/types"
)

// Columns read by the rollup.
const (
	colTotalDistance = "total_distance"
	colCityDistance  = "city_distance"
	colSportDistance = "sport_distance"
	colFlowDistance  = "flow_distance"
	colTotalEnergy   = "total_energy"
	colTotalRegen    = "total_regen"
	colEndOdometer   = "end_odometer"
	colUSoCInitial   = "usoc_i"
	colUSoCFinal     = "usoc_f"
	colConnector     = "connector"
)

// connectorSchuko is the connector code of a household socket.
const connectorSchuko = 0

// Options configures the rollup.
type Options struct {
	// BatteryCapacityWh is the usable pack energy used for the range estimate.
	BatteryCapacityWh float64

	// SketchAccuracy is the relative accuracy of the trip distance percentiles.
	SketchAccuracy float64
}

// DefaultOptions returns default rollup options.
func DefaultOptions() Options {
	return Options{
		BatteryCapacityWh: config.DefaultBatteryCapacityWh,
		SketchAccuracy:    config.DefaultSketchAccuracy,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.BatteryCapacityWh <= 0 {
		o.BatteryCapacityWh = d.BatteryCapacityWh
	}
	if o.SketchAccuracy <= 0 || o.SketchAccuracy >= 1 {
		o.SketchAccuracy = d.SketchAccuracy
	}
	return o
}

// round rounds half to even, matching the rounding of the historical
// summary table.
func round(x float64) float64 {
	return math.RoundToEven(x)
}

func round1(x float64) float64 {
	return math.RoundToEven(x*10) / 10
}

// Compute builds the summary of month from its trip and charge records.
// It fails with ErrAggregation when either set is empty or the month has
// no distance or no net consumption to divide by.
func Compute(month types.Month, trips, charges []*types.Record, opts Options) (types.Summary, error) {
	opts = opts.withDefaults()

	if len(trips) == 0 {
		return types.Summary{}, errors.NewAggregation("%s: no trips", month)
	}
	if len(charges) == 0 {
		return types.Summary{}, errors.NewAggregation("%s: no charges", month)
	}

	distance, err := newSketchStream(opts.SketchAccuracy)
	if err != nil {
		return types.Summary{}, errors.Wrap(err, "create sketch")
	}
	city, sport, flow := newStream(), newStream(), newStream()
	energy, regen := newStream(), newStream()
	odometer := newStream()
	perVehicle := make(map[string]float64)

	for _, r := range trips {
		d := r.Value(colTotalDistance)
		distance.Add(d, r.VIN)
		city.Add(r.Value(colCityDistance), r.VIN)
		sport.Add(r.Value(colSportDistance), r.VIN)
		flow.Add(r.Value(colFlowDistance), r.VIN)
		energy.Add(r.Value(colTotalEnergy), r.VIN)
		regen.Add(r.Value(colTotalRegen), r.VIN)
		odometer.Add(r.Value(colEndOdometer), r.VIN)
		perVehicle[r.VIN] += d
	}

	total := distance.Sum()
	if total == 0 {
		return types.Summary{}, errors.NewAggregation("%s: total distance is zero", month)
	}
	consumption := (energy.Sum() - regen.Sum()) / total
	if consumption <= 0 {
		return types.Summary{}, errors.NewAggregation("%s: net consumption %.3f Wh/km is not positive", month, consumption)
	}

	charged, final := newStream(), newStream()
	var schuko int64
	for _, r := range charges {
		charged.Add(r.Value(colUSoCFinal)-r.Value(colUSoCInitial), r.VIN)
		final.Add(r.Value(colUSoCFinal), r.VIN)
		if r.Value(colConnector) == connectorSchuko {
			schuko++
		}
	}

	maxTrip, maxTripVIN := distance.Max()
	maxOdo, maxOdoVIN := odometer.Max()
	maxMonthly, maxMonthlyVIN := maxVehicle(perVehicle)
	schukoPct := float64(schuko) * 100 / float64(len(charges))

	return types.Summary{
		Month:             month,
		ConnectedVehicles: int64(len(perVehicle)),
		Trips:             int64(len(trips)),
		Charges:           int64(len(charges)),

		TotalDistance:   round(total),
		CityPct:         round(100 * city.Sum() / total),
		SportPct:        round(100 * sport.Sum() / total),
		FlowPct:         round(100 * flow.Sum() / total),
		AvgTripDistance: round(distance.Mean()),

		AvgConsumption: round(consumption),
		AvgRange:       round(opts.BatteryCapacityWh / consumption),

		AvgChargedSoC:     round(charged.Mean()),
		AvgFinalSoC:       round(final.Mean()),
		SchukoPct:         round(schukoPct),
		OtherConnectorPct: round(100 - schukoPct),

		MaxTripDistance:    round1(maxTrip),
		MaxTripVIN:         maxTripVIN,
		MaxMonthlyDistance: round1(maxMonthly),
		MaxMonthlyVIN:      maxMonthlyVIN,
		MaxOdometer:        maxOdo,
		MaxOdometerVIN:     maxOdoVIN,

		TripsBetweenCharges: round1(float64(len(trips)) / float64(len(charges))),

		P50TripDistance: round1(distance.Quantile(0.50)),
		P90TripDistance: round1(distance.Quantile(0.90)),
	}, nil
}

// maxVehicle returns the largest per-vehicle total. Ties go to the smallest VIN.
func maxVehicle(totals map[string]float64) (float64, string) {
	vins := make([]string, 0, len(totals))
	for vin := range totals {
		vins = append(vins, vin)
	}
	sort.Strings(vins)

	var best float64
	var bestVIN string
	for i, vin := range vins {
		if i == 0 || totals[vin] > best {
			best, bestVIN = totals[vin], vin
		}
	}
	return best, bestVIN
}

// FilterVIN returns the records of one vehicle.
func FilterVIN(recs []*types.Record, vin string) []*types.Record {
	var out []*types.Record
	for _, r := range recs {
		if r.VIN == vin {
			out = append(out, r)
		}
	}
	return out
}
