package types

// Summary is the monthly fleet rollup row. Percentages are 0-100,
// distances km, energies Wh, consumption Wh/km and SoC values percent.
// A row depends only on the partitions of its month, so summaries compare
// with ==.
type Summary struct {
	Month Month

	// Volume
	ConnectedVehicles int64
	Trips             int64
	Charges           int64

	// Distance
	TotalDistance   float64
	CityPct         float64
	SportPct        float64
	FlowPct         float64
	AvgTripDistance float64

	// Energy
	AvgConsumption float64
	AvgRange       float64

	// Charging
	AvgChargedSoC     float64
	AvgFinalSoC       float64
	SchukoPct         float64
	OtherConnectorPct float64

	// Extremes
	MaxTripDistance    float64
	MaxTripVIN         string
	MaxMonthlyDistance float64
	MaxMonthlyVIN      string
	MaxOdometer        float64
	MaxOdometerVIN     string

	TripsBetweenCharges float64

	// Trip distance percentiles
	P50TripDistance float64
	P90TripDistance float64
}

