package testutil

import (
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/xtxerr/evtrack/internal/storage/types"
	"github.com/xtxerr/evtrack/internal/telemetry/schema"
)

// Registry returns the embedded registry or fails the test.
func Registry(t testing.TB) *schema.Registry {
	t.Helper()
	reg, err := schema.Default()
	if err != nil {
		t.Fatalf("load registry: %v", err)
	}
	return reg
}

// TripValues returns the raw values of a plausible 30 minute, 25 km trip.
// The derived columns of this trip are duration 30 min, total_distance
// 25 km, total_energy 3500 Wh, total_regen 500 Wh, soc_delta 20 % and
// temp_general_delta 32 degrees.
func TripValues(ts time.Time, id int64) map[string]int64 {
	unix := ts.Unix()
	return map[string]int64{
		"timestamp":       unix,
		"id":              id,
		"start":           unix,
		"end":             unix + 1800,
		"start_odometer":  120000,
		"end_odometer":    120250,
		"max_speed":       110,
		"city_distance":   100,
		"sport_distance":  80,
		"flow_distance":   70,
		"sail_distance":   10,
		"regen_distance":  20,
		"city_energy":     1200,
		"sport_energy":    1500,
		"flow_energy":     800,
		"city_regen":      300,
		"sport_regen":     200,
		"map_changes":     3,
		"inv_max_t":       60,
		"inv_avg_t":       45,
		"inv_min_t":       20,
		"motor_max_t":     80,
		"motor_avg_t":     60,
		"motor_min_t":     25,
		"start_soc":       9000,
		"end_soc":         7000,
		"max_discharge":   1500,
		"max_regen":       600,
		"avg_current":     450,
		"thermal_current": 300,
		"max_v":           84000,
		"average_v":       80000,
		"min_v":           76000,
		"max_cell_v":      4150,
		"min_cell_v":      3900,
		"cell_v_diff":     50,
		"max_temp":        350,
		"avg_temp":        300,
		"min_temp":        250,
		"max_delta":       30,
		"avg_delta":       15,
	}
}

// ChargeValues returns the raw values of a plausible charge from 20 % to 90 %
// on connector 0. Its delta_v_initial is 2 V.
func ChargeValues(ts time.Time) map[string]int64 {
	return map[string]int64{
		"timestamp":           ts.Unix(),
		"soc_i":               2000,
		"soc_f":               9000,
		"vmin_i":              74000,
		"vavg_i":              75000,
		"vmax_i":              76000,
		"vmin_f":              82000,
		"avg_final_v":         83000,
		"max_final_v":         84000,
		"max_bms_current":     1200,
		"max_charger_current": 160,
		"charger_max_p":       3300,
		"min_temp_i":          150,
		"avg_temp_i":          180,
		"max_temp_i":          200,
		"min_temp_f":          220,
		"avg_temp_f":          250,
		"max_temp_f":          280,
		"min_temp_cc":         150,
		"max_temp_cc":         280,
		"cycles":              150,
		"age":                 400,
		"usoc_i":              20,
		"usoc_f":              90,
		"connector":           0,
	}
}

// Message renders one message of the registry from values. Fields missing
// from values are sent as the null token "NA".
func Message(m *schema.Message, values map[string]int64) string {
	tokens := make([]string, len(m.Fields))
	for i, f := range m.Fields {
		v, ok := values[f]
		if !ok {
			tokens[i] = "NA"
			continue
		}
		tokens[i] = strconv.FormatInt(v, 10)
	}
	return "$" + m.Tag + ":" + strings.Join(tokens, ",") + ",#&"
}

// Messages renders every message type of kind from values in registry order.
func Messages(reg *schema.Registry, kind types.Kind, values map[string]int64) []string {
	msgs := reg.Messages(kind)
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = Message(m, values)
	}
	return out
}

// Packets wraps the messages of one record as packets from vin.
func Packets(reg *schema.Registry, vin string, kind types.Kind, values map[string]int64) []types.Packet {
	raws := Messages(reg, kind, values)
	out := make([]types.Packet, len(raws))
	for i, raw := range raws {
		out[i] = types.Packet{VIN: vin, Raw: raw, ReceivedAt: time.Unix(values[types.ColumnTimestamp], 0).UTC()}
	}
	return out
}

// TripPackets returns the packets of a complete TripValues trip.
func TripPackets(reg *schema.Registry, vin string, ts time.Time, id int64) []types.Packet {
	return Packets(reg, vin, types.KindTrip, TripValues(ts, id))
}

// ChargePackets returns the packets of a complete ChargeValues charge.
func ChargePackets(reg *schema.Registry, vin string, ts time.Time) []types.Packet {
	return Packets(reg, vin, types.KindCharge, ChargeValues(ts))
}

// Record builds a normalized record directly, for storage tests.
// Unlisted columns are zero.
func Record(reg *schema.Registry, kind types.Kind, vin string, ts time.Time, id int64, values map[string]float64) *types.Record {
	cols := reg.Kind(kind).Stored()
	rec := &types.Record{
		VIN:       vin,
		Kind:      kind,
		Timestamp: ts.UTC().Truncate(time.Millisecond),
		Columns:   cols,
		Values:    make([]float64, len(cols)),
	}
	if kind.HasID() {
		rec.ID = id
	}
	for i, c := range cols {
		rec.Values[i] = values[c]
	}
	return rec
}
