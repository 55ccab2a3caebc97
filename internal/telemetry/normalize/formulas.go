package normalize

// formula computes a derived column from raw inputs. A non-empty reason
// rejects the record.
type formula struct {
	inputs []string
	fn     func(get func(string) float64) (float64, string)
}

func sum(inputs ...string) formula {
	return formula{
		inputs: inputs,
		fn: func(get func(string) float64) (float64, string) {
			var total float64
			for _, in := range inputs {
				total += get(in)
			}
			return total, ""
		},
	}
}

func diff(a, b string) formula {
	return formula{
		inputs: []string{a, b},
		fn: func(get func(string) float64) (float64, string) {
			return get(a) - get(b), ""
		},
	}
}

var formulas = map[string]formula{
	// trip
	"duration":           diff("end", "start"),
	"total_distance":     sum("city_distance", "sport_distance", "flow_distance"),
	"total_energy":       sum("city_energy", "sport_energy", "flow_energy"),
	"total_regen":        sum("city_regen", "sport_regen"),
	"soc_delta":          diff("start_soc", "end_soc"),
	"temp_general_delta": diff("max_temp", "max_delta"),
	"regen_ratio": {
		inputs: []string{"city_energy", "sport_energy", "flow_energy", "city_regen", "sport_regen"},
		fn: func(get func(string) float64) (float64, string) {
			energy := get("city_energy") + get("sport_energy") + get("flow_energy")
			if energy == 0 {
				return 0, "zero total energy"
			}
			return 100 * (get("city_regen") + get("sport_regen")) / energy, ""
		},
	},

	// charge
	"delta_v_initial": diff("vmax_i", "vmin_i"),
}
