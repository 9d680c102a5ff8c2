package registry

// cartesianProduct expands vars (name -> possible values) into one
// map[name]value per point of the cartesian product. The order of keys is
// not stable — callers (and tests) must not depend on result ordering beyond
// cardinality, per the specification's note on AddMatrix.
//
// An empty vars map yields exactly one empty combination, matching the
// mathematical convention that an empty product has one (empty) term.
func cartesianProduct(vars map[string][]string) []map[string]string {
	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}

	combos := []map[string]string{{}}
	for _, name := range names {
		values := vars[name]
		next := make([]map[string]string, 0, len(combos)*len(values))
		for _, combo := range combos {
			for _, v := range values {
				extended := make(map[string]string, len(combo)+1)
				for k, existing := range combo {
					extended[k] = existing
				}
				extended[name] = v
				next = append(next, extended)
			}
		}
		combos = next
	}

	return combos
}
