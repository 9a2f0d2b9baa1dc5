package core

// The registry keeps registration order: it is the final tie-break when two
// quotes match on output amount and price impact.
var registry []Adapter

func Register(a Adapter) { registry = append(registry, a) }

func Get(id VenueID) Adapter {
	for _, a := range registry {
		if a.ID() == id {
			return a
		}
	}
	return nil
}

// Enabled returns registered adapters for the given IDs, preserving
// registration order regardless of the order of ids.
func Enabled(ids []VenueID) []Adapter {
	want := make(map[VenueID]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	out := make([]Adapter, 0, len(ids))
	for _, a := range registry {
		if want[a.ID()] {
			out = append(out, a)
		}
	}
	return out
}

// RegistrationIndex reports the adapter's position in registration order;
// unknown venues sort last.
func RegistrationIndex(id VenueID) int {
	for i, a := range registry {
		if a.ID() == id {
			return i
		}
	}
	return len(registry)
}

// Reset clears the registry. Tests only.
func Reset() { registry = nil }
