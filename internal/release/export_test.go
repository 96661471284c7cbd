package release

import "github.com/autometrics-dev/am/internal/model"

// Waiters returns the number of callers waiting for the fetch of a.
func (f *Fetcher) Waiters(a model.Artifact) int {
	f.mx.Lock()
	defer f.mx.Unlock()
	if fl, ok := f.flights[flightKey(a)]; ok {
		return fl.waiters
	}
	return 0
}
