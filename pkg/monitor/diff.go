package monitor

import "build_monitor/pkg/gitrefs"

// ActiveRef identifies one running build for diffing purposes.
type ActiveRef struct {
	SHA     string
	RefName string
}

// Diff computes the scheduling delta between the latest snapshot and the
// current state. toLaunch lists the refs whose SHA has not been seen, in
// snapshot order, so the dispatcher admits them predictably when saturated.
// toCancel lists the active builds whose SHA no longer appears in the
// snapshot; a deleted ref and a ref moved to a different commit both land
// here. Diff mutates nothing.
func Diff(snapshot gitrefs.Snapshot, seen *Seen, active []ActiveRef) (toLaunch []gitrefs.Ref, toCancel []ActiveRef) {
	for _, r := range snapshot {
		if !seen.Contains(r.Object.SHA) {
			toLaunch = append(toLaunch, r)
		}
	}

	current := snapshot.SHAs()
	for _, a := range active {
		if _, ok := current[a.SHA]; !ok {
			toCancel = append(toCancel, a)
		}
	}
	return toLaunch, toCancel
}
