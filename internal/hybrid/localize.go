package hybrid

import (
	"math"

	"github.com/san-kum/daesim/internal/trajectory"
)

const maxBisections = 200

// localize shortens rec so it ends just past the earliest zero crossing it
// contains. It returns the record to commit and the crossing event placed
// on it, if any.
func (s *session) localize(rec *trajectory.StageRecord) (*trajectory.StageRecord, *armed, error) {
	var (
		best  *armed
		bestT = math.Inf(1)
	)
	tEnd := rec.End()
	for i := range s.state.Transitions {
		tr := &s.state.Transitions[i]
		for _, a := range s.armed[i] {
			ok, g1 := a.crossing(tEnd, rec.XNew)
			if !ok {
				continue
			}
			if tr.Mode == All && !s.othersHold(i, a, tEnd, rec) {
				continue
			}
			est := tEnd
			if a.prev != g1 {
				est = rec.T + rec.H*a.prev/(a.prev-g1)
			}
			if est < bestT {
				best, bestT = a, est
			}
		}
	}
	if best == nil {
		return rec, nil, nil
	}
	s.m.status = EventPending
	if tEnd-bestT <= s.m.eventTol {
		return rec, best, nil
	}

	var (
		r   *trajectory.StageRecord
		err error
	)
	if s.m.localization == Linear {
		r, err = s.secant(rec, best)
	} else {
		r, err = s.bisect(rec, best)
	}
	return r, best, err
}

// othersHold reports whether the events of transition i other than a are
// already satisfied at the end of rec.
func (s *session) othersHold(i int, a *armed, t float64, rec *trajectory.StageRecord) bool {
	for _, o := range s.armed[i] {
		if o == a {
			continue
		}
		if p, ok := o.ev.(Predicate); ok {
			if !p.Fn(t, rec.XNew) {
				return false
			}
			continue
		}
		if !o.latched {
			return false
		}
	}
	return true
}

// bisect re-steps from the start of rec and keeps the shortest step whose
// end is past the crossing, until the bracket is within the event
// tolerance.
func (s *session) bisect(rec *trajectory.StageRecord, a *armed) (*trajectory.StageRecord, error) {
	zc := a.ev.(ZeroCrossing)
	lo, hi := 0.0, rec.H
	best := rec
	for i := 0; i < maxBisections && hi-lo > s.m.eventTol; i++ {
		mid := 0.5 * (lo + hi)
		r, err := s.in.StepTo(s.run, mid)
		if err != nil {
			return nil, err
		}
		if crossed(zc.Direction, a.prev, zc.Guard(r.End(), r.XNew)) {
			hi, best = mid, r
		} else {
			lo = mid
		}
	}
	return best, nil
}

// secant re-steps from the start of rec to the regula falsi estimate of
// the crossing, halving the stale end's guard value when the same end is
// kept twice (Illinois). Like bisect it only keeps records whose end is
// past the crossing.
func (s *session) secant(rec *trajectory.StageRecord, a *armed) (*trajectory.StageRecord, error) {
	zc := a.ev.(ZeroCrossing)
	lo, hi := 0.0, rec.H
	glo, ghi := a.prev, zc.Guard(rec.End(), rec.XNew)
	best := rec
	side := 0
	for i := 0; i < maxBisections && hi-lo > s.m.eventTol; i++ {
		mid := hi - ghi*(hi-lo)/(ghi-glo)
		if !(mid > lo && mid < hi) {
			mid = 0.5 * (lo + hi)
		}
		r, err := s.in.StepTo(s.run, mid)
		if err != nil {
			return nil, err
		}
		g := zc.Guard(r.End(), r.XNew)
		if crossed(zc.Direction, a.prev, g) {
			hi, ghi, best = mid, g, r
			if g == 0 {
				break
			}
			if side > 0 {
				glo *= 0.5
			}
			side = 1
		} else {
			lo, glo = mid, g
			if side < 0 {
				ghi *= 0.5
			}
			side = -1
		}
	}
	return best, nil
}
