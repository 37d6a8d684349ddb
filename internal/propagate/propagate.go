// Package propagate implements the cross-service target-propagation
// algebra and the DepsView the state machine needs to check dependency
// satisfaction. Both read only index arrays on service.Config (the
// precomputed propagation arrays and the resolved needs/wants/conflicts/
// groups lists) and never walk the dependency graph, so one SetTarget call
// costs O(|propagate arrays| + |groups|) writes. A group member that a
// propagation array also lists is written twice; the groups pass runs last.
package propagate

import "github.com/gosv/internal/service"

// Deps adapts a service.Table into the statemachine.DepsView interface.
type Deps struct {
	Table *service.Table
}

func (d Deps) state(i int) service.State { return d.Table.Records[i].State }

func (d Deps) NeedsSatisfied(needs []int) bool {
	for _, i := range needs {
		if d.state(i) != service.Up {
			return false
		}
	}
	return true
}

func (d Deps) WantsSatisfied(wants []int) bool {
	for _, i := range wants {
		s := d.state(i)
		if s != service.Up && s != service.Failed && s != service.CannotStop {
			return false
		}
	}
	return true
}

func (d Deps) ConflictsSatisfied(conflicts []int) bool {
	for _, i := range conflicts {
		s := d.state(i)
		if s != service.Down && s != service.Failed {
			return false
		}
	}
	return true
}

func (d Deps) StopDependentsSettled(indices []int) bool {
	for _, i := range indices {
		s := d.state(i)
		if s != service.Down && s != service.WaitingToStart && s != service.Failed && s != service.CannotStop {
			return false
		}
	}
	return true
}

// SetTarget applies target T to service index s, then propagates to
// dependents/dependencies/conflicts/groups per spec §4.3, using only the
// precomputed arrays on s's Config. If s was Failed, the Failed->Down
// reset is performed *before* the new target is written, so the
// operator's request always wins — resolving spec §9's second open
// question in the operator's favor, per DESIGN.md.
func SetTarget(t *service.Table, s int, target service.Target) {
	r := t.Records[s]

	if r.State == service.Failed {
		r.State = service.Down
		r.AttemptCount = 0
	}

	setOne(t, s, target)

	switch target {
	case service.TargetUp, service.TargetOnce:
		for _, i := range r.Cfg.TargetUpPropagateUp {
			setOne(t, i, service.TargetUp)
		}
		for _, i := range r.Cfg.TargetUpPropagateDown {
			setOne(t, i, service.TargetDown)
		}
	case service.TargetDown:
		for _, i := range r.Cfg.TargetDownPropagateDown {
			setOne(t, i, service.TargetDown)
		}
	case service.TargetRestart:
		for _, i := range r.Cfg.TargetDownPropagateDown {
			dep := t.Records[i]
			switch dep.Target {
			case service.TargetUp:
				setOne(t, i, service.TargetRestart)
			case service.TargetOnce:
				setOne(t, i, service.TargetDown)
			}
		}
		for _, i := range r.Cfg.TargetUpPropagateUp {
			setOne(t, i, service.TargetUp)
		}
		for _, i := range r.Cfg.TargetUpPropagateDown {
			setOne(t, i, service.TargetDown)
		}
	}

	for _, i := range r.Cfg.Groups {
		setOne(t, i, target)
	}
}

func setOne(t *service.Table, i int, target service.Target) {
	r := t.Records[i]
	if r.Target == target && r.Dirty {
		return
	}
	r.Target = target
	r.Dirty = true
}
