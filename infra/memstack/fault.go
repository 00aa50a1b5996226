package memstack

import (
	"fmt"
	"strings"
	"sync"

	"meshnode/internal/check"
)

// Fault points evaluated by Stack.
const (
	PointJoin         = "join"
	PointConnect      = "connect"
	PointAddNetKey    = "add-net-key"
	PointAddAppKey    = "add-app-key"
	PointBind         = "bind"
	PointSend         = "send"
	PointScan         = "scan"
	PointAdmit        = "admit"
	PointAdmitOutcome = "admit-outcome"
)

// Hook inspects the arguments of a call and may fail it.
type Hook func(args ...any) error

type pointFault struct {
	onceErrs  []error
	alwaysErr error
	hook      Hook
}

// Faults injects errors into stack operations by point name.
type Faults struct {
	mu     sync.Mutex
	points map[string]*pointFault
}

func newFaults() *Faults {
	return &Faults{points: make(map[string]*pointFault)}
}

// FailOnce fails the next evaluation of point with err.
func (f *Faults) FailOnce(point string, err error) {
	check.Assert(strings.TrimSpace(point) != "", "memstack.Faults.FailOnce: point must not be empty")
	check.Assert(err != nil, "memstack.Faults.FailOnce: err must not be nil")
	if err == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	pf := f.ensure(point)
	pf.onceErrs = append(pf.onceErrs, err)
}

// FailAlways fails every evaluation of point with err until Clear.
func (f *Faults) FailAlways(point string, err error) {
	check.Assert(err != nil, "memstack.Faults.FailAlways: err must not be nil")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensure(point).alwaysErr = err
}

func (f *Faults) SetHook(point string, hook Hook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensure(point).hook = hook
}

func (f *Faults) Clear(point string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.points, point)
}

// eval runs the hook, then a queued one-shot error, then the persistent one.
func (f *Faults) eval(point string, args ...any) error {
	f.mu.Lock()
	pf := f.points[point]
	if pf == nil {
		f.mu.Unlock()
		return nil
	}
	hook := pf.hook
	var onceErr error
	if len(pf.onceErrs) > 0 {
		onceErr = pf.onceErrs[0]
		pf.onceErrs = pf.onceErrs[1:]
	}
	alwaysErr := pf.alwaysErr
	f.mu.Unlock()

	if hook != nil {
		if err := hook(args...); err != nil {
			return fmt.Errorf("fault %s: %w", point, err)
		}
	}
	if onceErr != nil {
		return fmt.Errorf("fault %s: %w", point, onceErr)
	}
	if alwaysErr != nil {
		return fmt.Errorf("fault %s: %w", point, alwaysErr)
	}
	return nil
}

func (f *Faults) ensure(point string) *pointFault {
	pf, ok := f.points[point]
	if !ok {
		pf = &pointFault{}
		f.points[point] = pf
	}
	return pf
}
