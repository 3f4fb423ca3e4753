package align

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// EngineState is the alignment lifecycle.
type EngineState int

const (
	StateIdle EngineState = iota
	StateInsufficient
	StateComputing
	StateValid
	StateError
)

func (s EngineState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInsufficient:
		return "insufficient"
	case StateComputing:
		return "computing"
	case StateValid:
		return "valid"
	case StateError:
		return "error"
	}
	return "unknown"
}

// AlignmentResult is the engine's current best alignment. PoorQuality is
// set when the residuals exceed the configured thresholds; the alignment
// stays valid and usable.
type AlignmentResult struct {
	Transform          Mat4
	Stats              ErrorStats
	State              EngineState
	Message            string
	FromICP            bool
	PoorQuality        bool
	ImprovementPercent float64
}

// QualityThresholds bound the residuals a fit may have before it is
// flagged as poor. Zero values disable the check.
type QualityThresholds struct {
	RMS float64
	Max float64
}

// EngineCallbacks receive engine notifications. All callbacks fire on one
// internal goroutine, in a fixed order per recompute: correspondences,
// state, transform, quality, result. Nil members are skipped.
type EngineCallbacks struct {
	CorrespondencesChanged func(count int)
	StateChanged           func(state EngineState, message string)
	TransformUpdated       func(t Mat4)
	QualityUpdated         func(stats ErrorStats)
	ResultUpdated          func(res AlignmentResult)
	ICPStarted             func()
	ICPProgress            func(iteration int, rms float64, t Mat4)
	ICPFinished            func(res ICPResult)
}

const (
	// duplicateEps is the minimum spacing between correspondences, 1 mm.
	duplicateEps = 0.001

	defaultDebounce = 50 * time.Millisecond

	minCorrespondences = 3
)

// ErrDuplicatePair means two source points or two target points of the
// correspondence set sit within a millimeter of each other.
var ErrDuplicatePair = errors.New("align: duplicate correspondence")

// Engine keeps a correspondence set, recomputes the rigid alignment as
// pairs change and runs ICP refinement on demand. Mutations are
// debounced so bursts of edits collapse into one recompute.
type Engine struct {
	mu       sync.Mutex
	cb       EngineCallbacks
	pairs    []PointPair
	source   *PointCloud
	target   *PointCloud
	state    EngineState
	result   AlignmentResult
	debounce *time.Timer
	delay    time.Duration
	quality  QualityThresholds
	icp      *ICP
	events   chan func()
	done     chan struct{}
	closed   bool
}

// NewEngine starts the event goroutine and returns an idle engine.
func NewEngine(cb EngineCallbacks) *Engine {
	e := &Engine{
		cb:     cb,
		state:  StateIdle,
		delay:  defaultDebounce,
		events: make(chan func(), 256),
		done:   make(chan struct{}),
	}
	go func() {
		defer close(e.done)
		for fn := range e.events {
			fn()
		}
	}()
	return e
}

// SetDebounce overrides the recompute delay. Zero disables coalescing;
// every mutation recomputes synchronously.
func (e *Engine) SetDebounce(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.delay = d
}

// SetQualityThresholds installs the residual limits used to flag poor
// results.
func (e *Engine) SetQualityThresholds(t QualityThresholds) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.quality = t
}

func (e *Engine) poorQuality(s ErrorStats) bool {
	e.mu.Lock()
	q := e.quality
	e.mu.Unlock()
	if q.RMS <= 0 {
		return false
	}
	if s.RMS > q.RMS {
		return true
	}
	return q.Max > 0 && s.Max > q.Max
}

// Close stops the debounce timer and the event goroutine, draining
// pending callbacks first.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	if e.debounce != nil {
		e.debounce.Stop()
	}
	e.mu.Unlock()
	close(e.events)
	<-e.done
}

// Flush blocks until every callback queued so far has been delivered.
func (e *Engine) Flush() {
	ch := make(chan struct{})
	e.emit(func() { close(ch) })
	<-ch
}

func (e *Engine) emit(fn func()) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return
	}
	e.events <- fn
}

// SetClouds installs the full source and target clouds used by ICP.
func (e *Engine) SetClouds(source, target *PointCloud) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.source, e.target = source, target
}

// State returns the current lifecycle state.
func (e *Engine) State() EngineState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Result returns the current alignment result.
func (e *Engine) Result() AlignmentResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.result
}

// Correspondences returns a copy of the pair set.
func (e *Engine) Correspondences() []PointPair {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]PointPair, len(e.pairs))
	copy(out, e.pairs)
	return out
}

// SetCorrespondences replaces the whole pair set and schedules a
// recompute. The set is validated during the recompute.
func (e *Engine) SetCorrespondences(pairs []PointPair) {
	e.mu.Lock()
	e.pairs = make([]PointPair, len(pairs))
	copy(e.pairs, pairs)
	count := len(e.pairs)
	e.mu.Unlock()

	e.notifyPairs(count)
	e.scheduleRecompute()
}

// AddCorrespondence appends a pair and schedules a recompute. Duplicate
// detection happens during the recompute, over the whole set.
func (e *Engine) AddCorrespondence(p PointPair) {
	e.mu.Lock()
	e.pairs = append(e.pairs, p)
	count := len(e.pairs)
	e.mu.Unlock()

	e.notifyPairs(count)
	e.scheduleRecompute()
}

// RemoveCorrespondence deletes the pair at index i.
func (e *Engine) RemoveCorrespondence(i int) error {
	e.mu.Lock()
	if i < 0 || i >= len(e.pairs) {
		e.mu.Unlock()
		return fmt.Errorf("align: correspondence index %d out of range [0, %d)", i, len(e.pairs))
	}
	e.pairs = append(e.pairs[:i], e.pairs[i+1:]...)
	count := len(e.pairs)
	e.mu.Unlock()

	e.notifyPairs(count)
	e.scheduleRecompute()
	return nil
}

// ClearCorrespondences drops every pair and resets to idle.
func (e *Engine) ClearCorrespondences() {
	e.mu.Lock()
	e.pairs = nil
	if e.debounce != nil {
		e.debounce.Stop()
	}
	e.mu.Unlock()

	e.notifyPairs(0)
	e.setState(StateIdle, "cleared")
	e.mu.Lock()
	e.result = AlignmentResult{Transform: Identity(), State: StateIdle}
	res := e.result
	e.mu.Unlock()
	e.emit(func() {
		if e.cb.ResultUpdated != nil {
			e.cb.ResultUpdated(res)
		}
	})
}

func (e *Engine) notifyPairs(count int) {
	e.emit(func() {
		if e.cb.CorrespondencesChanged != nil {
			e.cb.CorrespondencesChanged(count)
		}
	})
}

func (e *Engine) setState(s EngineState, msg string) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
	e.emit(func() {
		if e.cb.StateChanged != nil {
			e.cb.StateChanged(s, msg)
		}
	})
}

// validatePairs rejects a set in which two source points or two target
// points sit within a millimeter of each other. The endpoints are
// compared independently: two picks of the same source point cannot
// demand different targets.
func validatePairs(pairs []PointPair) error {
	for i := range pairs {
		for j := i + 1; j < len(pairs); j++ {
			if pairs[i].Source.Dist(pairs[j].Source) < duplicateEps {
				return fmt.Errorf("%w: sources %d and %d", ErrDuplicatePair, i, j)
			}
			if pairs[i].Target.Dist(pairs[j].Target) < duplicateEps {
				return fmt.Errorf("%w: targets %d and %d", ErrDuplicatePair, i, j)
			}
		}
	}
	return nil
}

// scheduleRecompute arms the debounce timer; edits arriving inside the
// window coalesce into one recompute.
func (e *Engine) scheduleRecompute() {
	e.mu.Lock()
	delay := e.delay
	if delay <= 0 {
		e.mu.Unlock()
		e.recompute()
		return
	}
	if e.debounce == nil {
		e.debounce = time.AfterFunc(delay, e.recompute)
	} else {
		e.debounce.Reset(delay)
	}
	e.mu.Unlock()
}

// recompute runs the closed-form fit over the current pairs and publishes
// the outcome.
func (e *Engine) recompute() {
	e.mu.Lock()
	pairs := make([]PointPair, len(e.pairs))
	copy(pairs, e.pairs)
	e.mu.Unlock()

	if len(pairs) < minCorrespondences {
		msg := fmt.Sprintf("need %d correspondences, have %d", minCorrespondences, len(pairs))
		e.setState(StateInsufficient, msg)
		return
	}
	if err := validatePairs(pairs); err != nil {
		log.Printf("[ENGINE] %v", err)
		e.setState(StateError, err.Error())
		return
	}

	e.setState(StateComputing, "computing alignment")

	t, err := RigidFitPairs(pairs)
	if err != nil {
		log.Printf("[ENGINE] alignment failed: %v", err)
		e.setState(StateError, err.Error())
		return
	}
	if !t.IsRigid(1e-6) {
		log.Printf("[ENGINE] fit produced a non-rigid transform")
		e.setState(StateError, "fit produced a non-rigid transform")
		return
	}
	stats := ComputeErrorStats(PairResiduals(pairs, t))
	poor := e.poorQuality(stats)

	e.mu.Lock()
	e.result = AlignmentResult{
		Transform:   t,
		Stats:       stats,
		State:       StateValid,
		Message:     fmt.Sprintf("aligned %d pairs, rms %.4f m", len(pairs), stats.RMS),
		PoorQuality: poor,
	}
	res := e.result
	e.mu.Unlock()

	e.setState(StateValid, res.Message)
	e.emit(func() {
		if e.cb.TransformUpdated != nil {
			e.cb.TransformUpdated(res.Transform)
		}
	})
	e.emit(func() {
		if e.cb.QualityUpdated != nil {
			e.cb.QualityUpdated(res.Stats)
		}
	})
	e.emit(func() {
		if e.cb.ResultUpdated != nil {
			e.cb.ResultUpdated(res)
		}
	})
}

// RunICP refines the alignment against the installed clouds, seeded by
// the manual transform when one is valid and by identity otherwise. It
// blocks until the run ends; use a goroutine and CancelICP for
// interactive use.
func (e *Engine) RunICP(params ICPParams) (ICPResult, error) {
	e.mu.Lock()
	if e.source == nil || e.target == nil {
		e.mu.Unlock()
		return ICPResult{}, errors.New("align: clouds not set")
	}
	if e.state == StateComputing {
		e.mu.Unlock()
		return ICPResult{}, errors.New("align: refinement already running")
	}
	source, target := e.source, e.target
	manual := e.result
	seed := Identity()
	seededFromManual := e.state == StateValid
	if seededFromManual {
		seed = manual.Transform
	}
	icp := NewICP(params)
	e.icp = icp
	e.mu.Unlock()

	e.setState(StateComputing, "icp refinement")
	e.emit(func() {
		if e.cb.ICPStarted != nil {
			e.cb.ICPStarted()
		}
	})
	icp.Progress = func(iter int, rms float64, t Mat4) {
		e.emit(func() {
			if e.cb.ICPProgress != nil {
				e.cb.ICPProgress(iter, rms, t)
			}
		})
	}

	res, err := icp.Run(source, target, seed)

	e.mu.Lock()
	e.icp = nil
	e.mu.Unlock()

	if err != nil {
		e.setState(StateError, err.Error())
		e.emit(func() {
			if e.cb.ICPFinished != nil {
				e.cb.ICPFinished(res)
			}
		})
		return res, err
	}

	improvement := 0.0
	if seededFromManual && manual.Stats.RMS > 0 {
		improvement = (manual.Stats.RMS - res.FinalRMS) / manual.Stats.RMS * 100
	}

	e.mu.Lock()
	pairs := make([]PointPair, len(e.pairs))
	copy(pairs, e.pairs)
	e.mu.Unlock()
	stats := ComputeErrorStats(PairResiduals(pairs, res.Transform))
	poor := e.poorQuality(stats)

	e.mu.Lock()
	e.result = AlignmentResult{
		Transform:          res.Transform,
		Stats:              stats,
		State:              StateValid,
		Message:            fmt.Sprintf("icp: %d iterations, rms %.4f m", res.Iterations, res.FinalRMS),
		FromICP:            true,
		PoorQuality:        poor,
		ImprovementPercent: improvement,
	}
	final := e.result
	e.mu.Unlock()

	e.setState(StateValid, final.Message)
	e.emit(func() {
		if e.cb.TransformUpdated != nil {
			e.cb.TransformUpdated(final.Transform)
		}
	})
	e.emit(func() {
		if e.cb.QualityUpdated != nil {
			e.cb.QualityUpdated(final.Stats)
		}
	})
	e.emit(func() {
		if e.cb.ResultUpdated != nil {
			e.cb.ResultUpdated(final)
		}
	})
	e.emit(func() {
		if e.cb.ICPFinished != nil {
			e.cb.ICPFinished(res)
		}
	})
	return res, nil
}

// CancelICP requests a cooperative stop of the in-flight refinement.
func (e *Engine) CancelICP() {
	e.mu.Lock()
	icp := e.icp
	e.mu.Unlock()
	if icp != nil {
		icp.Cancel()
	}
}
