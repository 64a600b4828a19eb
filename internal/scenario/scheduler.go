package scenario

import "time"

// DefaultInterval is the scheduler tick period.
const DefaultInterval = 100 * time.Millisecond

// State of a Scheduler.
type State int

const (
	Stopped State = iota
	Running
	Paused
)

func (s State) String() string {
	switch s {
	case Running:
		return "RUNNING"
	case Paused:
		return "PAUSED"
	default:
		return "STOPPED"
	}
}

// Tick is the outcome of one scheduler step.
type Tick struct {
	Key    float64 // rounded scenario time of this step
	Events []Event // due at Key, in document order
	End    bool    // the scenario is over; the scheduler has stopped
}

// Scheduler replays a Scenario one tick at a time. It performs no I/O and
// owns no timer: the caller arms a ticker while State is Running and calls
// Tick on every fire. Not safe for concurrent use.
//
// The scenario time is derived from an integer tick count, so it never
// drifts from the rounded keys of the table.
type Scheduler struct {
	interval time.Duration
	scenario *Scenario
	state    State
	ticks    int64
}

// NewScheduler creates a stopped scheduler. A non-positive interval falls
// back to DefaultInterval.
func NewScheduler(interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{interval: interval}
}

// Interval is the tick period.
func (s *Scheduler) Interval() time.Duration { return s.interval }

// State reports the run state.
func (s *Scheduler) State() State { return s.state }

// Scenario returns the loaded scenario, or nil.
func (s *Scheduler) Scenario() *Scenario { return s.scenario }

// Index is the scenario time the next Tick will evaluate.
func (s *Scheduler) Index() float64 {
	return Round1(float64(s.ticks) * s.interval.Seconds())
}

// Load replaces the scenario and stops any run. A nil scenario is rejected
// and leaves the scheduler untouched.
func (s *Scheduler) Load(sc *Scenario) error {
	if sc == nil {
		return ErrEmpty
	}
	s.Stop()
	s.scenario = sc
	return nil
}

// Run starts from zero when stopped, resumes at the preserved index when
// paused, and keeps the index when already running.
func (s *Scheduler) Run() error {
	if s.scenario == nil {
		return ErrNoScenario
	}
	s.state = Running
	return nil
}

// Stop halts and rewinds to zero.
func (s *Scheduler) Stop() {
	s.state = Stopped
	s.ticks = 0
}

// Pause halts and keeps the index.
func (s *Scheduler) Pause() {
	if s.state == Running {
		s.state = Paused
	}
}

// Tick evaluates the current index and advances it by one interval. Once
// the index passes the scenario end it returns End and stops. Ticks while
// not running return the zero Tick.
func (s *Scheduler) Tick() Tick {
	if s.state != Running || s.scenario == nil {
		return Tick{}
	}

	key := s.Index()
	if key > s.scenario.EndTime() {
		s.Stop()
		return Tick{Key: key, End: true}
	}

	events := s.scenario.Events(key)
	s.ticks++
	return Tick{Key: key, Events: append([]Event(nil), events...)}
}
