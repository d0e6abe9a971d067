// Package dashboard is the terminal presentation layer. The Model folds the
// telemetry, ack, log, gear and workout streams into one snapshot; the
// Controller turns key presses into workout and gear commands; the tview
// View renders the snapshot.
package dashboard

import (
	"context"
	"log"
	"sync"

	"github.com/nford88/hybrid-workout-ftms/internal/events"
	"github.com/nford88/hybrid-workout-ftms/internal/ftms"
	"github.com/nford88/hybrid-workout-ftms/internal/gearing"
	"github.com/nford88/hybrid-workout-ftms/internal/go_func_utils"
	"github.com/nford88/hybrid-workout-ftms/internal/store"
	"github.com/nford88/hybrid-workout-ftms/internal/workout"
)

const maxLogLines = 1000

// Telemetry and Acks are satisfied by *ftms.Session.
type Telemetry interface {
	ListenToTelemetry(ch chan<- ftms.Sample) func()
}

type Acks interface {
	ListenToAcks(ch chan<- ftms.Ack) func()
}

type Connections interface {
	ListenToConnection(ch chan<- ftms.ConnectionEvent) func()
}

// Lines is satisfied by *logging.Logging.
type Lines interface {
	ListenToLines(ch chan<- string) func()
}

// GearStream is satisfied by *gearing.Gearbox.
type GearStream interface {
	ListenToGearChanges(ch chan<- gearing.Gear) func()
	CurrentGear() gearing.Gear
	Enabled() bool
}

// WorkoutStream is satisfied by *workout.Scheduler.
type WorkoutStream interface {
	ListenToState(ch chan<- workout.StateEvent) func()
	ListenToProgress(ch chan<- workout.Progress) func()
	ListenToStepSummaries(ch chan<- workout.StepSummary) func()
}

// Snapshot is everything the view draws.
type Snapshot struct {
	TrainerName    string
	TrainerAddress string
	Connected      bool
	Sample         ftms.Sample
	HasSample      bool
	LastAck        *ftms.Ack
	Gear           gearing.Gear
	GearingEnabled bool
	State          workout.StateEvent
	Progress       workout.Progress
	Steps          []workout.StepSummary
	Plans          []store.PlanInfo
	SelectedPlan   int
}

type ModelConfig struct {
	Telemetry   Telemetry
	Acks        Acks
	Connections Connections
	Lines       Lines
	Gears       GearStream
	Workout     WorkoutStream
	Logger      *log.Logger
}

type Model struct {
	logger *log.Logger

	mu       sync.RWMutex
	snapshot Snapshot

	logMu    sync.RWMutex
	logLines []string

	changed          *events.Stream[struct{}]
	logEvent         *events.Stream[string]
	closeApplication *events.Stream[struct{}]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewModel subscribes to every non-nil source. Shutdown releases them.
func NewModel(cfg ModelConfig) *Model {
	if cfg.Logger == nil {
		panic("UIModel: logger cannot be nil")
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Model{
		logger:           cfg.Logger,
		snapshot:         Snapshot{SelectedPlan: -1},
		logLines:         make([]string, 0, maxLogLines),
		changed:          events.NewStream[struct{}](false),
		logEvent:         events.NewStream[string](false),
		closeApplication: events.NewStream[struct{}](true),
		ctx:              ctx,
		cancel:           cancel,
	}

	if cfg.Gears != nil {
		m.snapshot.Gear = cfg.Gears.CurrentGear()
		m.snapshot.GearingEnabled = cfg.Gears.Enabled()
		listen(m, cfg.Gears.ListenToGearChanges, func(g gearing.Gear) {
			m.update(func(s *Snapshot) {
				s.Gear = g
				s.GearingEnabled = cfg.Gears.Enabled()
			})
		})
	}
	if cfg.Telemetry != nil {
		listen(m, cfg.Telemetry.ListenToTelemetry, func(sample ftms.Sample) {
			m.update(func(s *Snapshot) {
				s.Sample = sample
				s.HasSample = true
			})
		})
	}
	if cfg.Acks != nil {
		listen(m, cfg.Acks.ListenToAcks, func(ack ftms.Ack) {
			m.update(func(s *Snapshot) { s.LastAck = &ack })
		})
	}
	if cfg.Connections != nil {
		listen(m, cfg.Connections.ListenToConnection, func(ev ftms.ConnectionEvent) {
			m.update(func(s *Snapshot) {
				s.Connected = ev.State == ftms.StateConnected
				s.TrainerAddress = ev.Address
				s.TrainerName = ev.Name
			})
		})
	}
	if cfg.Workout != nil {
		listen(m, cfg.Workout.ListenToState, func(ev workout.StateEvent) {
			m.update(func(s *Snapshot) {
				if ev.Reason == workout.ReasonStart {
					s.Steps = nil
				}
				s.State = ev
				s.Progress.Status = ev.Status
			})
		})
		listen(m, cfg.Workout.ListenToProgress, func(p workout.Progress) {
			m.update(func(s *Snapshot) { s.Progress = p })
		})
		listen(m, cfg.Workout.ListenToStepSummaries, func(sum workout.StepSummary) {
			m.update(func(s *Snapshot) { s.Steps = append(s.Steps, sum) })
		})
	}
	if cfg.Lines != nil {
		listen(m, cfg.Lines.ListenToLines, m.appendLog)
	}
	return m
}

// listen drains a source channel on its own goroutine until Shutdown.
func listen[T any](m *Model, subscribe func(chan<- T) func(), handle func(T)) {
	ch := make(chan T, 16)
	unregister := subscribe(ch)
	m.wg.Add(1)
	go_func_utils.SafeGo(m.logger, func() {
		defer m.wg.Done()
		defer unregister()
		for {
			select {
			case <-m.ctx.Done():
				return
			case v, ok := <-ch:
				if !ok {
					return
				}
				handle(v)
			}
		}
	})
}

func (m *Model) update(fn func(*Snapshot)) {
	m.mu.Lock()
	fn(&m.snapshot)
	m.mu.Unlock()
	m.changed.Notify(struct{}{})
}

// Shutdown stops all listeners and waits for them to finish
func (m *Model) Shutdown() {
	m.logger.Println("UIModel: Shutting down")
	m.cancel()
	m.wg.Wait()
	m.logger.Println("UIModel: Shutdown complete")
}

// Snapshot returns a copy of the current state.
func (m *Model) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.snapshot
	s.Steps = append([]workout.StepSummary(nil), m.snapshot.Steps...)
	s.Plans = append([]store.PlanInfo(nil), m.snapshot.Plans...)
	if m.snapshot.LastAck != nil {
		ack := *m.snapshot.LastAck
		s.LastAck = &ack
	}
	return s
}

// ListenToChanges fires after every snapshot update.
func (m *Model) ListenToChanges(ch chan<- struct{}) func() {
	return m.changed.Listen(ch)
}

func (m *Model) ListenToLog(ch chan<- string) func() {
	return m.logEvent.Listen(ch)
}

func (m *Model) ListenToCloseApplication(ch chan<- struct{}) func() {
	return m.closeApplication.Listen(ch)
}

// RequestCloseApplication signals that the application should close
func (m *Model) RequestCloseApplication() {
	m.closeApplication.Notify(struct{}{})
}

// SetTrainer records the trainer the session connected to.
func (m *Model) SetTrainer(name, address string, connected bool) {
	m.update(func(s *Snapshot) {
		s.TrainerName = name
		s.TrainerAddress = address
		s.Connected = connected
	})
}

// SetPlans replaces the plan list and keeps the selection on the plan
// with preferredID when it is present.
func (m *Model) SetPlans(plans []store.PlanInfo, preferredID string) {
	m.update(func(s *Snapshot) {
		s.Plans = append([]store.PlanInfo(nil), plans...)
		s.SelectedPlan = -1
		for i, p := range plans {
			if p.ID == preferredID {
				s.SelectedPlan = i
				break
			}
		}
		if s.SelectedPlan < 0 && len(plans) > 0 {
			s.SelectedPlan = 0
		}
	})
}

// SelectPlan moves the selection; out of range indexes are ignored.
func (m *Model) SelectPlan(index int) (store.PlanInfo, bool) {
	var selected store.PlanInfo
	ok := false
	m.update(func(s *Snapshot) {
		if index < 0 || index >= len(s.Plans) {
			return
		}
		s.SelectedPlan = index
		selected = s.Plans[index]
		ok = true
	})
	return selected, ok
}

// SelectedPlan returns the highlighted plan, if any.
func (m *Model) SelectedPlan() (store.PlanInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.snapshot.SelectedPlan < 0 || m.snapshot.SelectedPlan >= len(m.snapshot.Plans) {
		return store.PlanInfo{}, false
	}
	return m.snapshot.Plans[m.snapshot.SelectedPlan], true
}

func (m *Model) appendLog(line string) {
	m.logMu.Lock()
	if len(m.logLines) >= maxLogLines {
		m.logLines = m.logLines[1:]
	}
	m.logLines = append(m.logLines, line)
	m.logMu.Unlock()
	m.logEvent.Notify(line)
}

// LogTail returns the last n log lines.
func (m *Model) LogTail(n int) []string {
	m.logMu.RLock()
	defer m.logMu.RUnlock()
	if n <= 0 {
		return nil
	}
	start := max(len(m.logLines)-n, 0)
	return append([]string(nil), m.logLines[start:]...)
}
