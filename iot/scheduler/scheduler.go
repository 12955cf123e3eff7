/*Package scheduler implements the job scheduler for scheduled device commands

The scheduler keeps a registry of pending jobs, keyed by job id. When a job's trigger
matures, the job's command is handed to the dispatcher. One-shot jobs fire once and are
removed afterwards, recurring jobs fire on every selected weekday inside their window.

Each job goes through the states

	Scheduled -> Firing -> Completed | Scheduled | Cancelled

A job can only be removed while it is Scheduled. Removing a job which is firing, which
has completed or which never existed yields ErrJobNotFound.

Firings run on a bounded pool of workers. A firing that has to wait for a worker is
delayed, never dropped. The job stays Scheduled while its firing waits, so it can still be
removed until the firing begins. At most MaxInstances firings of the same job run at the
same time.

The registry lives in memory. Pending jobs do not survive a restart of the process.
*/
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/relabs-tech/devicecloud/core/logger"
	"github.com/relabs-tech/devicecloud/iot"
	"github.com/relabs-tech/devicecloud/iot/schedule"
	"github.com/robfig/cron/v3"
)

// Errors returned by the scheduler
var (
	ErrJobNotFound      = errors.New("job not found")
	ErrRegistryConflict = errors.New("job registry conflict")
	ErrNoOccurrence     = errors.New("trigger has no future occurrence")
)

// Defaults of the Builder
const (
	DefaultWorkers      = 20
	DefaultMaxInstances = 3
)

// State is the state of a job
type State int

// Job states
const (
	StateScheduled State = iota
	StateFiring
	StateCompleted
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateScheduled:
		return "scheduled"
	case StateFiring:
		return "firing"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Job is a snapshot of a registered job
type Job struct {
	ID       string
	DeviceID string
	Topic    string
	Payload  string
	Kind     schedule.Kind
	State    State
	Start    time.Time
	End      *time.Time
	Days     []schedule.DayToken
	// Next is the next firing time. It is zero while the scheduler is not running.
	Next time.Time
}

type entry struct {
	spec       schedule.Spec
	trigger    cron.Schedule
	cronID     cron.EntryID
	state      State
	firing     int
	queued     int
	retire     bool
	instances  chan struct{}
	logContext []byte
}

// Scheduler is the job scheduler. Create it with New, then Start it.
type Scheduler struct {
	mutex        sync.Mutex
	cron         *cron.Cron
	jobs         map[string]*entry
	dispatcher   iot.Dispatcher
	pool         chan struct{}
	maxInstances int
}

// Builder is a builder helper for the Scheduler
type Builder struct {
	// Dispatcher executes fired commands. This is mandatory.
	Dispatcher iot.Dispatcher
	// Workers is the number of firings which may dispatch at the same time. Defaults to DefaultWorkers.
	Workers int
	// MaxInstances is the number of concurrent firings of the same job. Defaults to DefaultMaxInstances.
	MaxInstances int
}

// New returns a new scheduler
func New(b *Builder) *Scheduler {
	if b.Dispatcher == nil {
		panic("Dispatcher is missing")
	}
	workers := b.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	maxInstances := b.MaxInstances
	if maxInstances <= 0 {
		maxInstances = DefaultMaxInstances
	}
	cronLogger := cron.PrintfLogger(logger.Default().WithField("component", "scheduler"))
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithParser(parser),
			cron.WithLogger(cronLogger),
			cron.WithChain(cron.Recover(cronLogger)),
		),
		jobs:         make(map[string]*entry),
		dispatcher:   b.Dispatcher,
		pool:         make(chan struct{}, workers),
		maxInstances: maxInstances,
	}
}

// Start starts the trigger evaluation loop in its own go routine
func (s *Scheduler) Start() {
	logger.Default().Infoln("start job scheduler")
	s.cron.Start()
}

// Stop stops the trigger evaluation loop and waits until running firings have completed
// or the context is done
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Schedule registers the job described by spec and returns its id. A registered job
// with the same id is replaced.
func (s *Scheduler) Schedule(ctx context.Context, spec schedule.Spec) (string, error) {
	if spec.JobID == "" {
		return "", errors.New("job id is missing")
	}
	rlog := logger.FromContext(ctx).WithField("job", spec.JobID)

	t, err := trigger(spec)
	if err != nil {
		if errors.Is(err, schedule.ErrNoDaysSelected) {
			return "", err
		}
		rlog.WithError(err).Errorln("Error 4702: cannot build trigger")
		return "", fmt.Errorf("%w: %v", ErrRegistryConflict, err)
	}
	if spec.Kind == schedule.Recurring && t.Next(time.Now().UTC()).IsZero() {
		return "", ErrNoOccurrence
	}

	e := &entry{
		spec:       spec,
		trigger:    t,
		state:      StateScheduled,
		instances:  make(chan struct{}, s.maxInstances),
		logContext: logger.SerializeLoggerContext(ctx),
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	if old, ok := s.jobs[spec.JobID]; ok {
		rlog.Warnln("job id collision, replacing the registered job")
		s.retire(old)
	}
	e.cronID = s.cron.Schedule(t, cron.FuncJob(func() { s.fire(e) }))
	s.jobs[spec.JobID] = e
	rlog.WithField("kind", spec.Kind).Infoln("job scheduled")
	return spec.JobID, nil
}

// retire takes a job out of the registry. A job which is firing completes its current
// firings first. Must be called with the mutex held.
func (s *Scheduler) retire(e *entry) {
	delete(s.jobs, e.spec.JobID)
	if e.state == StateFiring {
		e.retire = true
		return
	}
	s.cron.Remove(e.cronID)
	e.state = StateCancelled
}

// Remove cancels a scheduled job. It returns ErrJobNotFound if there is no such job or if
// the job is already firing.
func (s *Scheduler) Remove(ctx context.Context, jobID string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	e, ok := s.jobs[jobID]
	if !ok || e.state != StateScheduled {
		return ErrJobNotFound
	}
	s.retire(e)
	logger.FromContext(ctx).WithField("job", jobID).Infoln("job removed")
	return nil
}

// RemoveDevice cancels all jobs of a device and returns their ids. Jobs which are firing
// are removed once their current firing completed.
func (s *Scheduler) RemoveDevice(ctx context.Context, deviceID string) []string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	var ids []string
	for id, e := range s.jobs {
		if e.spec.DeviceID == deviceID {
			s.retire(e)
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(ids) > 0 {
		logger.FromContext(ctx).WithField("device", deviceID).Infof("removed %d jobs", len(ids))
	}
	return ids
}

// Job returns a snapshot of a registered job
func (s *Scheduler) Job(jobID string) (Job, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	e, ok := s.jobs[jobID]
	if !ok {
		return Job{}, false
	}
	return s.snapshot(e), true
}

// Jobs returns snapshots of all registered jobs of a device, ordered by job id
func (s *Scheduler) Jobs(deviceID string) []Job {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	var jobs []Job
	for _, e := range s.jobs {
		if e.spec.DeviceID == deviceID {
			jobs = append(jobs, s.snapshot(e))
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })
	return jobs
}

// Len returns the number of registered jobs
func (s *Scheduler) Len() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return len(s.jobs)
}

func (s *Scheduler) snapshot(e *entry) Job {
	return Job{
		ID:       e.spec.JobID,
		DeviceID: e.spec.DeviceID,
		Topic:    e.spec.Topic,
		Payload:  e.spec.Payload,
		Kind:     e.spec.Kind,
		State:    e.state,
		Start:    e.spec.Start,
		End:      e.spec.End,
		Days:     e.spec.Days,
		Next:     s.cron.Entry(e.cronID).Next,
	}
}

// current reports whether the entry is the live registration of its job. Must be called
// with the mutex held.
func (s *Scheduler) current(e *entry) bool {
	if e.retire || s.jobs[e.spec.JobID] != e {
		return false
	}
	return e.state == StateScheduled || e.state == StateFiring
}

// fire runs one firing of a job. It is called by the cron loop in its own go routine.
// While the firing waits for a worker the job stays Scheduled and can still be removed.
func (s *Scheduler) fire(e *entry) {
	s.mutex.Lock()
	if !s.current(e) {
		s.mutex.Unlock()
		return
	}
	e.queued++
	s.mutex.Unlock()

	e.instances <- struct{}{}
	s.pool <- struct{}{}
	release := func() {
		<-s.pool
		<-e.instances
	}

	s.mutex.Lock()
	e.queued--
	if !s.current(e) {
		s.settle(e)
		s.mutex.Unlock()
		release()
		return
	}
	e.state = StateFiring
	e.firing++
	s.mutex.Unlock()

	ctx := logger.ContextWithLoggerFromData(context.Background(), e.logContext)
	rlog := logger.FromContext(ctx).WithField("job", e.spec.JobID)
	func() {
		defer func() {
			if r := recover(); r != nil {
				rlog.Errorf("Error 4701: dispatch panicked: %v", r)
			}
		}()
		s.dispatcher.Execute(e.spec.Topic, e.spec.Payload)
	}()
	release()
	rlog.WithField("payload", e.spec.Payload).Infoln("job fired")

	s.mutex.Lock()
	defer s.mutex.Unlock()
	e.firing--
	s.settle(e)
}

// settle moves a job out of Firing once its last running firing has ended. Must be called
// with the mutex held.
func (s *Scheduler) settle(e *entry) {
	if e.firing > 0 || e.state == StateCancelled || e.state == StateCompleted {
		return
	}
	switch {
	case e.retire:
		s.drop(e)
		e.state = StateCancelled
	case e.queued > 0:
		e.state = StateScheduled
	case e.spec.Kind == schedule.OneShot, e.trigger.Next(time.Now().UTC()).IsZero():
		s.drop(e)
		e.state = StateCompleted
	default:
		e.state = StateScheduled
	}
}

func (s *Scheduler) drop(e *entry) {
	s.cron.Remove(e.cronID)
	if s.jobs[e.spec.JobID] == e {
		delete(s.jobs, e.spec.JobID)
	}
}
