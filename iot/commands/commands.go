/*Package commands binds the access-control engine, the schedule compiler and the job
scheduler into the operations the API offers.

Every device-scoped operation first checks that the caller owns the device. Domain events
are published after the corresponding change has been committed. A failing event sink is
logged but does not fail the operation, the change itself has already happened.

Removing a device cancels all pending jobs of the device.
*/
package commands

import (
	"context"

	"github.com/relabs-tech/devicecloud/core/logger"
	"github.com/relabs-tech/devicecloud/iot/devices"
	"github.com/relabs-tech/devicecloud/iot/events"
	"github.com/relabs-tech/devicecloud/iot/ownership"
	"github.com/relabs-tech/devicecloud/iot/schedule"
	"github.com/relabs-tech/devicecloud/iot/scheduler"
)

// Service is the command orchestrator
type Service struct {
	engine    *ownership.Engine
	compiler  *schedule.Compiler
	scheduler *scheduler.Scheduler
	sink      events.Sink
}

// Builder is a builder helper for the Service
type Builder struct {
	// Engine is the access-control engine. This is mandatory.
	Engine *ownership.Engine
	// Scheduler is the job scheduler. This is mandatory.
	Scheduler *scheduler.Scheduler
	// Compiler compiles schedule requests. Defaults to schedule.NewCompiler().
	Compiler *schedule.Compiler
	// Sink receives the domain events. Defaults to events.LogSink.
	Sink events.Sink
}

// New returns a new service
func New(b *Builder) *Service {
	if b.Engine == nil {
		panic("Engine is missing")
	}
	if b.Scheduler == nil {
		panic("Scheduler is missing")
	}
	s := &Service{
		engine:    b.Engine,
		compiler:  b.Compiler,
		scheduler: b.Scheduler,
		sink:      b.Sink,
	}
	if s.compiler == nil {
		s.compiler = schedule.NewCompiler()
	}
	if s.sink == nil {
		s.sink = events.LogSink{}
	}
	return s
}

func (s *Service) publish(ctx context.Context, evs ...events.Event) {
	if err := s.sink.Publish(ctx, evs...); err != nil {
		logger.FromContext(ctx).WithError(err).Errorln("Error 4601: cannot publish events")
	}
}

// requireOwner returns ownership.ErrDeviceNotFound or ownership.ErrNotOwner unless the
// user owns the device
func (s *Service) requireOwner(ctx context.Context, userID, deviceID string) error {
	exists, err := s.engine.DeviceExists(ctx, deviceID)
	if err != nil {
		return err
	}
	if !exists {
		return ownership.ErrDeviceNotFound
	}
	owned, err := s.engine.IsOwnedBy(ctx, deviceID, userID)
	if err != nil {
		return err
	}
	if !owned {
		return ownership.ErrNotOwner
	}
	return nil
}

// Register creates a new account and requests its verification
func (s *Service) Register(ctx context.Context, userID, password string) error {
	event, err := s.engine.Register(ctx, userID, password)
	if err != nil {
		return err
	}
	s.publish(ctx, *event)
	return nil
}

// SetBrokerPassword sets the broker secret of the user's virtual device
func (s *Service) SetBrokerPassword(ctx context.Context, userID, secret string) error {
	return s.engine.SetAccountSecret(ctx, userID, secret)
}

// Activate makes the user the owner of the device
func (s *Service) Activate(ctx context.Context, userID, deviceID, displayName string) (*devices.OwnerLink, error) {
	link, err := s.engine.Attach(ctx, userID, deviceID, displayName)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, events.New(events.DeviceActivated, userID, deviceID))
	return link, nil
}

// RemoveDevice releases the user's ownership of the device and cancels the device's
// pending jobs. It returns the ids of the cancelled jobs.
func (s *Service) RemoveDevice(ctx context.Context, userID, deviceID string) ([]string, error) {
	if err := s.engine.Detach(ctx, userID, deviceID); err != nil {
		return nil, err
	}
	jobIDs := s.scheduler.RemoveDevice(ctx, deviceID)

	evs := []events.Event{events.New(events.DeviceRemoved, userID, deviceID)}
	for _, id := range jobIDs {
		e := events.New(events.JobRemoved, userID, deviceID)
		e.JobID = id
		evs = append(evs, e)
	}
	s.publish(ctx, evs...)
	return jobIDs, nil
}

// Devices returns the devices the user owns
func (s *Service) Devices(ctx context.Context, userID string) ([]devices.OwnedDevice, error) {
	return s.engine.Devices(ctx, userID)
}

// DevicePassword generates a new secret for a device the user owns
func (s *Service) DevicePassword(ctx context.Context, userID, deviceID string) (string, error) {
	return s.engine.RekeyOwned(ctx, userID, deviceID)
}

// Schedule compiles the request and schedules the resulting job on a device the user
// owns. The topic must lie in the device's namespace. It returns the job id.
func (s *Service) Schedule(ctx context.Context, userID string, req schedule.Request) (string, error) {
	if err := s.requireOwner(ctx, userID, req.DeviceID); err != nil {
		return "", err
	}
	// jobs are published by the broker itself, past the access rules of any client
	if !devices.TopicMatches(ownership.NamespaceOf(req.DeviceID), req.Topic) {
		logger.FromContext(ctx).WithField("device", req.DeviceID).Infoln("job topic outside the device namespace:", req.Topic)
		return "", ownership.ErrNotOwner
	}
	spec, err := s.compiler.Compile(req)
	if err != nil {
		return "", err
	}
	jobID, err := s.scheduler.Schedule(ctx, spec)
	if err != nil {
		return "", err
	}
	e := events.New(events.JobScheduled, userID, req.DeviceID)
	e.JobID = jobID
	s.publish(ctx, e)
	return jobID, nil
}

// CancelJob removes a pending job of a device the user owns. Jobs of other devices are
// reported as scheduler.ErrJobNotFound.
func (s *Service) CancelJob(ctx context.Context, userID, deviceID, jobID string) error {
	if err := s.requireOwner(ctx, userID, deviceID); err != nil {
		return err
	}
	job, ok := s.scheduler.Job(jobID)
	if !ok || job.DeviceID != deviceID {
		return scheduler.ErrJobNotFound
	}
	if err := s.scheduler.Remove(ctx, jobID); err != nil {
		return err
	}
	e := events.New(events.JobRemoved, userID, deviceID)
	e.JobID = jobID
	s.publish(ctx, e)
	return nil
}

// Jobs returns the pending jobs of a device the user owns
func (s *Service) Jobs(ctx context.Context, userID, deviceID string) ([]scheduler.Job, error) {
	if err := s.requireOwner(ctx, userID, deviceID); err != nil {
		return nil, err
	}
	return s.scheduler.Jobs(deviceID), nil
}
