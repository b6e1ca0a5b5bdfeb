/**
 * Licensed to the Apache Software Foundation (ASF) under one
 * or more contributor license agreements.  See the NOTICE file
 * distributed with this work for additional information
 * regarding copyright ownership.  The ASF licenses this file
 * to you under the Apache License, Version 2.0 (the
 * "License"); you may not use this file except in compliance
 * with the License.  You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package service

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/golang/glog"
	mesos "github.com/mesos/mesos-go/api/v0/mesosproto"

	"github.com/goofusuper/marathon/app"
	"github.com/goofusuper/marathon/config"
	"github.com/goofusuper/marathon/deploy"
	"github.com/goofusuper/marathon/election"
	"github.com/goofusuper/marathon/events"
)

// ErrPrepareTimeout is returned when a leadership-preparation step did not
// complete within its configured bound.
var ErrPrepareTimeout = errors.New("service: timed out preparing for leadership")

// Driver is the slice of the mesos scheduler driver the service owns.  A
// driver cannot be restarted after Stop; the service constructs a fresh one
// for every activation.
type Driver interface {
	Run() (mesos.Status, error)
	Stop(failover bool) (mesos.Status, error)
}

// DriverFactory builds the driver for one leadership epoch.
type DriverFactory func() (Driver, error)

// LeadershipCallback is invoked around every leadership transition.  Both
// sides return a channel carrying the completion of the callback's work.
type LeadershipCallback interface {
	OnElectedPrepare() <-chan error
	OnDefeated() <-chan error
}

// Coordinator starts and drains the subsystems that only run on the leader.
type Coordinator interface {
	PrepareForStart() <-chan error
	Stop()
}

// Migration upgrades persisted state before this replica activates.
type Migration interface {
	Migrate() error
}

// TaskTracker is the slice of the task registry the service touches.
type TaskTracker interface {
	Clear()
	ExpungeOrphans(known map[string]struct{}) []*app.Task
}

// Actor is the scheduler actor the periodic jobs and the exposed surface
// talk to.
type Actor interface {
	Coordinator
	ScaleApps()
	ReconcileTasks()
	ReconcileHealthChecks()
	KillTasks(appID string, taskIDs []string)
	Deploy(plan *deploy.Plan, force bool) error
	CancelDeployment(id string)
	RunningDeployments(timeout time.Duration) ([]deploy.RunningDeployment, error)
}

// AppReader serves the synchronous app lookups of the exposed surface.
type AppReader interface {
	CurrentVersion(id string) (*app.App, error)
	Version(id, version string) (*app.App, error)
	ListVersions(id string) ([]string, error)
	AllIDs() ([]string, error)
}

type Stats struct {
	ElectionsWon        uint32 `json:"elections_won"`
	LeadershipLost      uint32 `json:"leadership_lost"`
	PreparationFailures uint32 `json:"preparation_failures"`
	DriverFailures      uint32 `json:"driver_failures"`
}

// SchedulerService is the long-running shell of one scheduler replica.  It
// offers candidacy, runs the elected-preparation sequence, supervises the
// driver for the current epoch, schedules the periodic jobs and tears all
// of that down again on defeat or shutdown.
type SchedulerService struct {
	Stats Stats

	config *config.Config
	// candidate is nil when running without a coordination service; the
	// service then elects itself immediately.
	candidate election.Candidate
	backoff   *election.Backoff
	bus       *events.Bus

	migration Migration
	callbacks []LeadershipCallback
	actor     Actor
	tracker   TaskTracker
	apps      AppReader
	newDriver DriverFactory

	// leaderFlag has a single writer, the transition paths below, all of
	// which run under mut.  Peripheral readers go through Leader().
	leaderFlag atomic.Bool
	running    atomic.Bool

	// mut is the candidacy monitor: it serializes offers, the elected and
	// defeated transitions, and all driver-slot mutation.
	mut        sync.Mutex
	driver     Driver
	offerTimer *time.Timer
	ticker     *periodicJobs

	latch    chan struct{}
	stopOnce sync.Once
}

func NewSchedulerService(
	cfg *config.Config,
	candidate election.Candidate,
	bus *events.Bus,
	migration Migration,
	callbacks []LeadershipCallback,
	actor Actor,
	tracker TaskTracker,
	apps AppReader,
	newDriver DriverFactory,
) *SchedulerService {
	return &SchedulerService{
		config:    cfg,
		candidate: candidate,
		backoff:   election.NewBackoff(),
		bus:       bus,
		migration: migration,
		callbacks: callbacks,
		actor:     actor,
		tracker:   tracker,
		apps:      apps,
		newDriver: newDriver,
		latch:     make(chan struct{}),
	}
}

// Leader reports whether this replica currently drives the fleet.  It is
// the process-wide read-only view of the leader flag.
func (s *SchedulerService) Leader() bool {
	return s.leaderFlag.Load()
}

// ----------------------- lifecycle shell ------------------------- //

// StartUp marks the service as started.  No blocking work happens here.
func (s *SchedulerService) StartUp() {
	if s.running.CompareAndSwap(false, true) {
		log.Infof("Starting scheduler service as %s", s.config.HostName)
	}
}

// Run offers candidacy and then blocks until TriggerShutdown releases the
// latch.
func (s *SchedulerService) Run() {
	s.StartUp()
	s.mut.Lock()
	s.scheduleOffer()
	s.mut.Unlock()
	<-s.latch
	log.Info("Scheduler service run loop exiting.")
}

// TriggerShutdown stops driving, releases all leadership resources and lets
// Run return.  Repeated calls are no-ops.
func (s *SchedulerService) TriggerShutdown() {
	s.stopOnce.Do(func() {
		log.Info("Shutting down scheduler service.")
		s.running.Store(false)
		s.mut.Lock()
		if s.offerTimer != nil {
			s.offerTimer.Stop()
			s.offerTimer = nil
		}
		s.leaderFlag.Store(false)
		if s.driver != nil {
			if _, err := s.driver.Stop(true); err != nil {
				log.Errorf("Error stopping driver during shutdown: %s", err)
			}
			s.driver = nil
		}
		s.stopTicker()
		s.mut.Unlock()
		s.actor.Stop()
		close(s.latch)
	})
}

func (s *SchedulerService) isRunning() bool {
	return s.running.Load()
}

// ----------------------- candidacy ------------------------- //

// scheduleOffer arms the offer timer with the current backoff delay.  A
// pending offer is replaced, which keeps racing re-offer paths (driver exit
// vs. failure recovery) from stacking up.  Callers hold mut.
func (s *SchedulerService) scheduleOffer() {
	if !s.isRunning() {
		return
	}
	if s.offerTimer != nil {
		s.offerTimer.Stop()
	}
	delay := s.backoff.Get()
	log.V(2).Infof("Will offer leadership candidacy in %s.", delay)
	s.offerTimer = time.AfterFunc(delay, s.offerCandidacy)
}

func (s *SchedulerService) offerCandidacy() {
	s.mut.Lock()
	defer s.mut.Unlock()
	if !s.isRunning() {
		return
	}
	if s.candidate == nil {
		// No coordination service: become leader immediately.
		s.electLeadership(nil)
		return
	}
	if err := s.candidate.OfferLeadership(s); err != nil {
		log.Errorf("Failed to offer leadership candidacy: %s", err)
		s.backoff.Increase()
		s.scheduleOffer()
	}
}

// OnElected is delivered by the coordination service once this replica
// holds leadership.
func (s *SchedulerService) OnElected(abdicate func()) {
	s.mut.Lock()
	defer s.mut.Unlock()
	if !s.isRunning() {
		log.Warning("Elected while shutting down, abdicating immediately.")
		if abdicate != nil {
			abdicate()
		}
		return
	}
	s.electLeadership(abdicate)
}

// OnDefeated is delivered by the coordination service once leadership has
// been lost.
func (s *SchedulerService) OnDefeated() {
	log.Info("Leadership lost.")
	s.mut.Lock()
	defer s.mut.Unlock()
	s.abdicateLeadership()
	if s.isRunning() {
		s.scheduleOffer()
	}
}

// ----------------------- elected preparation ------------------------- //

// electLeadership runs the preparation sequence and activates, or abdicates
// and re-offers on any failure.  Callers hold mut.
func (s *SchedulerService) electLeadership(abdicate func()) {
	log.Info("Elected as leader, beginning preparation.")
	driverOwnsHook := false
	if err := s.prepare(abdicate, &driverOwnsHook); err != nil {
		atomic.AddUint32(&s.Stats.PreparationFailures, 1)
		log.Errorf("Failed to take over leadership: %s", err)
		s.backoff.Increase()
		s.abdicateLeadership()
		if !driverOwnsHook && abdicate != nil {
			abdicate()
		}
		if s.isRunning() {
			s.scheduleOffer()
		}
	}
}

// prepare runs the strict elected sequence: migration, leadership
// callbacks, coordinator start, driver construction, activation.  Once the
// driver worker is launched the abdication hook belongs to it and
// driverOwnsHook is flipped.
func (s *SchedulerService) prepare(abdicate func(), driverOwnsHook *bool) error {
	if err := s.migration.Migrate(); err != nil {
		return err
	}

	completions := make([]<-chan error, 0, len(s.callbacks))
	for _, cb := range s.callbacks {
		completions = append(completions, cb.OnElectedPrepare())
	}
	if err := awaitAll(s.config.OnElectedPrepareTimeout, completions); err != nil {
		return err
	}

	if err := awaitAll(s.config.MaxActorStartupTime, []<-chan error{s.actor.PrepareForStart()}); err != nil {
		return err
	}

	driver, err := s.newDriver()
	if err != nil {
		return err
	}

	// Activation.  The order matters: the driver worker must be running
	// before the elected event goes out, and the ticker arms last.
	s.stopTicker()
	s.driver = driver
	s.leaderFlag.Store(true)
	*driverOwnsHook = true
	go s.superviseDriver(driver, abdicate)
	atomic.AddUint32(&s.Stats.ElectionsWon, 1)
	s.bus.Publish(events.ElectedAsLeader{Host: s.config.HostName, At: time.Now()})
	s.startTicker()
	s.backoff.Reset()
	log.Info("Leadership preparation complete, driver running.")
	return nil
}

// ----------------------- driver supervision ------------------------- //

// superviseDriver runs the driver to completion on its own worker.  The
// driver blocks until it is stopped or fails; in either case this epoch is
// over.
func (s *SchedulerService) superviseDriver(driver Driver, abdicate func()) {
	status, err := driver.Run()
	if err != nil {
		atomic.AddUint32(&s.Stats.DriverFailures, 1)
		log.Errorf("Driver failed: %s", err)
	} else {
		log.Infof("Driver finished with status %s.", status.String())
	}

	if abdicate != nil {
		// Relinquish candidacy; the coordination service answers with
		// OnDefeated, which performs the defeat transition and
		// re-offers.
		abdicate()
		return
	}

	s.mut.Lock()
	defer s.mut.Unlock()
	s.leaderFlag.Store(false)
	if s.driver == driver {
		s.driver = nil
	}
	if s.isRunning() {
		s.scheduleOffer()
	}
}

// ----------------------- defeat ------------------------- //

// abdicateLeadership performs the defeat transition: ticker first so no new
// work is scheduled, then the driver, then subsystem teardown.  Callers
// hold mut.  Safe to run when not leader: the ticker and driver steps are
// no-ops then, while the defeat callbacks, actor stop, tracker clear and
// standby event still run.
func (s *SchedulerService) abdicateLeadership() {
	s.stopTicker()

	if s.driver != nil {
		log.Info("Stopping driver with failover.")
		if _, err := s.driver.Stop(true); err != nil {
			log.Errorf("Error stopping driver: %s", err)
		}
		s.driver = nil
	}

	completions := make([]<-chan error, 0, len(s.callbacks))
	for _, cb := range s.callbacks {
		completions = append(completions, cb.OnDefeated())
	}
	if err := awaitAll(s.config.ZKTimeout, completions); err != nil {
		log.Errorf("Leadership callback failed during defeat: %s", err)
	}

	s.actor.Stop()
	s.tracker.Clear()

	if s.leaderFlag.Swap(false) {
		atomic.AddUint32(&s.Stats.LeadershipLost, 1)
	}
	s.bus.Publish(events.Standby{Host: s.config.HostName, At: time.Now()})
}

// awaitAll waits for every completion, bounded by one shared timeout.  The
// first error wins.
func awaitAll(timeout time.Duration, completions []<-chan error) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for _, ch := range completions {
		select {
		case err := <-ch:
			if err != nil {
				return err
			}
		case <-deadline.C:
			return ErrPrepareTimeout
		}
	}
	return nil
}

// ----------------------- exposed surface ------------------------- //

// Deploy starts a deployment, resolving once the scheduler actor accepted
// it or failing with the original cause.
func (s *SchedulerService) Deploy(plan *deploy.Plan, force bool) error {
	return s.actor.Deploy(plan, force)
}

// CancelDeployment is fire-and-forget.
func (s *SchedulerService) CancelDeployment(id string) {
	s.actor.CancelDeployment(id)
}

// ListRunningDeployments snapshots the running deployments, failing with a
// timeout error when the scheduler actor does not answer in time.
func (s *SchedulerService) ListRunningDeployments() ([]deploy.RunningDeployment, error) {
	return s.actor.RunningDeployments(s.config.ZKTimeout)
}

func (s *SchedulerService) GetApp(id string) (*app.App, error) {
	return s.apps.CurrentVersion(id)
}

func (s *SchedulerService) GetAppVersion(id, version string) (*app.App, error) {
	return s.apps.Version(id, version)
}

func (s *SchedulerService) ListAppVersions(id string) ([]string, error) {
	return s.apps.ListVersions(id)
}

// KillTasks asks the scheduler actor to kill the given tasks and echoes
// them back.
func (s *SchedulerService) KillTasks(appID string, taskIDs []string) []string {
	s.actor.KillTasks(appID, taskIDs)
	return taskIDs
}
