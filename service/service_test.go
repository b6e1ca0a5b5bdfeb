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
	"testing"
	"time"

	mesos "github.com/mesos/mesos-go/api/v0/mesosproto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goofusuper/marathon/app"
	"github.com/goofusuper/marathon/config"
	"github.com/goofusuper/marathon/deploy"
	"github.com/goofusuper/marathon/election"
	"github.com/goofusuper/marathon/events"
	"github.com/goofusuper/marathon/tasks"
)

// ----------------------- fakes ------------------------- //

type fakeDriver struct {
	mut      sync.Mutex
	runCh    chan error
	running  chan struct{}
	stopped  bool
	failover bool
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		runCh:   make(chan error, 1),
		running: make(chan struct{}),
	}
}

func (d *fakeDriver) Run() (mesos.Status, error) {
	close(d.running)
	if err := <-d.runCh; err != nil {
		return mesos.Status_DRIVER_ABORTED, err
	}
	return mesos.Status_DRIVER_STOPPED, nil
}

func (d *fakeDriver) Stop(failover bool) (mesos.Status, error) {
	d.mut.Lock()
	defer d.mut.Unlock()
	if !d.stopped {
		d.stopped = true
		d.failover = failover
		select {
		case d.runCh <- nil:
		default:
		}
	}
	return mesos.Status_DRIVER_STOPPED, nil
}

func (d *fakeDriver) wasStopped() (stopped, failover bool) {
	d.mut.Lock()
	defer d.mut.Unlock()
	return d.stopped, d.failover
}

type fakeActor struct {
	mut            sync.Mutex
	order          *callOrder
	scaleCalls     int
	reconcileCalls int
	healthCalls    int
	kills          map[string][]string
	prepares       int
	stops          int
	prepareErr     error
}

func newFakeActor(order *callOrder) *fakeActor {
	return &fakeActor{order: order, kills: map[string][]string{}}
}

func (a *fakeActor) PrepareForStart() <-chan error {
	a.mut.Lock()
	a.prepares++
	err := a.prepareErr
	a.mut.Unlock()
	a.order.record("coordinator")
	ch := make(chan error, 1)
	ch <- err
	return ch
}

func (a *fakeActor) Stop() {
	a.mut.Lock()
	defer a.mut.Unlock()
	a.stops++
}

func (a *fakeActor) ScaleApps() {
	a.mut.Lock()
	defer a.mut.Unlock()
	a.scaleCalls++
}

func (a *fakeActor) ReconcileTasks() {
	a.mut.Lock()
	defer a.mut.Unlock()
	a.reconcileCalls++
}

func (a *fakeActor) ReconcileHealthChecks() {
	a.mut.Lock()
	defer a.mut.Unlock()
	a.healthCalls++
}

func (a *fakeActor) KillTasks(appID string, taskIDs []string) {
	a.mut.Lock()
	defer a.mut.Unlock()
	a.kills[appID] = append(a.kills[appID], taskIDs...)
}

func (a *fakeActor) Deploy(plan *deploy.Plan, force bool) error { return nil }
func (a *fakeActor) CancelDeployment(id string)                 {}
func (a *fakeActor) RunningDeployments(timeout time.Duration) ([]deploy.RunningDeployment, error) {
	return nil, nil
}

func (a *fakeActor) counts() (scale, reconcile, health int) {
	a.mut.Lock()
	defer a.mut.Unlock()
	return a.scaleCalls, a.reconcileCalls, a.healthCalls
}

type fakeMigration struct {
	mut   sync.Mutex
	order *callOrder
	calls int
	err   error
}

func (m *fakeMigration) Migrate() error {
	m.mut.Lock()
	defer m.mut.Unlock()
	m.calls++
	m.order.record("migrate")
	return m.err
}

type fakeCallback struct {
	order    *callOrder
	hang     bool
	defeated int
	mut      sync.Mutex
}

func (c *fakeCallback) OnElectedPrepare() <-chan error {
	if c.hang {
		return make(chan error)
	}
	c.order.record("callback")
	ch := make(chan error, 1)
	ch <- nil
	return ch
}

func (c *fakeCallback) OnDefeated() <-chan error {
	c.mut.Lock()
	c.defeated++
	c.mut.Unlock()
	ch := make(chan error, 1)
	ch <- nil
	return ch
}

type fakeApps struct {
	ids []string
}

func (f *fakeApps) CurrentVersion(id string) (*app.App, error) { return nil, errors.New("unused") }
func (f *fakeApps) Version(id, version string) (*app.App, error) {
	return nil, errors.New("unused")
}
func (f *fakeApps) ListVersions(id string) ([]string, error) { return nil, errors.New("unused") }
func (f *fakeApps) AllIDs() ([]string, error)                { return f.ids, nil }

type fakeCandidate struct {
	mut      sync.Mutex
	offers   int
	listener election.Listener
	offered  chan struct{}
}

func newFakeCandidate() *fakeCandidate {
	return &fakeCandidate{offered: make(chan struct{}, 16)}
}

func (c *fakeCandidate) OfferLeadership(listener election.Listener) error {
	c.mut.Lock()
	c.offers++
	c.listener = listener
	c.mut.Unlock()
	c.offered <- struct{}{}
	return nil
}

func (c *fakeCandidate) offerCount() int {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.offers
}

// callOrder records the sequence of preparation steps across fakes.
type callOrder struct {
	mut   sync.Mutex
	steps []string
}

func (o *callOrder) record(step string) {
	o.mut.Lock()
	defer o.mut.Unlock()
	o.steps = append(o.steps, step)
}

func (o *callOrder) snapshot() []string {
	o.mut.Lock()
	defer o.mut.Unlock()
	return append([]string{}, o.steps...)
}

// ----------------------- harness ------------------------- //

type env struct {
	svc       *SchedulerService
	cfg       *config.Config
	candidate *fakeCandidate
	bus       *events.Bus
	eventsCh  <-chan events.Event
	migration *fakeMigration
	callback  *fakeCallback
	actor     *fakeActor
	tracker   *tasks.Tracker
	apps      *fakeApps
	order     *callOrder

	mut     sync.Mutex
	drivers []*fakeDriver
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Master = "master:5050"
	cfg.ZKHosts = []string{"zk:2181"}
	cfg.HostName = "host-a"
	cfg.ZKTimeout = 200 * time.Millisecond
	cfg.ReconciliationInitialDelay = 40 * time.Millisecond
	cfg.ReconciliationInterval = 40 * time.Millisecond
	cfg.ScaleAppsInitialDelay = 30 * time.Millisecond
	cfg.ScaleAppsInterval = 30 * time.Millisecond
	cfg.OnElectedPrepareTimeout = time.Second
	cfg.MaxActorStartupTime = time.Second
	return cfg
}

func newEnv(candidate *fakeCandidate) *env {
	order := &callOrder{}
	e := &env{
		cfg:       testConfig(),
		candidate: candidate,
		bus:       events.NewBus(),
		migration: &fakeMigration{order: order},
		callback:  &fakeCallback{order: order},
		actor:     newFakeActor(order),
		tracker:   tasks.NewTracker(),
		apps:      &fakeApps{},
		order:     order,
	}
	e.eventsCh = e.bus.Subscribe()

	var cand election.Candidate
	if candidate != nil {
		cand = candidate
	}
	e.svc = NewSchedulerService(
		e.cfg,
		cand,
		e.bus,
		e.migration,
		[]LeadershipCallback{e.callback},
		e.actor,
		e.tracker,
		e.apps,
		e.newDriver,
	)
	return e
}

func (e *env) newDriver() (Driver, error) {
	e.mut.Lock()
	defer e.mut.Unlock()
	e.order.record("driver")
	d := newFakeDriver()
	e.drivers = append(e.drivers, d)
	return d, nil
}

func (e *env) driverCount() int {
	e.mut.Lock()
	defer e.mut.Unlock()
	return len(e.drivers)
}

func (e *env) driver(i int) *fakeDriver {
	e.mut.Lock()
	defer e.mut.Unlock()
	return e.drivers[i]
}

func (e *env) awaitEvent(t *testing.T, eventType string) events.Event {
	t.Helper()
	select {
	case ev := <-e.eventsCh:
		require.Equal(t, eventType, ev.EventType())
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s event", eventType)
		return nil
	}
}

func (e *env) awaitOffer(t *testing.T) {
	t.Helper()
	select {
	case <-e.candidate.offered:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a candidacy offer")
	}
}

// ----------------------- scenarios ------------------------- //

func TestSoloColdStart(t *testing.T) {
	e := newEnv(nil)
	runDone := make(chan struct{})
	go func() {
		e.svc.Run()
		close(runDone)
	}()

	// With no coordination service the replica self-elects after the
	// initial backoff delay.
	e.awaitEvent(t, "elected_as_leader")
	assert.True(t, e.svc.Leader())
	require.Equal(t, 1, e.driverCount())
	select {
	case <-e.driver(0).running:
	case <-time.After(time.Second):
		t.Fatal("driver worker never started")
	}
	assert.Equal(t, 1, e.migration.calls)

	e.svc.TriggerShutdown()
	select {
	case <-runDone:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after TriggerShutdown")
	}
	stopped, failover := e.driver(0).wasStopped()
	assert.True(t, stopped)
	assert.True(t, failover, "shutdown must stop the driver with failover")
	assert.False(t, e.svc.Leader())
}

func TestHAWinResetsBackoffAndPublishesOnce(t *testing.T) {
	e := newEnv(newFakeCandidate())
	go e.svc.Run()
	defer e.svc.TriggerShutdown()
	e.awaitOffer(t)

	hookCalls := 0
	e.candidate.listener.OnElected(func() { hookCalls++ })

	e.awaitEvent(t, "elected_as_leader")
	assert.True(t, e.svc.Leader())
	assert.Equal(t, 500*time.Millisecond, e.svc.backoff.Get())
	assert.Equal(t, 0, hookCalls, "the driver-exit handler owns the hook after activation")

	select {
	case ev := <-e.eventsCh:
		t.Fatalf("unexpected second event %s", ev.EventType())
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPreparationFailureBacksOffAndRunsHook(t *testing.T) {
	e := newEnv(newFakeCandidate())
	e.migration.err = errors.New("schema migration failed")
	go e.svc.Run()
	defer e.svc.TriggerShutdown()
	e.awaitOffer(t)

	hookCalls := 0
	e.candidate.listener.OnElected(func() { hookCalls++ })

	assert.Equal(t, 1, hookCalls, "failed preparation must run the abdication hook")
	assert.Equal(t, time.Second, e.svc.backoff.Get(), "backoff must double")
	assert.Equal(t, 0, e.driverCount(), "no driver may be constructed")
	assert.False(t, e.svc.Leader())

	// The standby event from the abdication is published; elected is not.
	e.awaitEvent(t, "standby")

	// Candidacy is re-offered after the increased backoff.
	e.awaitOffer(t)
	assert.Equal(t, 2, e.candidate.offerCount())
}

func TestDefeatTearsDownInOrder(t *testing.T) {
	e := newEnv(newFakeCandidate())
	go e.svc.Run()
	defer e.svc.TriggerShutdown()
	e.awaitOffer(t)
	e.candidate.listener.OnElected(func() {})
	e.awaitEvent(t, "elected_as_leader")

	e.tracker.Track(&app.Task{ID: app.NewTaskID("web"), AppID: "web"})

	e.candidate.listener.OnDefeated()

	assert.False(t, e.svc.Leader())
	e.awaitEvent(t, "standby")
	assert.Empty(t, e.tracker.All(), "task tracker must be cleared on defeat")
	stopped, failover := e.driver(0).wasStopped()
	assert.True(t, stopped)
	assert.True(t, failover)
	e.callback.mut.Lock()
	assert.Equal(t, 1, e.callback.defeated)
	e.callback.mut.Unlock()

	// Candidacy is re-offered after defeat.
	e.awaitOffer(t)
}

func TestDriverCrashRunsHookAndKeepsBackoff(t *testing.T) {
	e := newEnv(newFakeCandidate())
	go e.svc.Run()
	defer e.svc.TriggerShutdown()
	e.awaitOffer(t)

	var hookOnce sync.Once
	hookCalls := 0
	hook := func() {
		hookOnce.Do(func() {
			hookCalls++
			// The coordination service answers an abdication with
			// the defeated callback.
			go e.svc.OnDefeated()
		})
	}
	e.candidate.listener.OnElected(hook)
	e.awaitEvent(t, "elected_as_leader")
	<-e.driver(0).running

	e.driver(0).runCh <- errors.New("driver blew up")

	e.awaitEvent(t, "standby")
	e.awaitOffer(t)
	assert.Equal(t, 1, hookCalls)
	// Activation succeeded, so the crash does not increase backoff.
	assert.Equal(t, 500*time.Millisecond, e.svc.backoff.Get())
	assert.Equal(t, uint32(1), e.svc.Stats.DriverFailures)
}

func TestPreparationOrdering(t *testing.T) {
	e := newEnv(newFakeCandidate())
	go e.svc.Run()
	defer e.svc.TriggerShutdown()
	e.awaitOffer(t)
	e.candidate.listener.OnElected(func() {})
	e.awaitEvent(t, "elected_as_leader")

	assert.Equal(t, []string{"migrate", "callback", "coordinator", "driver"}, e.order.snapshot())
}

func TestCallbackTimeoutAbortsPreparation(t *testing.T) {
	e := newEnv(newFakeCandidate())
	e.cfg.OnElectedPrepareTimeout = 50 * time.Millisecond
	e.callback.hang = true
	go e.svc.Run()
	defer e.svc.TriggerShutdown()
	e.awaitOffer(t)

	hookCalls := 0
	e.candidate.listener.OnElected(func() { hookCalls++ })

	assert.Equal(t, 1, hookCalls)
	assert.Equal(t, 0, e.driverCount())
	assert.Equal(t, uint32(1), e.svc.Stats.PreparationFailures)
}

func TestTickerJobsFireOnlyWhileLeader(t *testing.T) {
	e := newEnv(newFakeCandidate())
	go e.svc.Run()
	defer e.svc.TriggerShutdown()
	e.awaitOffer(t)
	e.candidate.listener.OnElected(func() {})
	e.awaitEvent(t, "elected_as_leader")

	require.Eventually(t, func() bool {
		scale, reconcile, health := e.actor.counts()
		return scale >= 2 && reconcile >= 1 && health >= 1
	}, 2*time.Second, 10*time.Millisecond)

	e.candidate.listener.OnDefeated()
	e.awaitEvent(t, "standby")

	scale, reconcile, _ := e.actor.counts()
	time.Sleep(200 * time.Millisecond)
	scaleAfter, reconcileAfter, _ := e.actor.counts()
	assert.Equal(t, scale, scaleAfter, "no scale job may fire after defeat")
	assert.Equal(t, reconcile, reconcileAfter, "no reconcile job may fire after defeat")
}

func TestExpungeOrphanedTasks(t *testing.T) {
	e := newEnv(newFakeCandidate())
	e.apps.ids = []string{"web"}
	orphan := app.NewTaskID("gone")
	e.tracker.Track(&app.Task{ID: app.NewTaskID("web"), AppID: "web"})
	e.tracker.Track(&app.Task{ID: orphan, AppID: "gone"})

	e.svc.expungeOrphanedTasks()

	assert.Equal(t, 1, e.tracker.Count("web"))
	assert.Equal(t, 0, e.tracker.Count("gone"))
	e.actor.mut.Lock()
	assert.Equal(t, []string{orphan}, e.actor.kills["gone"])
	e.actor.mut.Unlock()
}

func TestShutdownIsIdempotent(t *testing.T) {
	e := newEnv(nil)
	runDone := make(chan struct{})
	go func() {
		e.svc.Run()
		close(runDone)
	}()
	e.awaitEvent(t, "elected_as_leader")

	e.svc.TriggerShutdown()
	e.svc.TriggerShutdown()
	e.svc.TriggerShutdown()

	select {
	case <-runDone:
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
	assert.False(t, e.svc.Leader())
	stopped, _ := e.driver(0).wasStopped()
	assert.True(t, stopped)
}

func TestElectedDuringShutdownAbdicatesImmediately(t *testing.T) {
	e := newEnv(newFakeCandidate())
	go e.svc.Run()
	e.awaitOffer(t)
	e.svc.TriggerShutdown()

	hookCalls := 0
	e.candidate.listener.OnElected(func() { hookCalls++ })

	assert.Equal(t, 1, hookCalls, "an election during shutdown is abdicated immediately")
	assert.Equal(t, 0, e.migration.calls)
	assert.False(t, e.svc.Leader())
}

func TestNoOffersAfterShutdown(t *testing.T) {
	e := newEnv(newFakeCandidate())
	go e.svc.Run()
	e.awaitOffer(t)
	e.candidate.listener.OnElected(func() {})
	e.awaitEvent(t, "elected_as_leader")

	e.svc.TriggerShutdown()
	offers := e.candidate.offerCount()
	time.Sleep(700 * time.Millisecond)
	assert.Equal(t, offers, e.candidate.offerCount(), "no candidacy offers after shutdown")
}
