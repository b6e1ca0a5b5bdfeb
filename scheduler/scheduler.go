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

package scheduler

import (
	"errors"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogo/protobuf/proto"
	log "github.com/golang/glog"
	mesos "github.com/mesos/mesos-go/api/v0/mesosproto"
	util "github.com/mesos/mesos-go/api/v0/mesosutil"
	sched "github.com/mesos/mesos-go/api/v0/scheduler"
	"github.com/samuel/go-zookeeper/zk"

	"github.com/goofusuper/marathon/app"
	"github.com/goofusuper/marathon/config"
	"github.com/goofusuper/marathon/deploy"
	"github.com/goofusuper/marathon/rpc"
	"github.com/goofusuper/marathon/tasks"
)

const commandQueueDepth = 256

var (
	// ErrDeploymentInProgress is the cause handed back when a deployment
	// for the same app is already running and force was not given.
	ErrDeploymentInProgress = errors.New("scheduler: deployment already in progress for this app")

	// ErrActorTimeout is returned when the command loop did not answer a
	// request within the configured coordination timeout.
	ErrActorTimeout = errors.New("scheduler: timed out waiting for scheduler actor")

	// ErrActorStopped is returned for requests that cannot be enqueued
	// because the command queue is full.  A request enqueued while the loop
	// is not running times out with ErrActorTimeout instead.
	ErrActorStopped = errors.New("scheduler: scheduler actor is not running")
)

// AppStore is the slice of the app repository the scheduler uses.
type AppStore interface {
	AllIDs() ([]string, error)
	CurrentVersion(id string) (*app.App, error)
	Store(a *app.App) error
}

type Stats struct {
	RunningTasks   uint32 `json:"running_tasks"`
	LaunchedTasks  uint32 `json:"launched_tasks"`
	FailedTasks    uint32 `json:"failed_tasks"`
	DeclinedOffers uint32 `json:"declined_offers"`
}

// MarathonScheduler owns task placement and deployment bookkeeping.  It
// implements the mesos scheduler callbacks and drains a command channel on a
// single goroutine, so deployment state is only touched under its lock or
// from that loop.
type MarathonScheduler struct {
	Stats Stats

	config  *config.Config
	apps    AppStore
	tracker *tasks.Tracker
	zkConn  rpc.ZKClient

	// leader gates offer acceptance; it reads the service's leader flag.
	leader func() bool

	// Injected for tests.
	shutdown        func()
	masterStateFunc func(string) (*rpc.MasterState, error)
	healthCheckAll  func([]*app.Task) map[string]bool

	mut         sync.RWMutex
	driver      sched.SchedulerDriver
	frameworkID *mesos.FrameworkID
	masterInfo  *mesos.MasterInfo
	deployments map[string]*deploy.RunningDeployment

	commands chan command

	loopMut  sync.Mutex
	loopQuit chan struct{}
	loopDone chan struct{}
}

type command interface{}

type (
	scaleApps             struct{}
	reconcileTasks        struct{}
	reconcileHealthChecks struct{}
	killTasks             struct {
		appID   string
		taskIDs []string
	}
	deployApp struct {
		plan  *deploy.Plan
		force bool
		reply chan error
	}
	cancelDeployment struct{ id string }
	listDeployments  struct{ reply chan []deploy.RunningDeployment }
)

func NewMarathonScheduler(
	cfg *config.Config,
	apps AppStore,
	tracker *tasks.Tracker,
	zkConn rpc.ZKClient,
	leader func() bool,
) *MarathonScheduler {
	return &MarathonScheduler{
		config:          cfg,
		apps:            apps,
		tracker:         tracker,
		zkConn:          zkConn,
		leader:          leader,
		shutdown:        func() { os.Exit(1) },
		masterStateFunc: rpc.GetMasterState,
		healthCheckAll:  rpc.HealthCheckAll,
		deployments:     map[string]*deploy.RunningDeployment{},
		commands:        make(chan command, commandQueueDepth),
	}
}

// ----------------------- coordinator lifecycle ------------------------- //

// PrepareForStart spins up the command loop and reports readiness.  This is
// the leadership-coordinator prepare step of the elected sequence.
func (s *MarathonScheduler) PrepareForStart() <-chan error {
	ready := make(chan error, 1)
	s.loopMut.Lock()
	defer s.loopMut.Unlock()
	if s.loopQuit == nil {
		s.loopQuit = make(chan struct{})
		s.loopDone = make(chan struct{})
		go s.loop(s.loopQuit, s.loopDone)
	}
	ready <- nil
	return ready
}

// Stop drains the command loop.  Safe to call repeatedly.
func (s *MarathonScheduler) Stop() {
	s.loopMut.Lock()
	quit, done := s.loopQuit, s.loopDone
	s.loopQuit, s.loopDone = nil, nil
	s.loopMut.Unlock()
	if quit == nil {
		return
	}
	close(quit)
	<-done
}

func (s *MarathonScheduler) loop(quit, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-quit:
			return
		case cmd := <-s.commands:
			s.handle(cmd)
		}
	}
}

// ----------------------- actor surface ------------------------- //

// send enqueues a fire-and-forget command.
func (s *MarathonScheduler) send(cmd command) {
	select {
	case s.commands <- cmd:
	default:
		// Somehow the command queue is full...
		log.Warningf("Scheduler command queue is full, dropping %T!", cmd)
	}
}

func (s *MarathonScheduler) ScaleApps()             { s.send(scaleApps{}) }
func (s *MarathonScheduler) ReconcileTasks()        { s.send(reconcileTasks{}) }
func (s *MarathonScheduler) ReconcileHealthChecks() { s.send(reconcileHealthChecks{}) }

func (s *MarathonScheduler) KillTasks(appID string, taskIDs []string) {
	s.send(killTasks{appID: appID, taskIDs: taskIDs})
}

func (s *MarathonScheduler) CancelDeployment(id string) {
	s.send(cancelDeployment{id: id})
}

// Deploy hands a plan to the command loop and resolves once the deployment
// has started, or fails with the original cause.
func (s *MarathonScheduler) Deploy(plan *deploy.Plan, force bool) error {
	reply := make(chan error, 1)
	select {
	case s.commands <- deployApp{plan: plan, force: force, reply: reply}:
	default:
		return ErrActorStopped
	}
	select {
	case err := <-reply:
		return err
	case <-time.After(s.config.ZKTimeout):
		return ErrActorTimeout
	}
}

// RunningDeployments asks the command loop for a snapshot of the running
// deployments, bounded by the given timeout.
func (s *MarathonScheduler) RunningDeployments(timeout time.Duration) ([]deploy.RunningDeployment, error) {
	reply := make(chan []deploy.RunningDeployment, 1)
	select {
	case s.commands <- listDeployments{reply: reply}:
	default:
		return nil, ErrActorStopped
	}
	select {
	case running := <-reply:
		return running, nil
	case <-time.After(timeout):
		return nil, ErrActorTimeout
	}
}

// ----------------------- command handling ------------------------- //

func (s *MarathonScheduler) handle(cmd command) {
	switch c := cmd.(type) {
	case scaleApps:
		s.scale()
	case reconcileTasks:
		s.reconcile()
	case reconcileHealthChecks:
		s.reconcileHealth()
	case killTasks:
		s.kill(c.appID, c.taskIDs)
	case deployApp:
		c.reply <- s.startDeployment(c.plan, c.force)
	case cancelDeployment:
		s.mut.Lock()
		delete(s.deployments, c.id)
		s.mut.Unlock()
	case listDeployments:
		c.reply <- s.runningDeployments()
	default:
		log.Warningf("Scheduler received unhandled command %T", cmd)
	}
}

func (s *MarathonScheduler) startDeployment(plan *deploy.Plan, force bool) error {
	s.mut.Lock()
	for id, running := range s.deployments {
		if running.Plan.AppID != plan.AppID {
			continue
		}
		if !force {
			s.mut.Unlock()
			return ErrDeploymentInProgress
		}
		log.Infof("Forced deployment %s supersedes %s", plan.ID, id)
		delete(s.deployments, id)
	}
	s.mut.Unlock()

	if plan.Target.CPUs == 0 {
		plan.Target.CPUs = s.config.TaskCPUs
	}
	if plan.Target.Mem == 0 {
		plan.Target.Mem = s.config.TaskMem
	}
	if plan.Target.Disk == 0 {
		plan.Target.Disk = s.config.TaskDisk
	}
	if err := s.apps.Store(plan.Target); err != nil {
		return err
	}

	s.mut.Lock()
	s.deployments[plan.ID] = &deploy.RunningDeployment{
		Plan:      plan,
		StartedAt: time.Now(),
	}
	s.mut.Unlock()

	log.Infof("Deployment %s started for app %s", plan.ID, plan.AppID)
	s.send(scaleApps{})
	return nil
}

func (s *MarathonScheduler) runningDeployments() []deploy.RunningDeployment {
	s.mut.RLock()
	defer s.mut.RUnlock()
	out := make([]deploy.RunningDeployment, 0, len(s.deployments))
	for _, d := range s.deployments {
		out = append(out, *d)
	}
	return out
}

// scale compares every stored app against the tracker and kills surplus
// instances.  Deficits are filled as matching offers arrive.
func (s *MarathonScheduler) scale() {
	ids, err := s.apps.AllIDs()
	if err != nil {
		log.Errorf("Scale pass could not list apps: %s", err)
		return
	}
	for _, id := range ids {
		a, err := s.apps.CurrentVersion(id)
		if err != nil {
			log.Errorf("Scale pass could not read app %s: %s", id, err)
			continue
		}
		// One snapshot only: the task set shrinks concurrently as
		// terminal status updates arrive.
		appTasks := s.tracker.AppTasks(a.ID)
		log.V(2).Infof("App %s: running %d, wanted %d", a.ID, len(appTasks), a.Instances)
		if surplus := len(appTasks) - a.Instances; surplus > 0 {
			for _, task := range appTasks[:surplus] {
				log.Infof("Killing surplus task %s of app %s", task.ID, a.ID)
				s.killOne(task.ID)
			}
		}
	}
	s.finishConvergedDeployments()
}

// reconcile asks the master to re-send status for every task this replica
// believes in, then cross-checks the master's view for tasks whose owning
// app no longer exists and kills them.
func (s *MarathonScheduler) reconcile() {
	s.mut.RLock()
	driver := s.driver
	masterInfo := s.masterInfo
	s.mut.RUnlock()
	if driver == nil {
		log.Warning("Skipping reconciliation: no driver registered yet.")
		return
	}

	statuses := []*mesos.TaskStatus{}
	for _, task := range s.tracker.All() {
		statuses = append(statuses, util.NewTaskStatus(
			util.NewTaskID(task.ID),
			mesos.TaskState_TASK_RUNNING,
		))
	}
	if _, err := driver.ReconcileTasks(statuses); err != nil {
		log.Errorf("Error while calling ReconcileTasks: %s", err)
		return
	}

	if masterInfo == nil || masterInfo.Hostname == nil {
		return
	}
	url := "http://" + masterInfo.GetHostname() + ":" + strconv.Itoa(int(masterInfo.GetPort()))
	state, err := s.masterStateFunc(url)
	if err != nil {
		log.Errorf("Unable to get master state.json: %s", err)
		return
	}

	// ReconcileTasks answers asynchronously: the status updates that
	// repopulate the tracker arrive later, so a task missing from the
	// in-memory map means nothing here.  The master's view is only used
	// to spot tasks whose owning app no longer exists.
	ids, err := s.apps.AllIDs()
	if err != nil {
		log.Errorf("Could not list apps for reconciliation: %s", err)
		return
	}
	knownApps := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		knownApps[id] = struct{}{}
	}
	masterTasks := state.FrameworkTaskIDs(s.config.FrameworkName)
	for _, taskID := range masterTasks {
		appID, err := app.AppIDForTask(taskID)
		if err != nil {
			log.Warningf("Master knows task %s with an unparseable id; leaving it alone.", taskID)
			continue
		}
		if _, ok := knownApps[appID]; !ok {
			log.Warningf("Master knows task %s of expunged app %s.  Killing it.", taskID, appID)
			s.killOne(taskID)
		}
	}
	if tracked := len(s.tracker.All()); tracked != len(masterTasks) {
		log.Infof("Not yet in sync with master: tracking %d tasks, master reports %d.",
			tracked, len(masterTasks))
	}
}

func (s *MarathonScheduler) reconcileHealth() {
	running := []*app.Task{}
	for _, task := range s.tracker.All() {
		if task.Status == mesos.TaskState_TASK_RUNNING.String() {
			running = append(running, task)
		}
	}
	for id, healthy := range s.healthCheckAll(running) {
		s.tracker.SetHealth(id, healthy)
		if !healthy {
			log.Warningf("Task %s is failing its health check.", id)
		}
	}
}

func (s *MarathonScheduler) kill(appID string, taskIDs []string) {
	known := map[string]struct{}{}
	for _, task := range s.tracker.AppTasks(appID) {
		known[task.ID] = struct{}{}
	}
	for _, id := range taskIDs {
		if _, ok := known[id]; !ok {
			log.Warningf("Asked to kill unknown task %s of app %s", id, appID)
		}
		s.killOne(id)
	}
}

func (s *MarathonScheduler) killOne(taskID string) {
	s.mut.RLock()
	driver := s.driver
	s.mut.RUnlock()
	if driver == nil {
		log.Warningf("Cannot kill task %s: no driver registered.", taskID)
		return
	}
	if _, err := driver.KillTask(util.NewTaskID(taskID)); err != nil {
		log.Errorf("Failed to kill task %s: %s", taskID, err)
	}
}

// finishConvergedDeployments retires deployments whose app runs the wanted
// number of instances.
func (s *MarathonScheduler) finishConvergedDeployments() {
	s.mut.Lock()
	defer s.mut.Unlock()
	for id, d := range s.deployments {
		if s.tracker.Count(d.Plan.AppID) == d.Plan.Target.Instances {
			log.Infof("Deployment %s for app %s converged", id, d.Plan.AppID)
			delete(s.deployments, id)
		}
	}
}

// ----------------------- mesos callbacks ------------------------- //

func (s *MarathonScheduler) Registered(
	driver sched.SchedulerDriver,
	frameworkID *mesos.FrameworkID,
	masterInfo *mesos.MasterInfo,
) {
	log.Infoln("Framework Registered with Master ", masterInfo)
	s.mut.Lock()
	s.driver = driver
	s.frameworkID = frameworkID
	s.masterInfo = masterInfo
	s.mut.Unlock()

	if s.zkConn != nil {
		err := rpc.PersistFrameworkID(s.zkConn, s.config.ZKChroot, frameworkID)
		if err != nil && err != zk.ErrNodeExists {
			log.Errorf("Failed to persist framework ID: %s", err)
			if s.shutdown != nil {
				s.shutdown()
			}
		} else if err == zk.ErrNodeExists {
			log.Warning("Framework ID is already persisted for this cluster.")
		}
	}

	s.send(reconcileTasks{})
}

func (s *MarathonScheduler) Reregistered(
	driver sched.SchedulerDriver,
	masterInfo *mesos.MasterInfo,
) {
	log.Infoln("Framework Reregistered with Master ", masterInfo)
	s.mut.Lock()
	s.driver = driver
	s.masterInfo = masterInfo
	s.mut.Unlock()
	s.send(reconcileTasks{})
}

func (s *MarathonScheduler) Disconnected(sched.SchedulerDriver) {
	log.Error("Mesos master disconnected.")
}

func (s *MarathonScheduler) ResourceOffers(
	driver sched.SchedulerDriver,
	offers []*mesos.Offer,
) {
	for _, offer := range offers {
		resources := parseOffer(offer)

		log.V(2).Infoln("Received Offer <", offer.Id.GetValue(),
			"> with cpus=", resources.cpus,
			" mem=", resources.mems,
			" disk=", resources.disk,
			" from slave ", *offer.SlaveId.Value)

		if !s.leader() {
			log.V(2).Info("Not the leader.  Declining received offer.")
			s.decline(driver, offer)
			continue
		}

		a := s.nextAppNeedingInstances(resources)
		if a == nil {
			s.decline(driver, offer)
			continue
		}
		s.launchOne(driver, offer, resources, a)
	}
}

func (s *MarathonScheduler) StatusUpdate(
	driver sched.SchedulerDriver,
	status *mesos.TaskStatus,
) {
	log.Infoln(
		"Status update: task",
		status.TaskId.GetValue(),
		" is in state ",
		status.State.Enum().String(),
	)

	taskID := status.TaskId.GetValue()
	appID, err := app.AppIDForTask(taskID)
	if err != nil {
		log.Errorf("scheduler: failed to recover app id from TaskId: %s", err)
		return
	}

	switch status.GetState() {
	case mesos.TaskState_TASK_LOST,
		mesos.TaskState_TASK_FINISHED,
		mesos.TaskState_TASK_KILLED,
		mesos.TaskState_TASK_ERROR,
		mesos.TaskState_TASK_FAILED:
		atomic.AddUint32(&s.Stats.FailedTasks, 1)
		s.tracker.Terminal(taskID)
		// The scale pass relaunches through the next matching offer.
		s.send(scaleApps{})
	case mesos.TaskState_TASK_RUNNING:
		for _, task := range s.tracker.AppTasks(appID) {
			if task.ID != taskID {
				continue
			}
			task.Status = status.GetState().String()
			if task.StartedAt.IsZero() {
				task.StartedAt = time.Now()
			}
			s.tracker.Track(task)
		}
		s.finishConvergedDeployments()
	default:
		log.Warningf("Received unhandled task state: %+v", status.GetState())
	}

	atomic.StoreUint32(&s.Stats.RunningTasks, uint32(len(s.tracker.All())))
}

func (s *MarathonScheduler) OfferRescinded(
	driver sched.SchedulerDriver,
	offerID *mesos.OfferID,
) {
	log.Info("received OfferRescinded rpc")
}

func (s *MarathonScheduler) FrameworkMessage(
	driver sched.SchedulerDriver,
	exec *mesos.ExecutorID,
	slave *mesos.SlaveID,
	msg string,
) {
	log.Infof("received framework message: %s", msg)
}

func (s *MarathonScheduler) SlaveLost(
	sched.SchedulerDriver,
	*mesos.SlaveID,
) {
	log.Info("received slave lost rpc")
}

func (s *MarathonScheduler) ExecutorLost(
	sched.SchedulerDriver,
	*mesos.ExecutorID,
	*mesos.SlaveID,
	int,
) {
	log.Info("received executor lost rpc")
}

func (s *MarathonScheduler) Error(driver sched.SchedulerDriver, err string) {
	log.Infoln("Scheduler received error:", err)
	if err == "Completed framework attempted to re-register" {
		if s.zkConn != nil {
			rpc.ClearFrameworkID(s.zkConn, s.config.ZKChroot)
		}
		log.Error(
			"Removing reference to completed " +
				"framework in zookeeper and dying.",
		)
		if s.shutdown != nil {
			s.shutdown()
		}
	}
}

// ----------------------- helper functions ------------------------- //

type offerResources struct {
	cpus  float64
	mems  float64
	disk  float64
	ports []*mesos.Value_Range
}

// decline declines an offer.
func (s *MarathonScheduler) decline(
	driver sched.SchedulerDriver,
	offer *mesos.Offer,
) {
	log.V(2).Infof("Declining offer %s.", offer.Id.GetValue())
	atomic.AddUint32(&s.Stats.DeclinedOffers, 1)
	driver.DeclineOffer(
		offer.Id,
		&mesos.Filters{
			RefuseSeconds: proto.Float64(5),
		},
	)
}

// nextAppNeedingInstances picks the first app with fewer tasks than wanted
// that fits inside the offered resources.
func (s *MarathonScheduler) nextAppNeedingInstances(resources offerResources) *app.App {
	ids, err := s.apps.AllIDs()
	if err != nil {
		log.Errorf("Could not list apps while matching an offer: %s", err)
		return nil
	}
	for _, id := range ids {
		a, err := s.apps.CurrentVersion(id)
		if err != nil {
			log.Errorf("Could not read app %s while matching an offer: %s", id, err)
			continue
		}
		if s.tracker.Count(a.ID) >= a.Instances {
			continue
		}
		if resources.cpus < a.CPUs || resources.mems < a.Mem || resources.disk < a.Disk {
			log.V(2).Infof("Offer too small for app %s.", a.ID)
			continue
		}
		if len(resources.ports) == 0 {
			log.V(2).Infof("Offer has no ports for app %s.", a.ID)
			continue
		}
		return a
	}
	return nil
}

func (s *MarathonScheduler) launchOne(
	driver sched.SchedulerDriver,
	offer *mesos.Offer,
	resources offerResources,
	a *app.App,
) {
	port := *resources.ports[0].Begin

	taskID := app.NewTaskID(a.ID)
	task := &mesos.TaskInfo{
		Name:    proto.String(a.ID),
		TaskId:  util.NewTaskID(taskID),
		SlaveId: offer.SlaveId,
		Command: &mesos.CommandInfo{
			Value: proto.String(a.Cmd),
			Shell: proto.Bool(true),
		},
		Resources: []*mesos.Resource{
			util.NewScalarResource("cpus", a.CPUs),
			util.NewScalarResource("mem", a.Mem),
			util.NewRangesResource("ports", []*mesos.Value_Range{
				util.NewValueRange(port, port),
			}),
		},
	}
	if a.Disk > 0 {
		task.Resources = append(task.Resources, util.NewScalarResource("disk", a.Disk))
	}

	s.tracker.Track(&app.Task{
		ID:       taskID,
		AppID:    a.ID,
		Host:     offer.GetHostname(),
		Ports:    []uint64{port},
		Status:   mesos.TaskState_TASK_STAGING.String(),
		StagedAt: time.Now(),
		Version:  a.Version,
	})

	log.Infof(
		"Launching task %s of app %s with offer %s",
		taskID, a.ID, offer.Id.GetValue(),
	)
	atomic.AddUint32(&s.Stats.LaunchedTasks, 1)
	driver.LaunchTasks(
		[]*mesos.OfferID{offer.Id},
		[]*mesos.TaskInfo{task},
		&mesos.Filters{
			RefuseSeconds: proto.Float64(1),
		},
	)
}

func parseOffer(offer *mesos.Offer) offerResources {
	getResources := func(resourceName string) []*mesos.Resource {
		return util.FilterResources(
			offer.Resources,
			func(res *mesos.Resource) bool {
				return res.GetName() == resourceName
			},
		)
	}

	sumScalar := func(resourceName string) float64 {
		total := 0.0
		for _, res := range getResources(resourceName) {
			total += res.GetScalar().GetValue()
		}
		return total
	}

	ports := []*mesos.Value_Range{}
	for _, res := range getResources("ports") {
		ports = append(ports, res.GetRanges().GetRange()...)
	}

	return offerResources{
		cpus:  sumScalar("cpus"),
		mems:  sumScalar("mem"),
		disk:  sumScalar("disk"),
		ports: ports,
	}
}
