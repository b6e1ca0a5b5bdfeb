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
	"sync"
	"time"

	log "github.com/golang/glog"
)

// periodicJobs is one leadership epoch's timer state.  A fresh instance is
// created on every activation and cancelled on every defeat, so a previous
// epoch's jobs can never fire into the next one.
type periodicJobs struct {
	quit chan struct{}
	once sync.Once
}

func (t *periodicJobs) cancel() {
	t.once.Do(func() { close(t.quit) })
}

// startTicker arms the periodic jobs for the current epoch.  Callers hold
// mut.
func (s *SchedulerService) startTicker() {
	t := &periodicJobs{quit: make(chan struct{})}
	s.ticker = t

	go s.runPeriodic(t, "scale apps",
		s.config.ScaleAppsInitialDelay,
		s.config.ScaleAppsInterval,
		func() { s.actor.ScaleApps() })

	go s.runPeriodic(t, "reconciliation",
		s.config.ReconciliationInitialDelay,
		s.config.ReconciliationInterval,
		func() {
			s.actor.ReconcileTasks()
			s.actor.ReconcileHealthChecks()
		})

	go s.runOnce(t, "expunge orphaned tasks",
		s.config.ReconciliationInitialDelay+s.config.ReconciliationInterval,
		s.expungeOrphanedTasks)
}

// stopTicker cancels the current epoch's jobs.  Callers hold mut.
func (s *SchedulerService) stopTicker() {
	if s.ticker != nil {
		s.ticker.cancel()
		s.ticker = nil
	}
}

func (s *SchedulerService) runPeriodic(t *periodicJobs, name string, initial, interval time.Duration, job func()) {
	timer := time.NewTimer(initial)
	defer timer.Stop()
	select {
	case <-t.quit:
		return
	case <-timer.C:
	}
	s.fire(t, name, job)

	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-t.quit:
			return
		case <-tick.C:
			s.fire(t, name, job)
		}
	}
}

func (s *SchedulerService) runOnce(t *periodicJobs, name string, delay time.Duration, job func()) {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-t.quit:
		return
	case <-timer.C:
	}
	s.fire(t, name, job)
}

// fire runs one job, unless leadership is already gone.  The flag re-check
// covers the window between a tick being delivered and the epoch's timers
// being cancelled.
func (s *SchedulerService) fire(t *periodicJobs, name string, job func()) {
	select {
	case <-t.quit:
		return
	default:
	}
	if !s.leaderFlag.Load() {
		log.V(2).Infof("Skipping %s: not the leader.", name)
		return
	}
	log.V(2).Infof("Running periodic %s.", name)
	job()
}

// expungeOrphanedTasks drops tracked tasks whose app no longer exists and
// asks the scheduler actor to kill them.
func (s *SchedulerService) expungeOrphanedTasks() {
	ids, err := s.apps.AllIDs()
	if err != nil {
		log.Errorf("Could not list apps for orphan expungement: %s", err)
		return
	}
	known := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		known[id] = struct{}{}
	}

	byApp := map[string][]string{}
	for _, task := range s.tracker.ExpungeOrphans(known) {
		byApp[task.AppID] = append(byApp[task.AppID], task.ID)
	}
	for appID, taskIDs := range byApp {
		s.actor.KillTasks(appID, taskIDs)
	}
}
