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

package tasks

import (
	"sync"

	log "github.com/golang/glog"

	"github.com/goofusuper/marathon/app"
)

// Tracker is the in-memory registry of tasks this framework believes to be
// staging or running.  It is rebuilt from status updates and reconciliation
// and wiped whenever this replica loses leadership.
type Tracker struct {
	mut    sync.RWMutex
	tasks  map[string]map[string]*app.Task // app id -> task id -> task
	health map[string]bool                 // task id -> last health probe
}

func NewTracker() *Tracker {
	return &Tracker{
		tasks:  map[string]map[string]*app.Task{},
		health: map[string]bool{},
	}
}

// Track records a task, replacing any previous record with the same id.
func (t *Tracker) Track(task *app.Task) {
	t.mut.Lock()
	defer t.mut.Unlock()
	byID, ok := t.tasks[task.AppID]
	if !ok {
		byID = map[string]*app.Task{}
		t.tasks[task.AppID] = byID
	}
	byID[task.ID] = task
}

// Terminal forgets a task that reached a terminal state.  It returns the
// removed task, or nil if the task was unknown.
func (t *Tracker) Terminal(taskID string) *app.Task {
	appID, err := app.AppIDForTask(taskID)
	if err != nil {
		log.Warningf("Ignoring terminal update for unparseable task id %q", taskID)
		return nil
	}
	t.mut.Lock()
	defer t.mut.Unlock()
	task := t.tasks[appID][taskID]
	delete(t.tasks[appID], taskID)
	if len(t.tasks[appID]) == 0 {
		delete(t.tasks, appID)
	}
	delete(t.health, taskID)
	return task
}

// AppTasks returns a copy of the tasks known for one app.
func (t *Tracker) AppTasks(appID string) []*app.Task {
	t.mut.RLock()
	defer t.mut.RUnlock()
	out := make([]*app.Task, 0, len(t.tasks[appID]))
	for _, task := range t.tasks[appID] {
		out = append(out, task)
	}
	return out
}

// Count returns the number of tasks known for one app.
func (t *Tracker) Count(appID string) int {
	t.mut.RLock()
	defer t.mut.RUnlock()
	return len(t.tasks[appID])
}

// All returns a copy of every known task.
func (t *Tracker) All() []*app.Task {
	t.mut.RLock()
	defer t.mut.RUnlock()
	out := []*app.Task{}
	for _, byID := range t.tasks {
		for _, task := range byID {
			out = append(out, task)
		}
	}
	return out
}

// Clear wipes all task and health state.  Called when leadership is lost so
// the next leader rebuilds from reconciliation rather than trusting us.
func (t *Tracker) Clear() {
	t.mut.Lock()
	defer t.mut.Unlock()
	t.tasks = map[string]map[string]*app.Task{}
	t.health = map[string]bool{}
}

// ExpungeOrphans removes every task whose owning app is not in known and
// returns the removed tasks.
func (t *Tracker) ExpungeOrphans(known map[string]struct{}) []*app.Task {
	t.mut.Lock()
	defer t.mut.Unlock()
	removed := []*app.Task{}
	for appID, byID := range t.tasks {
		if _, ok := known[appID]; ok {
			continue
		}
		for _, task := range byID {
			log.Warningf("Expunging orphaned task %s: app %s no longer exists", task.ID, appID)
			removed = append(removed, task)
			delete(t.health, task.ID)
		}
		delete(t.tasks, appID)
	}
	return removed
}

// SetHealth records the outcome of a health probe for a task.
func (t *Tracker) SetHealth(taskID string, healthy bool) {
	t.mut.Lock()
	defer t.mut.Unlock()
	t.health[taskID] = healthy
}

// Healthy reports the last recorded probe outcome for a task.  Tasks that
// were never probed count as healthy.
func (t *Tracker) Healthy(taskID string) bool {
	t.mut.RLock()
	defer t.mut.RUnlock()
	healthy, probed := t.health[taskID]
	return !probed || healthy
}
