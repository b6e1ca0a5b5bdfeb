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

package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	log "github.com/golang/glog"

	"github.com/goofusuper/marathon/app"
	"github.com/goofusuper/marathon/scheduler"
	"github.com/goofusuper/marathon/service"
)

// Admin serves the operational endpoints of one replica.  The full REST
// surface lives elsewhere; these exist so an operator can always ask a
// replica who leads and what it is doing.
type Admin struct {
	service   *service.SchedulerService
	scheduler *scheduler.MarathonScheduler
	apps      service.AppReader
	shutdown  func()
}

func NewAdmin(svc *service.SchedulerService, sched *scheduler.MarathonScheduler, apps service.AppReader, shutdown func()) *Admin {
	return &Admin{
		service:   svc,
		scheduler: sched,
		apps:      apps,
		shutdown:  shutdown,
	}
}

// Serve blocks on the admin listener.  A listener failure is fatal for the
// replica.
func (a *Admin) Serve(port int) {
	mux := http.NewServeMux()
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		log.Infof("Admin HTTP received %s %s", r.Method, r.URL.Path)
		a.writeJSON(w, struct {
			Service   service.Stats   `json:"service"`
			Scheduler scheduler.Stats `json:"scheduler"`
		}{a.service.Stats, a.scheduler.Stats})
	})
	mux.HandleFunc("/leader", func(w http.ResponseWriter, r *http.Request) {
		log.Infof("Admin HTTP received %s %s", r.Method, r.URL.Path)
		a.writeJSON(w, struct {
			Leader bool `json:"leader"`
		}{a.service.Leader()})
	})
	mux.HandleFunc("/apps", func(w http.ResponseWriter, r *http.Request) {
		log.Infof("Admin HTTP received %s %s", r.Method, r.URL.Path)
		ids, err := a.apps.AllIDs()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		apps := []*app.App{}
		for _, id := range ids {
			current, err := a.apps.CurrentVersion(id)
			if err != nil {
				log.Errorf("Failed to read app %s: %s", id, err)
				continue
			}
			apps = append(apps, current)
		}
		a.writeJSON(w, apps)
	})

	log.Infof("Admin HTTP interface Listening on port %d", port)
	log.Error(http.ListenAndServe(fmt.Sprintf(":%d", port), mux))
	if a.shutdown != nil {
		a.shutdown()
	}
}

func (a *Admin) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("Failed to marshal response json: %v", err)
	}
}
