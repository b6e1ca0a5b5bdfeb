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

package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// App is the definition of a long-running application.  Definitions are
// immutable; changing one produces a new Version.
type App struct {
	ID        string  `json:"id"`
	Cmd       string  `json:"cmd"`
	Instances int     `json:"instances"`
	CPUs      float64 `json:"cpus"`
	Mem       float64 `json:"mem"`
	Disk      float64 `json:"disk"`
	// Version is the RFC3339 timestamp at which this definition was stored.
	Version string `json:"version"`
}

// versionFormat is RFC3339 with fixed-width nanoseconds, so versions sort
// chronologically as plain strings.
const versionFormat = "2006-01-02T15:04:05.000000000Z"

// NewVersion stamps the app with a fresh version timestamp.
func (a *App) NewVersion(now time.Time) {
	a.Version = now.UTC().Format(versionFormat)
}

func (a *App) Validate() error {
	if a.ID == "" || strings.ContainsAny(a.ID, "./ ") {
		return fmt.Errorf("app: invalid id %q", a.ID)
	}
	if a.Cmd == "" {
		return errors.New("app: no command given")
	}
	if a.Instances < 0 {
		return errors.New("app: instances must not be negative")
	}
	return nil
}

// Task is a single running (or staging) instance of an App.
type Task struct {
	ID        string    `json:"id"`
	AppID     string    `json:"app_id"`
	Host      string    `json:"host"`
	Ports     []uint64  `json:"ports"`
	Status    string    `json:"status"`
	StagedAt  time.Time `json:"staged_at"`
	StartedAt time.Time `json:"started_at,omitempty"`
	Version   string    `json:"version"`
}

// taskIDSeparator joins the owning app id and the unique suffix inside a
// task id.  App ids themselves never contain it (see App.Validate).
const taskIDSeparator = "."

// NewTaskID mints a task id that encodes its owning app.
func NewTaskID(appID string) string {
	return appID + taskIDSeparator + uuid.NewString()
}

// AppIDForTask recovers the owning app id from a task id.
func AppIDForTask(taskID string) (string, error) {
	idx := strings.LastIndex(taskID, taskIDSeparator)
	if idx <= 0 {
		return "", fmt.Errorf("app: task id %q does not encode an app id", taskID)
	}
	return taskID[:idx], nil
}
