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

package deploy

import (
	"time"

	"github.com/google/uuid"

	"github.com/goofusuper/marathon/app"
)

// Plan describes the intent to move one app to a target definition.
type Plan struct {
	ID     string   `json:"id"`
	AppID  string   `json:"app_id"`
	Target *app.App `json:"target"`
}

// NewPlan mints a plan for the given target definition.
func NewPlan(target *app.App) *Plan {
	return &Plan{
		ID:     uuid.NewString(),
		AppID:  target.ID,
		Target: target,
	}
}

// RunningDeployment is a plan the scheduler is currently converging on.
type RunningDeployment struct {
	Plan      *Plan     `json:"plan"`
	StartedAt time.Time `json:"started_at"`
}
