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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskIDEncodesAppID(t *testing.T) {
	taskID := NewTaskID("web-frontend")
	appID, err := AppIDForTask(taskID)
	require.NoError(t, err)
	assert.Equal(t, "web-frontend", appID)

	_, err = AppIDForTask("garbage")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := &App{ID: "web", Cmd: "sleep 600", Instances: 2}
	assert.NoError(t, valid.Validate())

	for _, invalid := range []*App{
		{ID: "", Cmd: "sleep 600"},
		{ID: "has space", Cmd: "sleep 600"},
		{ID: "has.dot", Cmd: "sleep 600"},
		{ID: "web", Cmd: ""},
		{ID: "web", Cmd: "sleep 600", Instances: -1},
	} {
		assert.Error(t, invalid.Validate(), "%+v should not validate", invalid)
	}
}
