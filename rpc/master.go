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

package rpc

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	log "github.com/golang/glog"
	"github.com/pkg/errors"
)

// MasterState is the slice of the master's state.json this framework cares
// about.
type MasterState struct {
	Frameworks []struct {
		ID    string `json:"id"`
		Name  string `json:"name"`
		Tasks []struct {
			ID      string `json:"id"`
			Name    string `json:"name"`
			State   string `json:"state"`
			SlaveID string `json:"slave_id"`
		} `json:"tasks"`
	} `json:"frameworks"`
}

// GetMasterState fetches and decodes state.json from the master at url.
func GetMasterState(url string) (*MasterState, error) {
	client := &http.Client{
		Timeout: time.Second * 5,
	}
	resp, err := client.Get(url + "/state.json")
	if err != nil {
		return nil, errors.Wrapf(err, "could not query master at %s", url)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "could not read master state")
	}
	state := &MasterState{}
	if err := json.Unmarshal(body, state); err != nil {
		log.Errorf("Received unexpected response: %s", string(body))
		return nil, errors.Wrap(err, "failed to unmarshal master state")
	}
	return state, nil
}

// FrameworkTaskIDs returns the ids of all tasks the master knows for the
// named framework.
func (s *MasterState) FrameworkTaskIDs(frameworkName string) []string {
	ids := []string{}
	for _, fw := range s.Frameworks {
		if fw.Name != frameworkName {
			continue
		}
		for _, task := range fw.Tasks {
			ids = append(ids, task.ID)
		}
	}
	return ids
}
