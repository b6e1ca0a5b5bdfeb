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
	"fmt"
	"net/http"
	"time"

	log "github.com/golang/glog"

	"github.com/goofusuper/marathon/app"
)

// HealthCheck probes a single running task over HTTP on its first allocated
// port.  Tasks without ports pass trivially.
func HealthCheck(task *app.Task) error {
	if len(task.Ports) == 0 {
		return nil
	}
	url := fmt.Sprintf("http://%s:%d/health", task.Host, task.Ports[0])

	client := &http.Client{
		Timeout: time.Second * 5,
	}
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("task %s returned status %d", task.ID, resp.StatusCode)
	}
	return nil
}

// HealthCheckAll probes every given task and returns the outcome per task
// id.  Failed probes are retried a few times with a doubling pause, in case
// the ensemble is settling.
func HealthCheckAll(running []*app.Task) map[string]bool {
	results := map[string]bool{}
	for _, task := range running {
		results[task.ID] = false
	}

	backoff := 1
	for retries := 0; retries < 3; retries++ {
		allHealthy := true
		for _, task := range running {
			if results[task.ID] {
				continue
			}
			if err := HealthCheck(task); err != nil {
				log.Warningf("Task %s failed health check: %s", task.ID, err)
				allHealthy = false
				continue
			}
			results[task.ID] = true
		}
		if allHealthy {
			return results
		}
		log.Warningf("Some tasks failed their health check.  "+
			"Backing off for %d seconds and retrying.", backoff)
		time.Sleep(time.Duration(backoff) * time.Second)
		backoff = backoff << 1
	}
	return results
}
