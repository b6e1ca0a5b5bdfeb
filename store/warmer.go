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

package store

import (
	log "github.com/golang/glog"
)

// Warmer is a leadership callback that verifies the repository is reachable
// before this replica accepts leadership.  A replica that cannot list its
// apps must not lead.
type Warmer struct {
	repo *AppRepository
}

func NewWarmer(repo *AppRepository) *Warmer {
	return &Warmer{repo: repo}
}

func (w *Warmer) OnElectedPrepare() <-chan error {
	done := make(chan error, 1)
	go func() {
		ids, err := w.repo.AllIDs()
		if err == nil {
			log.Infof("Repository reachable, %d apps stored", len(ids))
		}
		done <- err
	}()
	return done
}

func (w *Warmer) OnDefeated() <-chan error {
	done := make(chan error, 1)
	done <- nil
	return done
}
