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

package config

import (
	"errors"
	"strings"
	"time"
)

// Config holds all tunables of the scheduler process.  A single instance is
// built from flags at startup and shared read-only afterwards.
type Config struct {
	// Mesos master location, host:port or zk:// url.
	Master string

	// FrameworkName is the name this framework registers under.
	FrameworkName string

	// FailoverTimeout is how long the master keeps tasks running after
	// this framework disconnects before killing them.
	FailoverTimeout time.Duration

	// ZKHosts are the ZooKeeper ensemble members, host:port each.
	ZKHosts []string

	// ZKChroot is the root znode under which all scheduler state lives
	// (leader election, framework id, app definitions).
	ZKChroot string

	// ZKTimeout bounds synchronous coordination lookups and the
	// scheduler-actor request/response round trips.
	ZKTimeout time.Duration

	// HostName is the advertised hostname of this replica.
	HostName string

	// HTTPPort is the admin HTTP listen port.
	HTTPPort int

	// HighlyAvailable selects between competing for leadership through
	// ZooKeeper and self-electing immediately with no coordination.
	HighlyAvailable bool

	ReconciliationInitialDelay time.Duration
	ReconciliationInterval     time.Duration
	ScaleAppsInitialDelay      time.Duration
	ScaleAppsInterval          time.Duration

	// OnElectedPrepareTimeout bounds the leadership-callback aggregation
	// during elected preparation.
	OnElectedPrepareTimeout time.Duration

	// MaxActorStartupTime bounds the leadership-coordinator prepare step.
	MaxActorStartupTime time.Duration

	TaskCPUs float64
	TaskMem  float64
	TaskDisk float64
}

// DefaultConfig returns a Config with the stock timings.
func DefaultConfig() *Config {
	return &Config{
		FrameworkName:              "marathon",
		FailoverTimeout:            7 * 24 * time.Hour,
		ZKChroot:                   "/marathon",
		ZKTimeout:                  10 * time.Second,
		HTTPPort:                   8080,
		HighlyAvailable:            true,
		ReconciliationInitialDelay: 15 * time.Second,
		ReconciliationInterval:     5 * time.Minute,
		ScaleAppsInitialDelay:      15 * time.Second,
		ScaleAppsInterval:          5 * time.Minute,
		OnElectedPrepareTimeout:    3 * time.Minute,
		MaxActorStartupTime:        10 * time.Second,
		TaskCPUs:                   1.0,
		TaskMem:                    128,
		TaskDisk:                   0,
	}
}

func (c *Config) Validate() error {
	if c.Master == "" {
		return errors.New("config: no mesos master given")
	}
	if len(c.ZKHosts) == 0 {
		return errors.New("config: no zookeeper hosts given")
	}
	if !strings.HasPrefix(c.ZKChroot, "/") {
		return errors.New("config: zk chroot must be an absolute path")
	}
	for _, d := range []time.Duration{
		c.ZKTimeout,
		c.ReconciliationInitialDelay,
		c.ReconciliationInterval,
		c.ScaleAppsInitialDelay,
		c.ScaleAppsInterval,
		c.OnElectedPrepareTimeout,
		c.MaxActorStartupTime,
	} {
		if d <= 0 {
			return errors.New("config: all intervals and timeouts must be positive")
		}
	}
	return nil
}
