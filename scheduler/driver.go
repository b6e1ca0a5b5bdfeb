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

package scheduler

import (
	"github.com/gogo/protobuf/proto"
	log "github.com/golang/glog"
	mesos "github.com/mesos/mesos-go/api/v0/mesosproto"
	sched "github.com/mesos/mesos-go/api/v0/scheduler"

	"github.com/goofusuper/marathon/config"
	"github.com/goofusuper/marathon/rpc"
)

// DriverFactory builds one fresh scheduler driver per activation.  Driver
// instances cannot be restarted once stopped, so every new leadership epoch
// gets its own.
type DriverFactory struct {
	config    *config.Config
	scheduler *MarathonScheduler
	zkConn    rpc.ZKClient
}

func NewDriverFactory(cfg *config.Config, scheduler *MarathonScheduler, zkConn rpc.ZKClient) *DriverFactory {
	return &DriverFactory{
		config:    cfg,
		scheduler: scheduler,
		zkConn:    zkConn,
	}
}

// NewDriver constructs a driver registered (or re-registered, if a framework
// id was persisted by an earlier leader) against the configured master.
func (f *DriverFactory) NewDriver() (*sched.MesosSchedulerDriver, error) {
	framework := &mesos.FrameworkInfo{
		User:            proto.String(""),
		Name:            proto.String(f.config.FrameworkName),
		FailoverTimeout: proto.Float64(f.config.FailoverTimeout.Seconds()),
		Checkpoint:      proto.Bool(true),
	}
	if f.config.HostName != "" {
		framework.Hostname = proto.String(f.config.HostName)
	}

	if f.zkConn != nil {
		frameworkID, err := rpc.FetchFrameworkID(f.zkConn, f.config.ZKChroot)
		if err != nil {
			return nil, err
		}
		if frameworkID != nil {
			log.Infof("Reusing persisted framework id %s", frameworkID.GetValue())
			framework.Id = frameworkID
		}
	}

	return sched.NewMesosSchedulerDriver(sched.DriverConfig{
		Scheduler: f.scheduler,
		Framework: framework,
		Master:    f.config.Master,
	})
}
