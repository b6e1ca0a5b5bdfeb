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

package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	log "github.com/golang/glog"
	"github.com/samuel/go-zookeeper/zk"

	"github.com/goofusuper/marathon/api"
	"github.com/goofusuper/marathon/config"
	"github.com/goofusuper/marathon/election"
	"github.com/goofusuper/marathon/events"
	"github.com/goofusuper/marathon/scheduler"
	"github.com/goofusuper/marathon/service"
	"github.com/goofusuper/marathon/store"
	"github.com/goofusuper/marathon/tasks"
)

func main() {
	cfg := config.DefaultConfig()

	master := flag.String("master", "", "Mesos master location, host:port or zk:// url")
	frameworkName := flag.String("framework-name", cfg.FrameworkName, "Framework name to register with")
	zkHosts := flag.String("zk", "", "Comma-separated zookeeper servers, host:port each")
	flag.StringVar(&cfg.ZKChroot, "zk-chroot", cfg.ZKChroot, "Root znode for all scheduler state")
	flag.DurationVar(&cfg.ZKTimeout, "zk-timeout", cfg.ZKTimeout, "Coordination timeout for synchronous lookups")
	hostname := flag.String("hostname", "", "Advertised hostname of this replica")
	flag.IntVar(&cfg.HTTPPort, "http-port", cfg.HTTPPort, "Admin HTTP listen port")
	flag.BoolVar(&cfg.HighlyAvailable, "ha", cfg.HighlyAvailable, "Compete for leadership through zookeeper")
	flag.DurationVar(&cfg.FailoverTimeout, "failover-timeout", cfg.FailoverTimeout, "How long the master keeps tasks after this framework disconnects")
	flag.DurationVar(&cfg.ReconciliationInitialDelay, "reconciliation-initial-delay", cfg.ReconciliationInitialDelay, "Delay before the first reconciliation pass")
	flag.DurationVar(&cfg.ReconciliationInterval, "reconciliation-interval", cfg.ReconciliationInterval, "Interval between reconciliation passes")
	flag.DurationVar(&cfg.ScaleAppsInitialDelay, "scale-apps-initial-delay", cfg.ScaleAppsInitialDelay, "Delay before the first scale pass")
	flag.DurationVar(&cfg.ScaleAppsInterval, "scale-apps-interval", cfg.ScaleAppsInterval, "Interval between scale passes")
	flag.DurationVar(&cfg.OnElectedPrepareTimeout, "on-elected-prepare-timeout", cfg.OnElectedPrepareTimeout, "Bound on leadership-callback completion")
	flag.DurationVar(&cfg.MaxActorStartupTime, "max-actor-startup-time", cfg.MaxActorStartupTime, "Bound on scheduler-actor startup")
	flag.Float64Var(&cfg.TaskCPUs, "task-cpus", cfg.TaskCPUs, "Default cpus per task")
	flag.Float64Var(&cfg.TaskMem, "task-mem", cfg.TaskMem, "Default memory per task, in MB")
	flag.Float64Var(&cfg.TaskDisk, "task-disk", cfg.TaskDisk, "Default disk per task, in MB")
	flag.Parse()

	cfg.Master = *master
	cfg.FrameworkName = *frameworkName
	if *zkHosts != "" {
		cfg.ZKHosts = strings.Split(*zkHosts, ",")
	}
	cfg.HostName = *hostname
	if cfg.HostName == "" {
		host, err := os.Hostname()
		if err != nil {
			log.Errorf("Could not determine hostname: %s", err)
			os.Exit(1)
		}
		cfg.HostName = host
	}

	if err := cfg.Validate(); err != nil {
		log.Error(err)
		os.Exit(1)
	}

	conn, _, err := zk.Connect(cfg.ZKHosts, cfg.ZKTimeout)
	if err != nil {
		log.Errorf("Could not connect to zookeeper: %s", err)
		os.Exit(1)
	}

	repo := store.NewAppRepository(conn, cfg.ZKChroot)
	migration := store.NewMigration(conn, cfg.ZKChroot)
	tracker := tasks.NewTracker()
	bus := events.NewBus()

	var svc *service.SchedulerService
	marathonScheduler := scheduler.NewMarathonScheduler(
		cfg, repo, tracker, conn,
		func() bool { return svc.Leader() },
	)
	factory := scheduler.NewDriverFactory(cfg, marathonScheduler, conn)

	var candidate election.Candidate
	if cfg.HighlyAvailable {
		candidate = election.NewZKCandidate(
			conn,
			cfg.ZKChroot+"/leader-election",
			fmt.Sprintf("%s:%d", cfg.HostName, cfg.HTTPPort),
		)
	} else {
		log.Warning("Running without high availability; self-electing.")
	}

	svc = service.NewSchedulerService(
		cfg,
		candidate,
		bus,
		migration,
		[]service.LeadershipCallback{store.NewWarmer(repo)},
		marathonScheduler,
		tracker,
		repo,
		func() (service.Driver, error) { return factory.NewDriver() },
	)

	admin := api.NewAdmin(svc, marathonScheduler, repo, func() { os.Exit(1) })
	go admin.Serve(cfg.HTTPPort)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-signals
		log.Infof("Received signal %s, shutting down.", sig)
		svc.TriggerShutdown()
	}()

	svc.Run()
}
