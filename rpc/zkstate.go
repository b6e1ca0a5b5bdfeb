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
	"strings"

	log "github.com/golang/glog"
	mesos "github.com/mesos/mesos-go/api/v0/mesosproto"
	"github.com/samuel/go-zookeeper/zk"
)

// ZKClient is the slice of *zk.Conn the rpc helpers need.
type ZKClient interface {
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	Get(path string) ([]byte, *zk.Stat, error)
	Delete(path string, version int32) error
	Exists(path string) (bool, *zk.Stat, error)
}

func frameworkIDPath(chroot string) string {
	return chroot + "/framework-id"
}

// PersistFrameworkID stores the framework id assigned by the master so that
// a restarted or failed-over scheduler re-registers as the same framework.
// Returns zk.ErrNodeExists when another replica already persisted one.
func PersistFrameworkID(conn ZKClient, chroot string, frameworkID *mesos.FrameworkID) error {
	if err := ensurePath(conn, chroot); err != nil {
		return err
	}
	_, err := conn.Create(
		frameworkIDPath(chroot),
		[]byte(frameworkID.GetValue()),
		0,
		zk.WorldACL(zk.PermAll),
	)
	if err != nil {
		return err
	}
	log.Infof("Persisted framework id %s", frameworkID.GetValue())
	return nil
}

// FetchFrameworkID returns the persisted framework id, or nil if none has
// been stored yet.
func FetchFrameworkID(conn ZKClient, chroot string) (*mesos.FrameworkID, error) {
	data, _, err := conn.Get(frameworkIDPath(chroot))
	if err == zk.ErrNoNode {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	id := string(data)
	return &mesos.FrameworkID{Value: &id}, nil
}

// ClearFrameworkID removes the persisted framework id.  Done when the master
// reports the framework as completed, so the next start registers fresh.
func ClearFrameworkID(conn ZKClient, chroot string) {
	err := conn.Delete(frameworkIDPath(chroot), -1)
	if err != nil && err != zk.ErrNoNode {
		log.Errorf("Failed to clear framework id: %s", err)
	}
}

func ensurePath(conn ZKClient, path string) error {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	full := ""
	for _, part := range parts {
		full += "/" + part
		_, err := conn.Create(full, nil, 0, zk.WorldACL(zk.PermAll))
		if err != nil && err != zk.ErrNodeExists {
			return err
		}
	}
	return nil
}
