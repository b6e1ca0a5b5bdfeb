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
	"strconv"

	log "github.com/golang/glog"
	"github.com/pkg/errors"
	"github.com/samuel/go-zookeeper/zk"
)

// currentStorageVersion is the storage format this build reads and writes.
const currentStorageVersion = 2

// Migration upgrades the persisted storage layout in place.  Running it is
// idempotent; every new leader runs it before activating.
type Migration struct {
	conn   ZKClient
	chroot string
}

func NewMigration(conn ZKClient, chroot string) *Migration {
	return &Migration{conn: conn, chroot: chroot}
}

func (m *Migration) versionPath() string {
	return m.chroot + "/state-version"
}

// Migrate brings the stored state up to currentStorageVersion.  It fails on
// state written by a newer build, which must not be rewritten by an older
// one.
func (m *Migration) Migrate() error {
	if err := ensurePath(m.conn, m.chroot); err != nil {
		return errors.Wrap(err, "migration: could not create storage root")
	}

	stored, err := m.storedVersion()
	if err != nil {
		return err
	}

	if stored > currentStorageVersion {
		return errors.Errorf(
			"migration: stored state has version %d, this build understands %d",
			stored, currentStorageVersion)
	}

	for v := stored; v < currentStorageVersion; v++ {
		log.Infof("Migrating storage from version %d to %d", v, v+1)
		if err := m.upgrade(v); err != nil {
			return errors.Wrapf(err, "migration: upgrade from version %d failed", v)
		}
	}

	return m.writeVersion(currentStorageVersion)
}

func (m *Migration) storedVersion() (int, error) {
	data, _, err := m.conn.Get(m.versionPath())
	if err == zk.ErrNoNode {
		// A missing marker is treated as fresh storage at the current
		// version.  Trees written before the marker existed would need
		// their version seeded by hand before pointing a new build at
		// them.
		return currentStorageVersion, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "migration: could not read state version")
	}
	v, err := strconv.Atoi(string(data))
	if err != nil {
		return 0, errors.Wrapf(err, "migration: unparseable state version %q", string(data))
	}
	return v, nil
}

func (m *Migration) writeVersion(v int) error {
	data := []byte(strconv.Itoa(v))
	_, err := m.conn.Create(m.versionPath(), data, 0, zk.WorldACL(zk.PermAll))
	if err == zk.ErrNodeExists {
		_, err = m.conn.Set(m.versionPath(), data, -1)
	}
	if err != nil {
		return errors.Wrap(err, "migration: could not write state version")
	}
	return nil
}

// upgrade performs the single-step migration from version v to v+1.
func (m *Migration) upgrade(v int) error {
	switch v {
	case 1:
		// Version 2 introduced the versioned app layout; make sure the
		// parent exists so older flat trees keep working.
		return ensurePath(m.conn, m.chroot+"/apps")
	default:
		return errors.Errorf("no upgrade path from version %d", v)
	}
}
