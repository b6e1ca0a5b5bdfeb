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
	"encoding/json"
	"sort"
	"strings"
	"time"

	log "github.com/golang/glog"
	"github.com/pkg/errors"
	"github.com/samuel/go-zookeeper/zk"

	"github.com/goofusuper/marathon/app"
)

// ErrUnknownApp is returned for lookups of apps that were never stored or
// have been expunged.
var ErrUnknownApp = errors.New("store: unknown app")

// ZKClient is the slice of *zk.Conn the store needs.
type ZKClient interface {
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	Get(path string) ([]byte, *zk.Stat, error)
	Set(path string, data []byte, version int32) (*zk.Stat, error)
	Children(path string) ([]string, *zk.Stat, error)
	Delete(path string, version int32) error
	Exists(path string) (bool, *zk.Stat, error)
}

// AppRepository stores versioned app definitions in ZooKeeper.  Each app
// lives at <chroot>/apps/<id>; version znodes carry the JSON definition and
// the app znode's own data names the current version.
type AppRepository struct {
	conn   ZKClient
	chroot string
}

func NewAppRepository(conn ZKClient, chroot string) *AppRepository {
	return &AppRepository{conn: conn, chroot: chroot}
}

func (r *AppRepository) appsPath() string {
	return r.chroot + "/apps"
}

func (r *AppRepository) appPath(id string) string {
	return r.appsPath() + "/" + id
}

// Store persists the definition under a fresh version and makes that
// version current.
func (r *AppRepository) Store(a *app.App) error {
	if err := a.Validate(); err != nil {
		return err
	}
	a.NewVersion(time.Now())

	data, err := json.Marshal(a)
	if err != nil {
		return errors.Wrapf(err, "could not serialize app %s", a.ID)
	}

	if err := ensurePath(r.conn, r.appPath(a.ID)); err != nil {
		return errors.Wrapf(err, "could not create znode for app %s", a.ID)
	}
	_, err = r.conn.Create(r.appPath(a.ID)+"/"+a.Version, data, 0, zk.WorldACL(zk.PermAll))
	if err != nil {
		return errors.Wrapf(err, "could not store app %s version %s", a.ID, a.Version)
	}
	if _, err := r.conn.Set(r.appPath(a.ID), []byte(a.Version), -1); err != nil {
		return errors.Wrapf(err, "could not update current version of app %s", a.ID)
	}
	log.Infof("Stored app %s at version %s", a.ID, a.Version)
	return nil
}

// CurrentVersion returns the current definition of an app.
func (r *AppRepository) CurrentVersion(id string) (*app.App, error) {
	current, _, err := r.conn.Get(r.appPath(id))
	if err == zk.ErrNoNode {
		return nil, ErrUnknownApp
	}
	if err != nil {
		return nil, errors.Wrapf(err, "could not read app %s", id)
	}
	return r.Version(id, string(current))
}

// Version returns one specific stored definition of an app.
func (r *AppRepository) Version(id, version string) (*app.App, error) {
	data, _, err := r.conn.Get(r.appPath(id) + "/" + version)
	if err == zk.ErrNoNode {
		return nil, ErrUnknownApp
	}
	if err != nil {
		return nil, errors.Wrapf(err, "could not read app %s version %s", id, version)
	}
	a := &app.App{}
	if err := json.Unmarshal(data, a); err != nil {
		return nil, errors.Wrapf(err, "could not decode app %s version %s", id, version)
	}
	return a, nil
}

// ListVersions returns all stored versions of an app, oldest first.
func (r *AppRepository) ListVersions(id string) ([]string, error) {
	children, _, err := r.conn.Children(r.appPath(id))
	if err == zk.ErrNoNode {
		return nil, ErrUnknownApp
	}
	if err != nil {
		return nil, errors.Wrapf(err, "could not list versions of app %s", id)
	}
	sort.Strings(children)
	return children, nil
}

// AllIDs returns the ids of every stored app.
func (r *AppRepository) AllIDs() ([]string, error) {
	children, _, err := r.conn.Children(r.appsPath())
	if err == zk.ErrNoNode {
		return []string{}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "could not list apps")
	}
	return children, nil
}

// Expunge removes an app and all of its versions.
func (r *AppRepository) Expunge(id string) error {
	versions, err := r.ListVersions(id)
	if err == ErrUnknownApp {
		return nil
	}
	if err != nil {
		return err
	}
	for _, version := range versions {
		if err := r.conn.Delete(r.appPath(id)+"/"+version, -1); err != nil && err != zk.ErrNoNode {
			return errors.Wrapf(err, "could not delete app %s version %s", id, version)
		}
	}
	if err := r.conn.Delete(r.appPath(id), -1); err != nil && err != zk.ErrNoNode {
		return errors.Wrapf(err, "could not delete app %s", id)
	}
	log.Infof("Expunged app %s", id)
	return nil
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
