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

package election

import (
	"sort"
	"strconv"
	"strings"
	"sync"

	log "github.com/golang/glog"
	"github.com/samuel/go-zookeeper/zk"
)

// Listener receives leadership transitions from a Candidate.  Both callbacks
// arrive on the candidate's own goroutines; for a given candidacy OnElected
// and OnDefeated are never delivered concurrently.
type Listener interface {
	// OnElected is invoked once this replica holds leadership.  The
	// abdicate func relinquishes candidacy; it is idempotent and triggers
	// OnDefeated.
	OnElected(abdicate func())
	// OnDefeated is invoked once leadership has been lost.
	OnDefeated()
}

// Candidate registers a replica's willingness to lead.
type Candidate interface {
	OfferLeadership(listener Listener) error
}

// ZKConn is the slice of *zk.Conn the candidate needs.
type ZKConn interface {
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	CreateProtectedEphemeralSequential(path string, data []byte, acl []zk.ACL) (string, error)
	Children(path string) ([]string, *zk.Stat, error)
	ExistsW(path string) (bool, *zk.Stat, <-chan zk.Event, error)
	Delete(path string, version int32) error
}

// ZKCandidate competes for leadership with an ephemeral-sequential znode:
// the lowest sequence leads, everybody else watches its predecessor.
type ZKCandidate struct {
	conn ZKConn
	// electionPath is the parent znode holding one child per replica.
	electionPath string
	// data identifies this replica to peers, typically host:port.
	data string

	// mut serializes all candidacy access so that concurrent offers (the
	// driver-exit path racing a failure-recovery path) cannot interleave.
	mut  sync.Mutex
	node string
}

func NewZKCandidate(conn ZKConn, electionPath, data string) *ZKCandidate {
	return &ZKCandidate{
		conn:         conn,
		electionPath: electionPath,
		data:         data,
	}
}

// OfferLeadership registers this replica.  While a previous candidacy is
// still registered the call is a no-op, which makes racing re-offers safe.
func (c *ZKCandidate) OfferLeadership(listener Listener) error {
	c.mut.Lock()
	defer c.mut.Unlock()

	if c.node != "" {
		log.V(2).Infof("Already a candidate as %s, ignoring offer.", c.node)
		return nil
	}

	if err := createParents(c.conn, c.electionPath); err != nil {
		return err
	}

	node, err := c.conn.CreateProtectedEphemeralSequential(
		c.electionPath+"/member_",
		[]byte(c.data),
		zk.WorldACL(zk.PermAll),
	)
	if err != nil {
		return err
	}
	c.node = node
	log.Infof("Offered leadership candidacy as %s", node)

	go c.campaign(node, listener)
	return nil
}

// campaign follows the election until this replica either leads and later
// loses its znode, or the candidacy dies on a ZooKeeper error.
func (c *ZKCandidate) campaign(node string, listener Listener) {
	myName := node[strings.LastIndex(node, "/")+1:]
	for {
		leading, predecessor, err := c.standing(myName)
		if err != nil {
			log.Errorf("Abandoning candidacy %s: %s", node, err)
			c.clear(node)
			return
		}

		if leading {
			c.lead(node, listener)
			return
		}

		// Watch the predecessor only; its removal means our standing
		// may have changed.
		exists, _, watch, err := c.conn.ExistsW(c.electionPath + "/" + predecessor)
		if err != nil {
			log.Errorf("Abandoning candidacy %s: %s", node, err)
			c.clear(node)
			return
		}
		if !exists {
			continue
		}
		ev := <-watch
		log.V(2).Infof("Predecessor watch fired: %v", ev)
	}
}

// lead delivers OnElected and then blocks until this replica's znode is
// gone, either through the abdication hook or a lost session.
func (c *ZKCandidate) lead(node string, listener Listener) {
	var once sync.Once
	abdicate := func() {
		once.Do(func() {
			log.Infof("Abdicating leadership, removing %s", node)
			if err := c.conn.Delete(node, -1); err != nil && err != zk.ErrNoNode {
				log.Errorf("Failed to remove candidacy node %s: %s", node, err)
			}
		})
	}

	listener.OnElected(abdicate)

	for {
		exists, _, watch, err := c.conn.ExistsW(node)
		if err != nil {
			log.Errorf("Lost watch on own candidacy node %s: %s", node, err)
			break
		}
		if !exists {
			break
		}
		<-watch
	}

	c.clear(node)
	listener.OnDefeated()
}

// standing reports whether myName currently leads and, if not, which child
// directly precedes it.
func (c *ZKCandidate) standing(myName string) (leading bool, predecessor string, err error) {
	children, _, err := c.conn.Children(c.electionPath)
	if err != nil {
		return false, "", err
	}
	sort.Slice(children, func(i, j int) bool {
		return sequenceOf(children[i]) < sequenceOf(children[j])
	})
	for i, child := range children {
		if child != myName {
			continue
		}
		if i == 0 {
			return true, "", nil
		}
		return false, children[i-1], nil
	}
	return false, "", zk.ErrNoNode
}

func (c *ZKCandidate) clear(node string) {
	c.mut.Lock()
	if c.node == node {
		c.node = ""
	}
	c.mut.Unlock()
}

// sequenceOf extracts the sequence number ZooKeeper appended to a child
// name.  Protected nodes look like _c_<guid>-member_0000000042.
func sequenceOf(name string) int64 {
	idx := strings.LastIndex(name, "_")
	if idx < 0 || idx == len(name)-1 {
		return int64(^uint64(0) >> 1)
	}
	seq, err := strconv.ParseInt(name[idx+1:], 10, 64)
	if err != nil {
		return int64(^uint64(0) >> 1)
	}
	return seq
}

// createParents creates every znode on path that does not exist yet.
func createParents(conn ZKConn, path string) error {
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
