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

package events

import (
	"sync"
	"time"

	log "github.com/golang/glog"
)

// Event is anything published on the Bus.
type Event interface {
	EventType() string
}

// ElectedAsLeader is published when this replica has activated as leader.
type ElectedAsLeader struct {
	Host string
	At   time.Time
}

func (ElectedAsLeader) EventType() string { return "elected_as_leader" }

// Standby is published when this replica has stepped back to follower.
type Standby struct {
	Host string
	At   time.Time
}

func (Standby) EventType() string { return "standby" }

const subscriberBuffer = 32

// Bus fans events out to in-process subscribers.  Publishing never blocks:
// a subscriber that stops draining its channel loses events.
type Bus struct {
	mut  sync.RWMutex
	subs []chan Event
}

func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a new subscriber and returns its channel.
func (b *Bus) Subscribe() <-chan Event {
	ch := make(chan Event, subscriberBuffer)
	b.mut.Lock()
	b.subs = append(b.subs, ch)
	b.mut.Unlock()
	return ch
}

// Publish delivers the event to every subscriber.
func (b *Bus) Publish(e Event) {
	b.mut.RLock()
	defer b.mut.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			log.Warningf("Dropping %s event: subscriber channel is full!", e.EventType())
		}
	}
}
