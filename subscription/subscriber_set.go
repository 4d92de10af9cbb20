// Copyright 2022 The notifyhub Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package subscription

import (
	"sync"

	"github.com/puzpuzpuz/xsync/v4"
)

// Subscribers read-only view of the subscriber sessions of one entity
//
// The view is live: it may reflect subscribe / unsubscribe calls which complete after it was
// fetched. Iterating it concurrently with those calls is safe.
type Subscribers[H comparable] interface {
	// Len number of subscribers currently in the set
	Len() int
	// Contains whether the handle is currently in the set
	Contains(handle H) bool
	// Range call fn for each subscriber until fn returns false
	Range(fn func(handle H) bool)
	// List copy out the current subscribers
	List() []H
}

// subscriberSet the subscribers of one entity, owned by that entity's store entry
//
// An empty set is one whose entry is being deleted from the store. Nothing may join it.
type subscriberSet[H comparable] struct {
	// lock guards membership changes, and the removal of the entry once it is empty
	lock    sync.Mutex
	members *xsync.Map[H, struct{}]
}

// newSubscriberSet define a subscriber set with one initial member
func newSubscriberSet[H comparable](first H) *subscriberSet[H] {
	members := xsync.NewMap[H, struct{}]()
	members.Store(first, struct{}{})
	return &subscriberSet[H]{members: members}
}

// tryJoin add the handle to the set unless the set is empty
func (s *subscriberSet[H]) tryJoin(handle H) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.members.Size() == 0 {
		return false
	}
	s.members.Store(handle, struct{}{})
	return true
}

// Len number of subscribers currently in the set
func (s *subscriberSet[H]) Len() int {
	return s.members.Size()
}

// Contains whether the handle is currently in the set
func (s *subscriberSet[H]) Contains(handle H) bool {
	_, ok := s.members.Load(handle)
	return ok
}

// Range call fn for each subscriber until fn returns false
func (s *subscriberSet[H]) Range(fn func(handle H) bool) {
	s.members.Range(func(key H, _ struct{}) bool {
		return fn(key)
	})
}

// List copy out the current subscribers
func (s *subscriberSet[H]) List() []H {
	result := make([]H, 0, s.members.Size())
	s.members.Range(func(key H, _ struct{}) bool {
		result = append(result, key)
		return true
	})
	return result
}

// noSubscribers the view returned for entities without an entry
type noSubscribers[H comparable] struct{}

func (noSubscribers[H]) Len() int { return 0 }

func (noSubscribers[H]) Contains(H) bool { return false }

func (noSubscribers[H]) Range(func(H) bool) {}

func (noSubscribers[H]) List() []H { return []H{} }
