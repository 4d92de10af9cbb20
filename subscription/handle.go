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
	"runtime"
	"sync"

	"github.com/puzpuzpuz/xsync/v4"
)

// handleState per-session state: the lock serializing the session's own calls, and the
// set of entities the session is subscribed to
//
// A retired state has been removed from the side table. A caller which locks a retired
// state must fetch the table again.
type handleState[E comparable] struct {
	lock     sync.Mutex
	retired  bool
	entities map[E]struct{}
}

func newHandleState[E comparable]() *handleState[E] {
	return &handleState[E]{entities: make(map[E]struct{})}
}

// handleTable side table of per-session state, keyed by session handle
type handleTable[E comparable, H comparable] struct {
	states     *xsync.Map[H, *handleState[E]]
	retryLimit int
}

func newHandleTable[E comparable, H comparable](retryLimit int) *handleTable[E, H] {
	return &handleTable[E, H]{
		states: xsync.NewMap[H, *handleState[E]](), retryLimit: retryLimit,
	}
}

// acquire lock the live state of the handle, creating it if needed
//
// The caller must release the state with release.
func (t *handleTable[E, H]) acquire(handle H) (*handleState[E], error) {
	for attempt := 0; attempt < t.retryLimit; attempt++ {
		state, ok := t.states.Load(handle)
		if !ok {
			state, _ = t.states.LoadOrStore(handle, newHandleState[E]())
		}
		state.lock.Lock()
		if !state.retired {
			return state, nil
		}
		state.lock.Unlock()
		runtime.Gosched()
	}
	return nil, ErrRetryLimitExceeded
}

// release unlock the handle state, retiring it if the handle has no more subscriptions
func (t *handleTable[E, H]) release(handle H, state *handleState[E]) {
	if len(state.entities) == 0 {
		state.retired = true
		t.states.Compute(
			handle,
			func(current *handleState[E], loaded bool) (*handleState[E], xsync.ComputeOp) {
				if loaded && current == state {
					return nil, xsync.DeleteOp
				}
				return current, xsync.CancelOp
			},
		)
	}
	state.lock.Unlock()
}

// entitiesOf copy out the entities the handle is subscribed to
func (t *handleTable[E, H]) entitiesOf(handle H) []E {
	state, ok := t.states.Load(handle)
	if !ok {
		return []E{}
	}
	state.lock.Lock()
	defer state.lock.Unlock()
	result := make([]E, 0, len(state.entities))
	if state.retired {
		return result
	}
	for entity := range state.entities {
		result = append(result, entity)
	}
	return result
}

// size number of handles with live state
func (t *handleTable[E, H]) size() int {
	return t.states.Size()
}
