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
	"errors"
	"fmt"
	"runtime"

	"github.com/alwitt/notifyhub/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/puzpuzpuz/xsync/v4"
)

// ErrInvalidHandle the subscriber handle is the zero value
var ErrInvalidHandle = errors.New("invalid subscriber handle")

// ErrRetryLimitExceeded an operation kept racing with deletions past the configured retry limit
var ErrRetryLimitExceeded = errors.New("retry limit exceeded")

// Registry tracks which subscriber sessions are interested in which entities
//
// All operations are safe for concurrent use. Operations from the same handle are
// serialized against each other; operations from different handles are not.
type Registry[E comparable, H comparable] interface {
	// Subscribe register the handle's interest in the entities
	Subscribe(handle H, entities ...E) error
	// Unsubscribe remove the handle's interest in the entities. Entities the handle is not
	// subscribed to are ignored.
	Unsubscribe(handle H, entities ...E) error
	// UnsubscribeAll remove the handle from every entity it is subscribed to, and return
	// those entities
	UnsubscribeAll(handle H) ([]E, error)
	// GetSubscriptions fetch the live subscriber set of the entity. Never nil.
	GetSubscriptions(entity E) Subscribers[H]
	// SubscribedEntities list the entities the handle is subscribed to
	SubscribedEntities(handle H) []E
	// EntityCount number of entities with at least one subscriber
	EntityCount() int
	// HandleCount number of handles with at least one subscription, plus handles with an
	// operation in flight
	HandleCount() int
}

// registryImpl implements Registry
type registryImpl[E comparable, H comparable] struct {
	common.Component
	store      *xsync.Map[E, *subscriberSet[H]]
	handles    *handleTable[E, H]
	retryLimit int
}

// GetRegistry define a new subscription registry
func GetRegistry[E comparable, H comparable](
	name string, config common.RegistryConfig,
) (Registry[E, H], error) {
	logTags := log.Fields{
		"module": "subscription", "component": "registry", "instance": name,
	}
	validate := validator.New()
	if err := validate.Struct(&config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid registry config")
		return nil, err
	}
	return &registryImpl[E, H]{
		Component:  common.Component{LogTags: logTags},
		store:      xsync.NewMap[E, *subscriberSet[H]](),
		handles:    newHandleTable[E, H](config.InsertRetryLimit),
		retryLimit: config.InsertRetryLimit,
	}, nil
}

// ----------------------------------------------------------------------------------------
// Store primitives

// ensureAndAdd place the handle into a live subscriber set for the entity
func (r *registryImpl[E, H]) ensureAndAdd(entity E, handle H) error {
	for attempt := 0; attempt < r.retryLimit; attempt++ {
		set, ok := r.store.Load(entity)
		if !ok {
			existing, loaded := r.store.LoadOrStore(entity, newSubscriberSet(handle))
			if !loaded {
				return nil
			}
			set = existing
		}
		// An empty set is on its way out of the store; the next attempt sees its replacement
		if set.tryJoin(handle) {
			return nil
		}
		runtime.Gosched()
	}
	return ErrRetryLimitExceeded
}

// removeAndMaybeDelete drop the handle from the entity's subscriber set, and drop the
// set from the store once it is empty
func (r *registryImpl[E, H]) removeAndMaybeDelete(entity E, handle H) {
	set, ok := r.store.Load(entity)
	if !ok {
		return
	}
	set.lock.Lock()
	defer set.lock.Unlock()
	set.members.Delete(handle)
	if set.members.Size() > 0 {
		return
	}
	// Only remove this exact instance; a replacement must survive
	r.store.Compute(
		entity,
		func(current *subscriberSet[H], loaded bool) (*subscriberSet[H], xsync.ComputeOp) {
			if loaded && current == set {
				return nil, xsync.DeleteOp
			}
			return current, xsync.CancelOp
		},
	)
}

// ----------------------------------------------------------------------------------------
// Registration

// lockHandle validate the handle and take its per-session lock
func (r *registryImpl[E, H]) lockHandle(handle H) (*handleState[E], error) {
	var zero H
	if handle == zero {
		log.WithError(ErrInvalidHandle).WithFields(r.LogTags).Error("Rejecting operation")
		return nil, ErrInvalidHandle
	}
	state, err := r.handles.acquire(handle)
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Unable to lock session %v", handle)
		return nil, fmt.Errorf("lock session %v: %w", handle, err)
	}
	return state, nil
}

// Subscribe register the handle's interest in the entities
//
// On error, the entities processed before the failing one remain subscribed.
func (r *registryImpl[E, H]) Subscribe(handle H, entities ...E) error {
	state, err := r.lockHandle(handle)
	if err != nil {
		return err
	}
	defer r.handles.release(handle, state)
	for _, entity := range entities {
		if _, ok := state.entities[entity]; ok {
			continue
		}
		if err := r.ensureAndAdd(entity, handle); err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf(
				"Failed to subscribe session %v to %v", handle, entity,
			)
			return fmt.Errorf("subscribe %v to %v: %w", handle, entity, err)
		}
		state.entities[entity] = struct{}{}
	}
	return nil
}

// Unsubscribe remove the handle's interest in the entities
func (r *registryImpl[E, H]) Unsubscribe(handle H, entities ...E) error {
	state, err := r.lockHandle(handle)
	if err != nil {
		return err
	}
	defer r.handles.release(handle, state)
	for _, entity := range entities {
		if _, ok := state.entities[entity]; !ok {
			continue
		}
		r.removeAndMaybeDelete(entity, handle)
		delete(state.entities, entity)
	}
	return nil
}

// UnsubscribeAll remove the handle from every entity it is subscribed to
func (r *registryImpl[E, H]) UnsubscribeAll(handle H) ([]E, error) {
	state, err := r.lockHandle(handle)
	if err != nil {
		return nil, err
	}
	defer r.handles.release(handle, state)
	removed := make([]E, 0, len(state.entities))
	for entity := range state.entities {
		r.removeAndMaybeDelete(entity, handle)
		removed = append(removed, entity)
	}
	state.entities = make(map[E]struct{})
	if len(removed) > 0 {
		log.WithFields(r.LogTags).Debugf("Session %v dropped %d subscriptions", handle, len(removed))
	}
	return removed, nil
}

// ----------------------------------------------------------------------------------------
// Queries

// GetSubscriptions fetch the live subscriber set of the entity
func (r *registryImpl[E, H]) GetSubscriptions(entity E) Subscribers[H] {
	if set, ok := r.store.Load(entity); ok {
		return set
	}
	return noSubscribers[H]{}
}

// SubscribedEntities list the entities the handle is subscribed to
func (r *registryImpl[E, H]) SubscribedEntities(handle H) []E {
	return r.handles.entitiesOf(handle)
}

// EntityCount number of entities with at least one subscriber
func (r *registryImpl[E, H]) EntityCount() int {
	return r.store.Size()
}

// HandleCount number of handles with at least one subscription
//
// Handles with an operation in flight may be counted even without subscriptions.
func (r *registryImpl[E, H]) HandleCount() int {
	return r.handles.size()
}
