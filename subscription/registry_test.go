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
	"math/rand"
	"sync"
	"testing"

	"github.com/alwitt/notifyhub/common"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func testRegistryConfig() common.RegistryConfig {
	return common.RegistryConfig{InsertRetryLimit: 1000000, StatsReportInterval: 0}
}

func TestRegistryConfigValidation(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	_, err := GetRegistry[int64, string]("testing", common.RegistryConfig{InsertRetryLimit: 0})
	assert.NotNil(err)

	_, err = GetDeviceSubscriptionRegistry("testing", testRegistryConfig())
	assert.Nil(err)
}

func TestRegistryBasicSubscribe(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut, err := GetDeviceSubscriptionRegistry("testing", testRegistryConfig())
	assert.Nil(err)
	uutc := uut.(*registryImpl[DeviceID, SessionID])

	h1 := uuid.New().String()

	// Case 0: query unknown device
	{
		subs := uut.GetSubscriptions(7)
		assert.NotNil(subs)
		assert.Equal(0, subs.Len())
		assert.Empty(subs.List())
		assert.False(subs.Contains(h1))
	}

	// Case 1: subscribe to two devices
	assert.Nil(uut.Subscribe(h1, 7, 9))
	{
		assert.ElementsMatch([]SessionID{h1}, uut.GetSubscriptions(7).List())
		assert.ElementsMatch([]SessionID{h1}, uut.GetSubscriptions(9).List())
		assert.ElementsMatch([]DeviceID{7, 9}, uut.SubscribedEntities(h1))
		assert.Equal(2, uut.EntityCount())
		assert.Equal(1, uut.HandleCount())
	}

	// Case 2: unsubscribe from one device
	assert.Nil(uut.Unsubscribe(h1, 7))
	{
		assert.Equal(0, uut.GetSubscriptions(7).Len())
		_, ok := uutc.store.Load(7)
		assert.False(ok)
		assert.ElementsMatch([]SessionID{h1}, uut.GetSubscriptions(9).List())
		assert.ElementsMatch([]DeviceID{9}, uut.SubscribedEntities(h1))
		assert.Equal(1, uut.EntityCount())
	}

	// Case 3: second session joins an existing set
	h3 := uuid.New().String()
	assert.Nil(uut.Subscribe(h3, 9))
	{
		assert.ElementsMatch([]SessionID{h1, h3}, uut.GetSubscriptions(9).List())
		assert.Equal(2, uut.HandleCount())
	}

	// Case 4: first session leaves, entry must remain for the second
	assert.Nil(uut.Unsubscribe(h1, 9))
	{
		assert.ElementsMatch([]SessionID{h3}, uut.GetSubscriptions(9).List())
		assert.Empty(uut.SubscribedEntities(h1))
		assert.Equal(1, uut.HandleCount())
	}

	// Case 5: last session leaves
	assert.Nil(uut.Unsubscribe(h3, 9))
	{
		assert.Equal(0, uut.GetSubscriptions(9).Len())
		assert.Equal(0, uut.EntityCount())
		assert.Equal(0, uut.HandleCount())
	}
}

func TestRegistryIdempotence(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut, err := GetDeviceSubscriptionRegistry("testing", testRegistryConfig())
	assert.Nil(err)

	h1 := uuid.New().String()
	h2 := uuid.New().String()

	// Case 0: unsubscribe unknown session
	assert.Nil(uut.Unsubscribe(h1, 1, 2, 3))
	assert.Equal(0, uut.EntityCount())
	assert.Equal(0, uut.HandleCount())

	// Case 1: repeated subscribe, including duplicates within one call
	assert.Nil(uut.Subscribe(h1, 1, 1, 2))
	assert.Nil(uut.Subscribe(h1, 1))
	assert.Nil(uut.Subscribe(h2, 1))
	{
		subs := uut.GetSubscriptions(1)
		assert.Equal(2, subs.Len())
		assert.ElementsMatch([]SessionID{h1, h2}, subs.List())
		assert.ElementsMatch([]DeviceID{1, 2}, uut.SubscribedEntities(h1))
	}

	// Case 2: repeated unsubscribe
	assert.Nil(uut.Unsubscribe(h1, 1))
	assert.Nil(uut.Unsubscribe(h1, 1))
	assert.Nil(uut.Unsubscribe(h1, 1, 5))
	{
		assert.ElementsMatch([]SessionID{h2}, uut.GetSubscriptions(1).List())
		assert.ElementsMatch([]SessionID{h1}, uut.GetSubscriptions(2).List())
	}

	// Case 3: empty entity lists
	assert.Nil(uut.Subscribe(h1))
	assert.Nil(uut.Unsubscribe(h1))
	assert.ElementsMatch([]DeviceID{2}, uut.SubscribedEntities(h1))
}

func TestRegistryInvalidHandle(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut, err := GetDeviceSubscriptionRegistry("testing", testRegistryConfig())
	assert.Nil(err)

	assert.True(errors.Is(uut.Subscribe("", 1), ErrInvalidHandle))
	assert.True(errors.Is(uut.Unsubscribe("", 1), ErrInvalidHandle))
	_, err = uut.UnsubscribeAll("")
	assert.True(errors.Is(err, ErrInvalidHandle))
	assert.Equal(0, uut.EntityCount())
	assert.Equal(0, uut.HandleCount())
}

func TestRegistryUnsubscribeAll(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut, err := GetDeviceSubscriptionRegistry("testing", testRegistryConfig())
	assert.Nil(err)

	h1 := uuid.New().String()
	h2 := uuid.New().String()
	assert.Nil(uut.Subscribe(h1, 1, 2, 3))
	assert.Nil(uut.Subscribe(h2, 3, 4))

	// Case 0: disconnect the first session
	{
		removed, err := uut.UnsubscribeAll(h1)
		assert.Nil(err)
		assert.ElementsMatch([]DeviceID{1, 2, 3}, removed)
		assert.Equal(0, uut.GetSubscriptions(1).Len())
		assert.Equal(0, uut.GetSubscriptions(2).Len())
		assert.ElementsMatch([]SessionID{h2}, uut.GetSubscriptions(3).List())
		assert.Equal(2, uut.EntityCount())
		assert.Equal(1, uut.HandleCount())
	}

	// Case 1: repeat the disconnect
	{
		removed, err := uut.UnsubscribeAll(h1)
		assert.Nil(err)
		assert.Empty(removed)
	}

	// Case 2: session can subscribe again after disconnect
	assert.Nil(uut.Subscribe(h1, 4))
	assert.ElementsMatch([]SessionID{h1, h2}, uut.GetSubscriptions(4).List())
}

func TestRegistrySameHandleConcurrent(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.InfoLevel)

	uut, err := GetDeviceSubscriptionRegistry("testing", testRegistryConfig())
	assert.Nil(err)

	shared := uuid.New().String()
	const entities = 6
	const callers = 16
	rounds := 5000
	if testing.Short() {
		rounds = 500
	}

	// Case 0: many goroutines drive the same session, racing its state retirement
	wg := sync.WaitGroup{}
	for itr := 0; itr < callers; itr++ {
		wg.Add(1)
		go func(caller int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(caller)))
			for round := 0; round < rounds; round++ {
				a := DeviceID(rng.Intn(entities))
				b := DeviceID(rng.Intn(entities))
				switch rng.Intn(3) {
				case 0:
					assert.Nil(uut.Subscribe(shared, a, b))
				case 1:
					assert.Nil(uut.Unsubscribe(shared, a))
				default:
					_, err := uut.UnsubscribeAll(shared)
					assert.Nil(err)
				}
			}
		}(itr)
	}
	wg.Wait()

	// Forward and reverse views agree
	reverse := map[DeviceID]bool{}
	for _, entity := range uut.SubscribedEntities(shared) {
		reverse[entity] = true
	}
	for entity := DeviceID(0); entity < entities; entity++ {
		assert.Equal(reverse[entity], uut.GetSubscriptions(entity).Contains(shared))
		assert.Equal(reverse[entity], uut.GetSubscriptions(entity).Len() == 1)
	}
	assert.Equal(len(reverse), uut.EntityCount())
	if len(reverse) > 0 {
		assert.Equal(1, uut.HandleCount())
	} else {
		assert.Equal(0, uut.HandleCount())
	}

	// Case 1: disconnect drains both the store and the session table
	{
		removed, err := uut.UnsubscribeAll(shared)
		assert.Nil(err)
		assert.Len(removed, len(reverse))
		assert.Equal(0, uut.EntityCount())
		assert.Equal(0, uut.HandleCount())
		assert.Empty(uut.SubscribedEntities(shared))
	}
}

func TestRegistryLiveView(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut, err := GetDeviceSubscriptionRegistry("testing", testRegistryConfig())
	assert.Nil(err)

	h1 := uuid.New().String()
	h2 := uuid.New().String()
	assert.Nil(uut.Subscribe(h1, 1))

	view := uut.GetSubscriptions(1)
	assert.Equal(1, view.Len())

	// Changes after the fetch are visible through the view
	assert.Nil(uut.Subscribe(h2, 1))
	assert.Equal(2, view.Len())
	assert.True(view.Contains(h2))

	// Range stops when asked
	seen := 0
	view.Range(func(SessionID) bool {
		seen++
		return false
	})
	assert.Equal(1, seen)
}

func TestRegistryRetryLimit(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut, err := GetRegistry[int64, string]("testing", common.RegistryConfig{InsertRetryLimit: 5})
	assert.Nil(err)
	uutc := uut.(*registryImpl[int64, string])

	// Case 0: a set stuck mid-deletion can not be joined
	{
		stuck := newSubscriberSet("ghost")
		stuck.members.Delete("ghost")
		uutc.store.Store(11, stuck)
		err := uut.Subscribe(uuid.New().String(), 11)
		assert.True(errors.Is(err, ErrRetryLimitExceeded))
		assert.Equal(0, stuck.Len())
	}

	// Case 1: partial progress is kept and tracked
	h1 := uuid.New().String()
	{
		err := uut.Subscribe(h1, 10, 11, 12)
		assert.True(errors.Is(err, ErrRetryLimitExceeded))
		assert.ElementsMatch([]int64{10}, uut.SubscribedEntities(h1))
		assert.True(uut.GetSubscriptions(10).Contains(h1))
		assert.False(uut.GetSubscriptions(12).Contains(h1))
	}

	// Case 2: a session state stuck in retirement can not be locked
	{
		h2 := uuid.New().String()
		stuck := newHandleState[int64]()
		stuck.retired = true
		uutc.handles.states.Store(h2, stuck)
		assert.True(errors.Is(uut.Subscribe(h2, 10), ErrRetryLimitExceeded))
		assert.False(uut.GetSubscriptions(10).Contains(h2))
	}
}

func TestRegistryGarbageBound(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.InfoLevel)

	uut, err := GetDeviceSubscriptionRegistry("testing", testRegistryConfig())
	assert.Nil(err)
	uutc := uut.(*registryImpl[DeviceID, SessionID])

	entityCount := 1000
	handles := make([]SessionID, 8)
	for itr := range handles {
		handles[itr] = uuid.New().String()
	}

	wg := sync.WaitGroup{}
	for _, handle := range handles {
		wg.Add(1)
		go func(handle SessionID) {
			defer wg.Done()
			for entity := 0; entity < entityCount; entity++ {
				assert.Nil(uut.Subscribe(handle, DeviceID(entity)))
			}
			for entity := 0; entity < entityCount; entity++ {
				assert.Nil(uut.Unsubscribe(handle, DeviceID(entity)))
			}
		}(handle)
	}
	wg.Wait()

	assert.Equal(0, uut.EntityCount())
	assert.Equal(0, uut.HandleCount())
	for entity := 0; entity < entityCount; entity++ {
		assert.Equal(0, uut.GetSubscriptions(DeviceID(entity)).Len())
	}
	leftover := 0
	uutc.store.Range(func(DeviceID, *subscriberSet[SessionID]) bool {
		leftover++
		return true
	})
	assert.Equal(0, leftover)
}

func TestRegistryNoLostSubscription(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.InfoLevel)

	uut, err := GetDeviceSubscriptionRegistry("testing", testRegistryConfig())
	assert.Nil(err)

	const entity = DeviceID(42)
	const rounds = 2000

	stop := make(chan bool)
	churnWG := sync.WaitGroup{}
	// Churners keep creating and deleting the entity's entry
	for itr := 0; itr < 4; itr++ {
		churnWG.Add(1)
		go func(handle SessionID) {
			defer churnWG.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				assert.Nil(uut.Subscribe(handle, entity))
				assert.Nil(uut.Unsubscribe(handle, entity))
			}
		}(uuid.New().String())
	}

	// Joiners must be visible the moment Subscribe returns, and gone once Unsubscribe returns
	joinWG := sync.WaitGroup{}
	for itr := 0; itr < 4; itr++ {
		joinWG.Add(1)
		go func(handle SessionID) {
			defer joinWG.Done()
			for round := 0; round < rounds; round++ {
				assert.Nil(uut.Subscribe(handle, entity))
				if !uut.GetSubscriptions(entity).Contains(handle) {
					assert.Failf("lost subscription", "session %s round %d", handle, round)
					return
				}
				assert.Nil(uut.Unsubscribe(handle, entity))
				if uut.GetSubscriptions(entity).Contains(handle) {
					assert.Failf("phantom subscription", "session %s round %d", handle, round)
					return
				}
			}
		}(uuid.New().String())
	}
	joinWG.Wait()
	close(stop)
	churnWG.Wait()

	assert.Equal(0, uut.EntityCount())
	assert.Equal(0, uut.HandleCount())
}

func TestRegistryNoPhantomMembership(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.InfoLevel)

	uut, err := GetDeviceSubscriptionRegistry("testing", testRegistryConfig())
	assert.Nil(err)

	writers := map[SessionID]bool{}
	writerList := []SessionID{}
	for itr := 0; itr < 8; itr++ {
		handle := uuid.New().String()
		writers[handle] = true
		writerList = append(writerList, handle)
	}
	outsider := uuid.New().String()

	stop := make(chan bool)
	writerWG := sync.WaitGroup{}
	for idx, handle := range writerList {
		writerWG.Add(1)
		go func(handle SessionID, seed int64) {
			defer writerWG.Done()
			rng := rand.New(rand.NewSource(seed))
			for {
				select {
				case <-stop:
					return
				default:
				}
				entity := DeviceID(rng.Intn(4))
				if rng.Intn(2) == 0 {
					assert.Nil(uut.Subscribe(handle, entity))
				} else {
					assert.Nil(uut.Unsubscribe(handle, entity))
				}
			}
		}(handle, int64(idx))
	}

	// Readers enumerating concurrently must only ever see writer sessions
	readerWG := sync.WaitGroup{}
	for itr := 0; itr < 4; itr++ {
		readerWG.Add(1)
		go func() {
			defer readerWG.Done()
			for round := 0; round < 5000; round++ {
				uut.GetSubscriptions(DeviceID(round % 4)).Range(func(handle SessionID) bool {
					if !writers[handle] {
						assert.Failf("phantom subscription", "unknown session %s", handle)
					}
					return true
				})
				assert.False(uut.GetSubscriptions(DeviceID(round % 4)).Contains(outsider))
			}
		}()
	}
	readerWG.Wait()
	close(stop)
	writerWG.Wait()

	// Quiesced: each session's reverse index agrees with the forward sets
	for _, handle := range writerList {
		subscribed := map[DeviceID]bool{}
		for _, entity := range uut.SubscribedEntities(handle) {
			subscribed[entity] = true
		}
		for entity := DeviceID(0); entity < 4; entity++ {
			assert.Equal(
				subscribed[entity],
				uut.GetSubscriptions(entity).Contains(handle),
				fmt.Sprintf("session %s device %d", handle, entity),
			)
		}
	}
}

func TestRegistryConcurrentStress(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.InfoLevel)

	uut, err := GetDeviceSubscriptionRegistry("testing", testRegistryConfig())
	assert.Nil(err)
	uutc := uut.(*registryImpl[DeviceID, SessionID])

	workers := 100
	entities := 10
	iterations := 10000
	if testing.Short() {
		iterations = 1000
	}

	// lastOp[worker][entity] is true if the worker's last operation on the entity was subscribe
	lastOp := make([][]bool, workers)
	handles := make([]SessionID, workers)
	for itr := 0; itr < workers; itr++ {
		lastOp[itr] = make([]bool, entities)
		handles[itr] = fmt.Sprintf("worker-%d-%s", itr, uuid.New().String())
	}

	wg := sync.WaitGroup{}
	for itr := 0; itr < workers; itr++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(worker)))
			for round := 0; round < iterations; round++ {
				entity := rng.Intn(entities)
				if rng.Intn(2) == 0 {
					assert.Nil(uut.Subscribe(handles[worker], DeviceID(entity)))
					lastOp[worker][entity] = true
				} else {
					assert.Nil(uut.Unsubscribe(handles[worker], DeviceID(entity)))
					lastOp[worker][entity] = false
				}
			}
		}(itr)
	}
	wg.Wait()

	liveEntities := 0
	for entity := 0; entity < entities; entity++ {
		expected := []SessionID{}
		for worker := 0; worker < workers; worker++ {
			if lastOp[worker][entity] {
				expected = append(expected, handles[worker])
			}
		}
		assert.ElementsMatch(expected, uut.GetSubscriptions(DeviceID(entity)).List())
		_, stored := uutc.store.Load(DeviceID(entity))
		assert.Equal(len(expected) > 0, stored)
		if len(expected) > 0 {
			liveEntities++
		}
	}
	assert.Equal(liveEntities, uut.EntityCount())

	// Drain everything
	for _, handle := range handles {
		_, err := uut.UnsubscribeAll(handle)
		assert.Nil(err)
	}
	assert.Equal(0, uut.EntityCount())
	assert.Equal(0, uut.HandleCount())
}
