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

package cmd

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/alwitt/notifyhub/common"
	"github.com/alwitt/notifyhub/subscription"
	"github.com/apex/log"
	"github.com/google/uuid"
)

// StressReport outcome of a registry stress run
type StressReport struct {
	// Operations is the total number of subscribe / unsubscribe calls made
	Operations int `json:"operations"`
	// Duration is the wall time of the concurrent phase
	Duration time.Duration `json:"duration"`
	// Mismatches lists every device whose subscribers differ from the expected set
	Mismatches []string `json:"mismatches,omitempty"`
	// LeftoverDevices is the number of devices still held after all sessions disconnected
	LeftoverDevices int `json:"leftover_devices"`
	// LeftoverSessions is the number of sessions still tracked after all sessions disconnected
	LeftoverSessions int `json:"leftover_sessions"`
}

// Passed whether the stress run found no inconsistency
func (r StressReport) Passed() bool {
	return len(r.Mismatches) == 0 && r.LeftoverDevices == 0 && r.LeftoverSessions == 0
}

// stressWorker one session randomly subscribing and unsubscribing devices
type stressWorker struct {
	common.Component
	session  subscription.SessionID
	registry subscription.DeviceSubscriptions
	rng      *rand.Rand
	// lastSubscribed records whether the last operation on each device was a subscribe
	lastSubscribed []bool
}

func (w *stressWorker) run(ctxt context.Context, iterations int) error {
	for itr := 0; itr < iterations; itr++ {
		select {
		case <-ctxt.Done():
			return ctxt.Err()
		default:
		}
		device := w.rng.Intn(len(w.lastSubscribed))
		if w.rng.Intn(2) == 0 {
			if err := w.registry.Subscribe(w.session, subscription.DeviceID(device)); err != nil {
				log.WithError(err).WithFields(w.LogTags).Errorf("Subscribe to %d failed", device)
				return err
			}
			w.lastSubscribed[device] = true
		} else {
			if err := w.registry.Unsubscribe(w.session, subscription.DeviceID(device)); err != nil {
				log.WithError(err).WithFields(w.LogTags).Errorf("Unsubscribe from %d failed", device)
				return err
			}
			w.lastSubscribed[device] = false
		}
	}
	return nil
}

// RunStressTest hammer a fresh registry with concurrent sessions, then verify its content
func RunStressTest(
	runtimeContext context.Context,
	registryConfig common.RegistryConfig,
	config common.StressTestConfig,
	instance string,
) (StressReport, error) {
	baseComponent := common.Component{
		LogTags: log.Fields{"module": "cmd", "component": "stress", "instance": instance},
	}

	registry, err := subscription.GetDeviceSubscriptionRegistry(instance, registryConfig)
	if err != nil {
		log.WithError(err).WithFields(baseComponent.LogTags).Error("Unable to define registry")
		return StressReport{}, err
	}

	workers := make([]*stressWorker, config.Workers)
	for itr := range workers {
		session := uuid.NewString()
		workers[itr] = &stressWorker{
			Component: common.Component{
				LogTags: baseComponent.ExtendLogTags(log.Fields{"session": session}),
			},
			session:        session,
			registry:       registry,
			rng:            rand.New(rand.NewSource(time.Now().UnixNano() + int64(itr))),
			lastSubscribed: make([]bool, config.EntityPool),
		}
	}

	// Concurrent phase
	wg := sync.WaitGroup{}
	workerErrs := make([]error, config.Workers)
	startTime := time.Now()
	wg.Add(config.Workers)
	for itr, worker := range workers {
		go func(index int, w *stressWorker) {
			defer wg.Done()
			workerErrs[index] = w.run(runtimeContext, config.Iterations)
		}(itr, worker)
	}
	wg.Wait()
	report := StressReport{
		Operations: config.Workers * config.Iterations,
		Duration:   time.Since(startTime),
	}
	for _, err := range workerErrs {
		if err != nil {
			return report, err
		}
	}
	log.WithFields(baseComponent.LogTags).Infof(
		"Completed %d operations in %s", report.Operations, report.Duration,
	)

	// Verify every device against the last operation of each worker
	expectedDevices := 0
	for device := 0; device < config.EntityPool; device++ {
		expected := map[subscription.SessionID]bool{}
		for _, worker := range workers {
			if worker.lastSubscribed[device] {
				expected[worker.session] = true
			}
		}
		if len(expected) > 0 {
			expectedDevices++
		}
		subscribers := registry.GetSubscriptions(subscription.DeviceID(device))
		match := subscribers.Len() == len(expected)
		for _, session := range subscribers.List() {
			if !expected[session] {
				match = false
			}
		}
		if !match {
			mismatch := fmt.Sprintf(
				"device %d: expected %d subscribers, found %d",
				device,
				len(expected),
				subscribers.Len(),
			)
			log.WithFields(baseComponent.LogTags).Error(mismatch)
			report.Mismatches = append(report.Mismatches, mismatch)
		}
	}
	if registry.EntityCount() != expectedDevices {
		mismatch := fmt.Sprintf(
			"registry holds %d devices, expected %d", registry.EntityCount(), expectedDevices,
		)
		log.WithFields(baseComponent.LogTags).Error(mismatch)
		report.Mismatches = append(report.Mismatches, mismatch)
	}

	// Disconnect every session, nothing should remain afterwards
	for _, worker := range workers {
		if _, err := registry.UnsubscribeAll(worker.session); err != nil {
			log.WithError(err).WithFields(worker.LogTags).Error("Disconnect failed")
			return report, err
		}
	}
	report.LeftoverDevices = registry.EntityCount()
	report.LeftoverSessions = registry.HandleCount()

	return report, nil
}
