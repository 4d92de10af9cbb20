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
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/alwitt/notifyhub/apis"
	"github.com/alwitt/notifyhub/common"
	"github.com/alwitt/notifyhub/subscription"
	"github.com/apex/log"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// accessLogWriter forwards HTTP access log lines into the application log
type accessLogWriter struct {
	common.Component
}

// Write log one access log line
func (w accessLogWriter) Write(p []byte) (int, error) {
	log.WithFields(w.LogTags).Info(strings.TrimSpace(string(p)))
	return len(p), nil
}

// DefineManagementRouter build the management API router around a registry
func DefineManagementRouter(
	registry subscription.DeviceSubscriptions,
	config *common.ManagementServerConfig,
	instance string,
) (*mux.Router, error) {
	httpHandler, err := apis.GetAPIRestRegistryHandler(registry, &config.HTTPSetting)
	if err != nil {
		return nil, err
	}

	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(router, config.Endpoints.PathPrefix, nil)
	apis.DefineRegistryRoutes(mainRouter, httpHandler)

	// Add logging
	accessLog := accessLogWriter{
		Component: common.Component{
			LogTags: log.Fields{"module": "cmd", "component": "access-log", "instance": instance},
		},
	}
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(accessLog, next)
	})

	return router, nil
}

// startStatsReporter periodically log the registry statistics
func startStatsReporter(
	runtimeContext context.Context,
	wg *sync.WaitGroup,
	registry subscription.DeviceSubscriptions,
	interval time.Duration,
	logTags log.Fields,
) (common.IntervalTimer, error) {
	timer, err := common.GetIntervalTimerInstance(runtimeContext, wg, "registry-stats")
	if err != nil {
		return nil, err
	}
	err = timer.Start(interval, func() error {
		log.WithFields(logTags).Infof(
			"Registry holds %d devices and %d sessions",
			registry.EntityCount(),
			registry.HandleCount(),
		)
		return nil
	}, false)
	if err != nil {
		return nil, err
	}
	return timer, nil
}

// RunManagementServer run the subscription registry management server
func RunManagementServer(
	runtimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "management",
		"instance":  instance,
	}
	if config.Management == nil {
		return fmt.Errorf("management server can't start without its configurations")
	}

	registry, err := subscription.GetDeviceSubscriptionRegistry(instance, config.Registry)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define subscription registry")
		return err
	}

	router, err := DefineManagementRouter(registry, config.Management, instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define HTTP handler")
		return err
	}

	if config.Registry.StatsReportInterval > 0 {
		statsTimer, err := startStatsReporter(
			runtimeContext,
			wg,
			registry,
			time.Second*time.Duration(config.Registry.StatsReportInterval),
			logTags,
		)
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Unable to start statistics reporter")
			return err
		}
		defer func() {
			_ = statsTimer.Stop()
		}()
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	serverCfg := config.Management.HTTPSetting.Server
	serverListen := fmt.Sprintf("%s:%d", serverCfg.ListenOn, serverCfg.Port)
	httpSrv := &http.Server{
		Addr:         serverListen,
		WriteTimeout: time.Second * time.Duration(serverCfg.WriteTimeout),
		ReadTimeout:  time.Second * time.Duration(serverCfg.ReadTimeout),
		IdleTimeout:  time.Second * time.Duration(serverCfg.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	// Start the server
	serveErr := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).WithFields(logTags).Error("HTTP Server Failure")
			serveErr <- err
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	select {
	case <-runtimeContext.Done():
	case err := <-serveErr:
		return fmt.Errorf("management server on %s: %w", serverListen, err)
	}

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during HTTP shutdown")
		}
	}

	return nil
}
