// Copyright 2021-2022 The cfgpoll Authors
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
	"sync"
	"time"

	"github.com/alwitt/cfgpoll/apis"
	"github.com/alwitt/cfgpoll/common"
	"github.com/alwitt/cfgpoll/configstore"
	"github.com/alwitt/cfgpoll/core"
	"github.com/alwitt/cfgpoll/events"
	"github.com/alwitt/cfgpoll/longpoll"
	"github.com/apex/log"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// defineEventBus select the change event bus per config
func defineEventBus(
	config common.EventBusConfig, instance string, natsClient *core.NatsClient,
) (events.ChangeEventBus, error) {
	switch config.Mode {
	case "nats":
		if natsClient == nil {
			return nil, fmt.Errorf("NATS event bus requires a NATS client")
		}
		return events.GetNATSEventBus(natsClient, config.SubjectPrefix, instance)
	default:
		return events.GetLocalEventBus(instance)
	}
}

// defineAdmission select the admission controller per config
func defineAdmission(
	runtimeContext context.Context,
	wg *sync.WaitGroup,
	config common.AdmissionConfig,
	registry longpoll.SessionRegistry,
) (longpoll.AdmissionController, error) {
	switch config.Mode {
	case "limit":
		return longpoll.GetLimitedAdmission(runtimeContext, wg, config, registry.SnapshotCount)
	default:
		return longpoll.GetAllowAllAdmission(), nil
	}
}

// defineConfigStore define the configuration store, seeding it if configured
func defineConfigStore(
	runtimeContext context.Context, config common.ConfigStoreConfig, bus events.ChangeEventBus,
) (configstore.Store, error) {
	store, err := configstore.GetMemoryStore(bus)
	if err != nil {
		return nil, err
	}
	if config.SeedFile == "" {
		return store, nil
	}
	seed, err := configstore.LoadSeedFile(config.SeedFile)
	if err != nil {
		return nil, err
	}
	if err := configstore.SeedStore(runtimeContext, store, seed); err != nil {
		return nil, err
	}
	return store, nil
}

// defineServiceBus the bus the long polling service consumes
//
// Over NATS, changes recorded by other instances are applied to the local store before
// the parked sessions are answered.
func defineServiceBus(
	config common.EventBusConfig,
	instance string,
	bus events.ChangeEventBus,
	store configstore.Store,
) (events.ChangeEventBus, error) {
	if config.Mode != "nats" {
		return bus, nil
	}
	return configstore.GetReplicatingBus(bus, store, instance)
}

// DefineRouter register the config service end-points under the path prefix
func DefineRouter(pathPrefix string, httpHandler apis.APIRestConfigServiceHandler) *mux.Router {
	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(router, pathPrefix, nil)
	v1Router := apis.RegisterPathPrefix(mainRouter, "/v1/cs", nil)

	// Configuration content
	configRouter := apis.RegisterPathPrefix(v1Router, "/configs", map[string]http.HandlerFunc{
		"post":   httpHandler.PublishConfigHandler(),
		"get":    httpHandler.GetConfigHandler(),
		"delete": httpHandler.DeleteConfigHandler(),
	})

	// Listener
	_ = apis.RegisterPathPrefix(configRouter, "/listener", map[string]http.HandlerFunc{
		"post": httpHandler.ListenHandler(),
	})

	// Diagnostics
	listenerRouter := apis.RegisterPathPrefix(v1Router, "/listener", map[string]http.HandlerFunc{
		"get": httpHandler.ListenersByConfigHandler(),
	})
	_ = apis.RegisterPathPrefix(listenerRouter, "/client", map[string]http.HandlerFunc{
		"get": httpHandler.ListenersByClientHandler(),
	})
	_ = apis.RegisterPathPrefix(v1Router, "/metrics", map[string]http.HandlerFunc{
		"get": httpHandler.MetricsHandler(),
	})

	// Health check
	_ = apis.RegisterPathPrefix(v1Router, "/alive", map[string]http.HandlerFunc{
		"get": httpHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(v1Router, "/ready", map[string]http.HandlerFunc{
		"get": httpHandler.ReadyHandler(),
	})

	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(httpHandler, next)
	})
	return router
}

// RunConfigServer run the configuration server
//
// natsClient is only needed when the event bus runs over NATS.
func RunConfigServer(
	runtimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	natsClient *core.NatsClient,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "config-server",
		"instance":  instance,
	}

	localCtxt, lclCancel := context.WithCancel(runtimeContext)
	defer lclCancel()

	bus, err := defineEventBus(config.EventBus, instance, natsClient)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define change event bus")
		return err
	}

	store, err := defineConfigStore(localCtxt, config.ConfigStore, bus)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define configuration store")
		return err
	}

	serviceBus, err := defineServiceBus(config.EventBus, instance, bus, store)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define store replication")
		return err
	}

	registry := longpoll.GetSessionRegistry()
	admission, err := defineAdmission(localCtxt, wg, config.Admission, registry)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define admission control")
		return err
	}

	service, err := longpoll.GetLongPollingService(longpoll.LongPollingServiceParams{
		Config:     config.LongPolling,
		Registry:   registry,
		Admission:  admission,
		Detector:   store,
		Bus:        serviceBus,
		Workers:    config.EventBus.Workers,
		TaskBuffer: config.EventBus.TaskBuffer,
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define long polling service")
		return err
	}
	if err := service.Start(localCtxt, wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start long polling service")
		return err
	}

	sampler, err := longpoll.GetSampler(
		registry, config.LongPolling.SampleTimes, config.LongPolling.SamplePeriod(),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define listener sampler")
		return err
	}

	readiness := func() error {
		if natsClient != nil && !natsClient.Connected() {
			return fmt.Errorf("NATS client not connected")
		}
		return nil
	}

	httpHandler, err := apis.GetAPIRestConfigServiceHandler(
		localCtxt, &config.APIServer.HTTPSetting, service, sampler, store, readiness,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define HTTP handler")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	router := DefineRouter(config.APIServer.Endpoints.PathPrefix, httpHandler)

	serverCfg := config.APIServer.HTTPSetting.Server
	serverListen := fmt.Sprintf("%s:%d", serverCfg.ListenOn, serverCfg.Port)
	httpSrv := &http.Server{
		Addr:         serverListen,
		WriteTimeout: time.Second * time.Duration(serverCfg.WriteTimeout),
		ReadTimeout:  time.Second * time.Duration(serverCfg.ReadTimeout),
		IdleTimeout:  time.Second * time.Duration(serverCfg.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	// Cancel runtime context on shutdown
	httpSrv.RegisterOnShutdown(lclCancel)

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	<-runtimeContext.Done()

	// Answer parked listeners so the HTTP server can drain
	if err := service.Stop(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failure stopping long polling service")
	}

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("Failure during HTTP shutdown")
		}
	}

	return nil
}
