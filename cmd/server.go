// Copyright 2025-2026 The chatrelay Authors
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

	"github.com/alwitt/chatrelay/apis"
	"github.com/alwitt/chatrelay/auth"
	"github.com/alwitt/chatrelay/common"
	"github.com/alwitt/chatrelay/dispatch"
	"github.com/alwitt/chatrelay/metrics"
	"github.com/alwitt/chatrelay/presence"
	"github.com/alwitt/chatrelay/session"
	"github.com/alwitt/chatrelay/storage"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// defineHTTPServer build the HTTP server around the router per config. The
// timeouts bound plain HTTP requests only; WebSocket sessions outlive them
// because the upgrade clears the connection deadlines at hijack.
func defineHTTPServer(config common.HTTPServerConfig, router http.Handler) *http.Server {
	return &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.ListenOn, config.Port),
		ReadTimeout:  time.Second * time.Duration(config.ReadTimeout),
		WriteTimeout: time.Second * time.Duration(config.WriteTimeout),
		IdleTimeout:  time.Second * time.Duration(config.IdleTimeout),
		Handler:      router,
	}
}

// RunChatServer run the chat relay server until the runtime context ends
func RunChatServer(
	runTimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "chat-server",
		"instance":  instance,
	}

	validate := validator.New()
	if err := validate.Struct(config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid server config")
		return err
	}

	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()

	// -------------------------------------------------------------------
	// Admission control

	blacklist, err := auth.GetTokenBlacklistInstance(instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define token blacklist")
		return err
	}
	tokenValidator, err := auth.GetJWTTokenValidatorInstance(
		config.Auth.SigningSecret, blacklist,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define token validator")
		return err
	}
	gate, err := auth.GetAuthenticationGateInstance(
		tokenValidator, config.Auth.TokenQueryParam,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define authentication gate")
		return err
	}

	// -------------------------------------------------------------------
	// Persistence

	store, err := storage.GetSQLiteChatStore(storage.SQLiteStoreParam{
		DBFile:       config.Storage.DBFile,
		MaxOpenConns: config.Storage.MaxOpenConns,
		BusyTimeout:  time.Millisecond * time.Duration(config.Storage.BusyTimeout),
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Unable to open chat store %s", config.Storage.DBFile,
		)
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Chat store close failure")
		}
	}()

	// -------------------------------------------------------------------
	// Session management

	registry, err := session.GetConnectionRegistryInstance(instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define connection registry")
		return err
	}
	subscriptions, err := session.GetSubscriptionIndexInstance(instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define subscription index")
		return err
	}
	tracker, err := presence.GetTrackerInstance(
		instance, time.Second*time.Duration(config.Presence.StalenessWindow),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define presence tracker")
		return err
	}

	var collector *metrics.Collector
	if config.Metrics.Enabled {
		collector = metrics.NewCollector(config.Metrics.Namespace, nil)
	}

	broadcaster, err := dispatch.GetBroadcasterInstance(registry, subscriptions, collector)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define broadcaster")
		return err
	}
	dispatcher, err := dispatch.DefineSessionDispatcher(dispatch.DispatcherParam{
		Registry:       registry,
		Subscriptions:  subscriptions,
		Store:          store,
		Presence:       tracker,
		Broadcaster:    broadcaster,
		Collector:      collector,
		BroadcastJoin:  config.Session.BroadcastJoin,
		StrictFrames:   config.Session.StrictFrames,
		OptimisticSend: config.Session.OptimisticSend,
	}, localCtxt)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define session dispatcher")
		return err
	}

	// -------------------------------------------------------------------
	// Background sweeps

	idleReaper, err := common.GetIntervalTimerInstance("idle-reaper", localCtxt, wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define idle reaper")
		return err
	}
	inactivityWindow := time.Second * time.Duration(config.Session.InactivityTimeout)
	if err := idleReaper.Start(
		time.Second*time.Duration(config.Session.IdleSweepInterval), func() error {
			for _, conn := range registry.List() {
				if time.Since(conn.LastActivity()) < inactivityWindow {
					continue
				}
				log.WithFields(logTags).Infof(
					"Reaping idle connection %s of %s", conn.ID(), conn.Identity(),
				)
				dispatcher.HandleDisconnect(conn)
				_ = conn.Close()
			}
			return nil
		},
	); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start idle reaper")
		return err
	}

	if config.Presence.SweepInterval > 0 {
		presenceSweep, err := common.GetIntervalTimerInstance(
			"presence-sweep", localCtxt, wg,
		)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define presence sweep")
			return err
		}
		if err := presenceSweep.Start(
			time.Second*time.Duration(config.Presence.SweepInterval), func() error {
				tracker.Sweep()
				return nil
			},
		); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to start presence sweep")
			return err
		}
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	httpHandler, err := apis.GetAPIRestChatSessionHandler(
		localCtxt, gate, registry, dispatcher, store, &config.HTTP, config.Session, wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define HTTP handler")
		return err
	}

	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(router, config.HTTP.PathPrefix, nil)

	// Chat session entry point
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/chat/ws", map[string]http.HandlerFunc{
		"get": httpHandler.ServeWebSocketHandler(),
	})

	// Health check
	_ = apis.RegisterPathPrefix(mainRouter, "/alive", map[string]http.HandlerFunc{
		"get": httpHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/ready", map[string]http.HandlerFunc{
		"get": httpHandler.ReadyHandler(),
	})

	// Metrics
	if collector != nil {
		_ = apis.RegisterPathPrefix(mainRouter, "/metrics", map[string]http.HandlerFunc{
			"get": promhttp.HandlerFor(
				collector.Registry(), promhttp.HandlerOpts{},
			).ServeHTTP,
		})
	}

	httpSrv := defineHTTPServer(config.HTTP.Server, router)

	// Cancel runtime context on shutdown
	httpSrv.RegisterOnShutdown(lclCancel)

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", httpSrv.Addr)

	// ============================================================================

	<-runTimeContext.Done()

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
