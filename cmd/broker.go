// Copyright 2021-2022 The curio Authors
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
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/alwitt/curio/apis"
	"github.com/alwitt/curio/broker"
	"github.com/alwitt/curio/common"
	"github.com/alwitt/curio/mirror"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// ResolveListenAddress apply the optional positional [ip] [port] arguments on top of
// the configured values. Empty arguments keep the configured value.
func ResolveListenAddress(args []string, listenOn string, port uint16) (string, uint16, error) {
	if len(args) > 2 {
		return "", 0, fmt.Errorf("expected at most 2 positional arguments [ip] [port], got %d", len(args))
	}
	if len(args) > 0 && args[0] != "" {
		if net.ParseIP(args[0]) == nil {
			return "", 0, fmt.Errorf("%q is not a valid IP address", args[0])
		}
		listenOn = args[0]
	}
	if len(args) > 1 && args[1] != "" {
		parsed, err := strconv.ParseUint(args[1], 10, 16)
		if err != nil {
			return "", 0, fmt.Errorf("%q is not a valid port: %w", args[1], err)
		}
		port = uint16(parsed)
	}
	return listenOn, port, nil
}

// RunBroker run the notification broker until the context ends or the acceptor aborts
func RunBroker(
	runtimeContext context.Context, config *common.SystemConfig, instance string,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "broker",
		"instance":  instance,
	}

	validate := validator.New()
	if err := validate.Struct(&config.Broker); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid broker config")
		return err
	}

	server, err := broker.NewServer(runtimeContext, config.Broker, config.Registry)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define broker")
		return err
	}
	if err := server.Listen(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to bind broker listener")
		return err
	}

	wg := sync.WaitGroup{}
	defer wg.Wait()

	// -------------------------------------------------------------------
	// Event mirror

	var eventMirror *mirror.Mirror
	if config.Mirror.Enabled() {
		sinks, err := mirror.BuildSinks(config.Mirror)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define mirror sinks")
			return err
		}
		eventMirror, err = mirror.GetNewMirrorInstance(
			runtimeContext, instance, server.Bus().Subscribe(), sinks, config.Mirror,
		)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define event mirror")
			for _, sink := range sinks {
				_ = sink.Close()
			}
			return err
		}
		if err := eventMirror.Start(runtimeContext, &wg); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to start event mirror")
			return err
		}
		defer func() {
			if err := eventMirror.Stop(); err != nil {
				log.WithError(err).WithFields(logTags).Error("Event mirror stop failure")
			}
		}()
		log.WithFields(logTags).Infof("Mirroring notifications to %d sinks", len(sinks))
	}

	// -------------------------------------------------------------------
	// Admin API

	if config.Admin.Enabled {
		httpSrv, err := startAdminServer(server, eventMirror, config.Admin, logTags)
		if err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
			defer cancel()
			if err := httpSrv.Shutdown(ctx); err != nil {
				log.WithError(err).WithFields(logTags).Error("Failure during HTTP shutdown")
			}
		}()
	}

	log.WithFields(logTags).Infof("Broker listening on %s", server.Addr())
	if err := server.Run(runtimeContext); err != nil {
		log.WithError(err).WithFields(logTags).Error("Broker stopped")
		return err
	}
	log.WithFields(logTags).Info("Broker stopped")
	return nil
}

func startAdminServer(
	server *broker.Server,
	eventMirror *mirror.Mirror,
	config common.AdminServerConfig,
	logTags log.Fields,
) (*http.Server, error) {
	validate := validator.New()
	if err := validate.Struct(&config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid admin API config")
		return nil, err
	}

	var mirrorStats apis.MirrorCore
	if eventMirror != nil {
		mirrorStats = eventMirror
	}
	httpHandler, err := apis.GetAPIRestAdminHandler(server, mirrorStats, &config.HTTPSetting)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define HTTP handler")
		return nil, err
	}
	router := apis.BuildAdminRouter(httpHandler, config.Endpoints.PathPrefix)

	serverCfg := config.HTTPSetting.Server
	serverListen := fmt.Sprintf("%s:%d", serverCfg.ListenOn, serverCfg.Port)
	httpSrv := &http.Server{
		Addr:         serverListen,
		WriteTimeout: time.Second * time.Duration(serverCfg.WriteTimeout),
		ReadTimeout:  time.Second * time.Duration(serverCfg.ReadTimeout),
		IdleTimeout:  time.Second * time.Duration(serverCfg.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).WithFields(logTags).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started admin HTTP server on http://%s", serverListen)
	return httpSrv, nil
}
