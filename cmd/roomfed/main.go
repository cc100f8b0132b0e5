// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package main

import (
	"context"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/roomfed/clientapi"
	"github.com/element-hq/roomfed/federationapi"
	"github.com/element-hq/roomfed/internal"
	"github.com/element-hq/roomfed/internal/caching"
	"github.com/element-hq/roomfed/internal/httputil"
	"github.com/element-hq/roomfed/internal/signing"
	"github.com/element-hq/roomfed/internal/sqlutil"
	"github.com/element-hq/roomfed/roomserver"
	"github.com/element-hq/roomfed/roomserver/storage"
	"github.com/element-hq/roomfed/setup/config"
	"github.com/element-hq/roomfed/setup/jetstream"
	"github.com/element-hq/roomfed/setup/process"
)

// httpServerTimeout bounds writes, joins included.
const httpServerTimeout = time.Minute * 5

var (
	configPath  = flag.String("config", "roomfed.yaml", "The path to the config file. For more information, see the config file in this repository.")
	httpAddress = flag.String("http-bind-address", ":8008", "The HTTP listening port for the server")
	version     = flag.Bool("version", false, "Shows the current version and exits immediately.")
)

func main() {
	flag.Parse()
	if *version {
		_, _ = os.Stdout.WriteString(internal.VersionString() + "\n")
		os.Exit(0)
	}

	internal.SetupStdLogging()
	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.Fatalf("Invalid config file: %s", err)
	}
	internal.SetupHookLogging(cfg.Logging)
	logrus.Infof("roomfed version %s", internal.VersionString())
	if cfg.Global.DisableFederation {
		logrus.Warn("Federation is disabled, joins will be refused")
	}

	processCtx := process.NewProcessContext()
	keys, err := signing.NewKeyRing(cfg.Global.ServerName, cfg.Global.KeyID, cfg.Global.PrivateKey)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load the signing key")
	}

	cm := sqlutil.NewConnectionManager(processCtx, cfg.Global.DatabaseOptions)
	caches := caching.NewRistrettoCache(cfg.Global.Cache.EstimatedMaxSize, cfg.Global.Cache.MaxAge, cfg.Global.Metrics.Enabled)
	db, err := storage.Open(cm, &cfg.RoomServer.Database, caches)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to connect to the room server database")
	}

	natsInstance := &jetstream.NATSInstance{}
	js, _, err := natsInstance.Prepare(processCtx, &cfg.Global.JetStream)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to set up JetStream")
	}

	rsAPI := roomserver.NewInternalAPI(processCtx, &cfg.RoomServer, db, js)
	if err = rsAPI.ResyncRooms(processCtx.Context()); err != nil {
		logrus.WithError(err).Fatal("Failed to resync joined rooms")
	}

	fedClient, err := federationapi.NewFederationClient(&cfg.FederationAPI, keys)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to create the federation client")
	}
	fedAPI := federationapi.NewInternalAPI(&cfg.FederationAPI, keys, db, rsAPI, fedClient)

	externalRouter := mux.NewRouter().SkipClean(true).UseEncodedPath()
	clientapi.AddPublicRoutes(externalRouter, &cfg.ClientAPI, fedAPI)

	if cfg.Global.Metrics.Enabled {
		prometheus.MustRegister(roomserver.Metrics()...)
		prometheus.MustRegister(federationapi.Metrics()...)
		prometheus.MustRegister(httputil.Metrics()...)
		externalRouter.Handle("/metrics", httputil.WrapHandlerInBasicAuth(promhttp.Handler(), httputil.BasicAuth{
			Username: cfg.Global.Metrics.BasicAuth.Username,
			Password: cfg.Global.Metrics.BasicAuth.Password,
		}))
	}

	server := &http.Server{
		Addr:         *httpAddress,
		WriteTimeout: httpServerTimeout,
		Handler:      externalRouter,
		BaseContext: func(_ net.Listener) context.Context {
			return processCtx.Context()
		},
	}
	go func() {
		logrus.Infof("Starting HTTP listener on %s", server.Addr)
		processCtx.ComponentStarted()
		defer processCtx.ComponentFinished()
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("Failed to serve HTTP")
		}
		logrus.Info("Stopped HTTP listener")
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigs:
	case <-processCtx.WaitForShutdown():
	}
	signal.Reset(syscall.SIGINT, syscall.SIGTERM)
	logrus.Warnf("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("HTTP listener did not shut down cleanly")
	}
	processCtx.ShutdownDendrite()
	processCtx.WaitForComponentsToFinish()
	logrus.Warnf("roomfed is exiting now")
}
