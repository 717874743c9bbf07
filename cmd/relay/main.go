/*
Copyright 2026 The Weir Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/weirnet/weir/pkg/common"
	"github.com/weirnet/weir/pkg/config"
	"github.com/weirnet/weir/pkg/coordinator"
	"github.com/weirnet/weir/pkg/packet"
	"github.com/weirnet/weir/pkg/profiling"
	"github.com/weirnet/weir/pkg/routing"
	"github.com/weirnet/weir/pkg/signaling"
	"github.com/weirnet/weir/pkg/stats"
	"github.com/weirnet/weir/pkg/telemetry"
	"github.com/weirnet/weir/pkg/webrtc_ext"
)

func main() {
	// Parse command line flags.
	var (
		configFilePath = flag.String("config", "config.yaml", "configuration file path")
		cpuProfile     = flag.String("cpuProfile", "", "write CPU profile to `file`")
		memProfile     = flag.String("memProfile", "", "write memory profile to `file`")
	)
	flag.Parse()

	// Initialize logging subsystem (formatting, global logging framework etc).
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, ForceColors: true})

	stopProfiling := profiling.Init(*cpuProfile, *memProfile)

	// Load the config file from the environment variable or path.
	cfg, err := config.LoadConfig(*configFilePath)
	if err != nil {
		logrus.WithError(err).Fatal("could not load config")
		return
	}

	switch cfg.LogLevel {
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "info":
		logrus.SetLevel(logrus.InfoLevel)
	case "warn":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	case "fatal":
		logrus.SetLevel(logrus.FatalLevel)
	case "panic":
		logrus.SetLevel(logrus.PanicLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}

	if cfg.Telemetry.Enabled() {
		tracerProvider, err := telemetry.SetupTelemetry(context.Background(), cfg.Telemetry)
		if err != nil {
			logrus.WithError(err).Fatal("could not set up telemetry")
		}
		defer func() {
			if err := tracerProvider.Shutdown(context.Background()); err != nil {
				logrus.WithError(err).Error("could not shut down telemetry")
			}
		}()
	}

	// Peer connection factory that all subscriber connections share.
	connectionFactory, err := webrtc_ext.NewPeerConnectionFactory(cfg.WebRTC)
	if err != nil {
		logrus.WithError(err).Fatal("could not create peer connection factory")
	}

	// Every joined room gets its own LiveKit signaling connection.
	transports := func(roomID, peerID string, inbox common.Sender[signaling.Envelope]) (signaling.Transport, error) {
		return signaling.ConnectLiveKit(cfg.LiveKit, roomID, peerID, inbox)
	}

	router := routing.NewRouter(cfg.PeerID, cfg.Coordinator, transports, connectionFactory, logEvent)

	if cfg.Metrics.Address != "" {
		prometheus.MustRegister(stats.NewCollector(router.Snapshots, packet.Default))
		go func() {
			logrus.WithField("address", cfg.Metrics.Address).Info("serving metrics")
			if err := http.ListenAndServe(cfg.Metrics.Address, promhttp.Handler()); err != nil {
				logrus.WithError(err).Error("metrics endpoint failed")
			}
		}()
	}

	if _, err := router.GetOrCreateRoom(cfg.Room); err != nil {
		logrus.WithError(err).Fatal("could not join room")
	}

	// Block until told to shut down.
	interrupt := make(chan os.Signal, 2)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	<-interrupt

	logrus.Info("shutting down")
	router.Close()
	stopProfiling()
}

// logEvent surfaces room events in the daemon log. A host embedding the
// router would subscribe its own handler instead.
func logEvent(event coordinator.Event) {
	logger := logrus.WithFields(logrus.Fields{
		"room_id": event.RoomID,
		"peer_id": event.PeerID,
	})

	switch event.Type {
	case coordinator.EventBecomeRelay:
		logger.WithField("epoch", event.Epoch).Info("this peer is now the relay")
	case coordinator.EventRelayChanged:
		logger.WithFields(logrus.Fields{
			"relay_id": event.RelayID,
			"epoch":    event.Epoch,
		}).Info("relay changed")
	case coordinator.EventRelayFailed:
		logger.WithField("relay_id", event.RelayID).Warn("relay went dark")
	default:
		logger.Debugf("room event: %s", event.Type)
	}
}
