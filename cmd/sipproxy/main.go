package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"sipproxy-server/pkg/auth"
	"sipproxy-server/pkg/cdr"
	"sipproxy-server/pkg/config"
	"sipproxy-server/pkg/messaging"
	"sipproxy-server/pkg/metrics"
	"sipproxy-server/pkg/proxy"
	"sipproxy-server/pkg/registrar"
	"sipproxy-server/pkg/timers"
	"sipproxy-server/pkg/transport"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	provider, err := config.Load(logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	snap := provider.Current()
	logger.SetLevel(snap.LogLevel)

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	if snap.AutodetectExternalIP {
		config.DetectExternalIP(rootCtx, provider, logger)
		snap = provider.Current()
	}

	metrics.Init(logger)
	if snap.MetricsAddr != "" {
		metrics.StartServer(snap.MetricsAddr, logger)
	}

	recorder, err := cdr.New(snap.CDRDir, snap.CDRMergeMode, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize CDR recorder")
	}

	var amqpClient *messaging.AMQPClient
	if snap.AMQPURL != "" {
		amqpClient = messaging.NewAMQPClient(logger, messaging.AMQPConfig{
			URL:       snap.AMQPURL,
			QueueName: snap.AMQPQueueName,
		})
		if err := amqpClient.Connect(); err != nil {
			logger.WithError(err).Warning("AMQP broker unavailable, CDR publishing disabled until it returns")
		}
		recorder.SetPublisher(amqpClient)
	}

	authenticator := auth.NewDigestAuthenticator(snap.AdvertisedHost, logger)
	registry := registrar.New(logger)

	udp, err := transport.NewUDP(snap.ServerIP, snap.ServerPort, logger)
	if err != nil {
		// Fatal, like the configuration, CDR and timer-wheel setup
		// failures: nothing works without the socket.
		logger.WithError(err).Fatal("Failed to bind SIP socket")
	}

	engine := proxy.New(provider, udp, authenticator, registry, recorder, logger)

	sweeper, err := timers.New(timers.Targets{
		Registrar: registry,
		Dialogs:   engine.Dialogs(),
		Pending:   engine.Pending(),
		Branches:  engine.Branches(),
		Recorder:  recorder,
		Auth:      authenticator,
	}, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to schedule timer wheel")
	}
	sweeper.Start()

	if watcher, err := config.NewWatcher(provider, logger); err == nil {
		go watcher.Run(rootCtx)
	} else {
		logger.WithError(err).Warning("Configuration hot reload unavailable")
	}

	serveDone := make(chan error, 1)
	go func() {
		serveDone <- udp.Serve(rootCtx, engine.HandleDatagram)
	}()

	logger.WithFields(logrus.Fields{
		"bind":       snap.ServerIP,
		"port":       snap.ServerPort,
		"advertised": snap.AdvertisedAddr(),
	}).Info("SIP proxy running")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigChan:
		logger.WithField("signal", sig.String()).Info("Shutting down")
	case err := <-serveDone:
		if err != nil {
			logger.WithError(err).Error("Transport stopped")
		}
	}

	rootCancel()
	sweeper.Stop()
	udp.Close()

	// In-progress call lifetimes must reach stable storage.
	recorder.FlushAll()
	if amqpClient != nil {
		amqpClient.Close()
	}
	logger.Info("Shutdown complete")
}
