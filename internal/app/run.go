package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/yoredale/mqtt-wunderground-publish/internal/config"
	"github.com/yoredale/mqtt-wunderground-publish/internal/httpapi"
	"github.com/yoredale/mqtt-wunderground-publish/internal/mqtt"
	"github.com/yoredale/mqtt-wunderground-publish/internal/weather"
	"github.com/yoredale/mqtt-wunderground-publish/internal/wunderground"
)

// Run wires the listener to the upload client and blocks until ctx is done.
func Run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	logger.Info("config loaded",
		"appEnv", cfg.AppEnv,
		"logLevel", cfg.LogLevel.String(),
		"mqttBroker", cfg.MQTTBroker,
		"mqttPort", cfg.MQTTPort,
		"mqttClientID", cfg.MQTTClientID,
		"mqttKeepAlive", cfg.MQTTKeepAlive,
		"topic", cfg.Topic,
		"variant", cfg.Variant,
		"stationID", cfg.StationID,
		"uploadURL", cfg.UploadURL,
		"uploadTimeout", cfg.UploadTimeout,
		"httpAddr", cfg.HTTPAddr,
	)
	if cfg.BrokerDefaulted {
		logger.Info("MQTT_URL is not set, using default", "broker", cfg.MQTTBroker, "port", cfg.MQTTPort)
	}

	uploader := wunderground.NewClient(wunderground.Options{
		BaseURL:    cfg.UploadURL,
		StationID:  cfg.StationID,
		StationKey: cfg.StationKey,
		Timeout:    cfg.UploadTimeout,
	}, logger.With("component", "wunderground"))

	mapper := weather.NewMapper(cfg.Variant, logger.With("component", "mapper"))
	service := weather.NewService(mapper, uploader, logger)

	listener := mqtt.NewListener(cfg, logger.With("component", "mqtt"))
	listener.SetMessageHandler(service.Handle)

	if cfg.HTTPAddr == "" {
		return listener.Run(ctx)
	}

	httpLogger := logger.With("component", "httpapi")
	srv := httpapi.NewServer(cfg, httpapi.NewMux(listener, httpLogger), httpLogger)

	// A health server that cannot bind stops the listener too.
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listening", "addr", cfg.HTTPAddr)
		err := srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "addr", cfg.HTTPAddr, "error", err)
			cancelRun()
		}
		errCh <- err
	}()

	runErr := listener.Run(runCtx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	logger.Info("http shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}

	return runErr
}
