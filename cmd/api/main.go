package main

import (
	"context"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/sirupsen/logrus"

	"github.com/jun/drivesync/internal/app"
	"github.com/jun/drivesync/internal/config"
	"github.com/jun/drivesync/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Invalid configuration")
	}
	log, _, err := logging.New(logging.Options{Level: cfg.LogLevel, Format: "json"})
	if err != nil {
		logrus.WithError(err).Fatal("Invalid logging configuration")
	}

	ctx := context.Background()
	application, err := app.NewApp(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize")
	}
	// Load provider settings and any stored token so the callback and
	// manual sweeps see the current session.
	application.Auth.Initialize(ctx)

	lambda.Start(application.HandleRequest)
}
