// Command sweeper runs one sweep per scheduled invocation.
package main

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/sirupsen/logrus"

	"github.com/jun/drivesync/internal/app"
	"github.com/jun/drivesync/internal/config"
	"github.com/jun/drivesync/internal/logging"
	"github.com/jun/drivesync/internal/scheduler"
)

type sweeper struct {
	app *app.App
	log logrus.FieldLogger
}

func (s *sweeper) handle(ctx context.Context, ev events.CloudWatchEvent) (scheduler.Report, error) {
	if !s.app.Auth.Initialize(ctx) {
		return scheduler.Report{}, fmt.Errorf("provider is not configured")
	}
	report, err := s.app.Orchestrator.SyncNow(ctx, time.Time{})
	if err != nil {
		s.log.WithError(err).WithField("event", ev.ID).Error("Sweep failed")
		return report, err
	}
	s.log.WithFields(logrus.Fields{
		"event":  ev.ID,
		"pages":  report.Pages,
		"files":  report.Files,
		"failed": report.Failed,
	}).Info("Sweep finished")
	return report, nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Invalid configuration")
	}
	log, _, err := logging.New(logging.Options{Level: cfg.LogLevel, Format: "json"})
	if err != nil {
		logrus.WithError(err).Fatal("Invalid logging configuration")
	}

	application, err := app.NewApp(context.Background(), cfg, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize")
	}
	s := &sweeper{app: application, log: log}
	lambda.Start(s.handle)
}
