package sinks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/ahump20/Sandlot-Sluggers-sub000/logging"
)

// ConsoleSink renders events through a dedicated logrus instance.
type ConsoleSink struct {
	logger *logrus.Logger
}

func NewConsoleSink(w io.Writer, cfg logging.ConsoleConfig) *ConsoleSink {
	logger := logrus.New()
	logger.SetOutput(w)
	logger.SetLevel(logrus.DebugLevel)
	logger.SetFormatter(&logrus.TextFormatter{
		ForceColors:     cfg.UseColor,
		DisableColors:   !cfg.UseColor,
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.000",
	})
	return &ConsoleSink{logger: logger}
}

func (s *ConsoleSink) Write(event logging.Event) error {
	if s == nil || s.logger == nil {
		return nil
	}
	fields := logrus.Fields{
		"tick":  event.Tick,
		"actor": formatEntity(event.Actor),
	}
	if event.Session != "" {
		fields["session"] = event.Session
	}
	if event.Category != "" {
		fields["category"] = event.Category
	}
	if targets := formatTargets(event.Targets); targets != "" {
		fields["targets"] = targets
	}
	if payload := formatPayload(event.Payload); payload != "" {
		fields["payload"] = payload
	}
	for k, v := range event.Extra {
		fields[k] = v
	}
	entry := s.logger.WithFields(fields)
	entry.Time = event.Time
	switch event.Severity {
	case logging.SeverityDebug:
		entry.Debug(string(event.Type))
	case logging.SeverityWarn:
		entry.Warn(string(event.Type))
	case logging.SeverityError:
		entry.Error(string(event.Type))
	default:
		entry.Info(string(event.Type))
	}
	return nil
}

func (s *ConsoleSink) Close(context.Context) error {
	return nil
}

func formatEntity(ref logging.EntityRef) string {
	if ref.ID == "" {
		return string(ref.Kind)
	}
	if ref.Kind == "" {
		return ref.ID
	}
	return fmt.Sprintf("%s:%s", ref.Kind, ref.ID)
}

func formatTargets(targets []logging.EntityRef) string {
	if len(targets) == 0 {
		return ""
	}
	parts := make([]string, 0, len(targets))
	for _, target := range targets {
		parts = append(parts, formatEntity(target))
	}
	return strings.Join(parts, ",")
}

func formatPayload(payload any) string {
	if payload == nil {
		return ""
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprintf("%v", payload)
	}
	return string(data)
}
