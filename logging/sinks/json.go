package sinks

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/ahump20/Sandlot-Sluggers-sub000/logging"
)

// JSONSink appends newline-delimited JSON events to a file, flushing either
// per batch or on an interval.
type JSONSink struct {
	mu      sync.Mutex
	file    *os.File
	writer  *bufio.Writer
	pending int
	cfg     logging.JSONConfig
	ticker  *time.Ticker
	done    chan struct{}
}

func NewJSONSink(cfg logging.JSONConfig) (*JSONSink, error) {
	file, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	s := &JSONSink{
		file:   file,
		writer: bufio.NewWriter(file),
		cfg:    cfg,
		done:   make(chan struct{}),
	}
	if cfg.FlushInterval > 0 {
		s.ticker = time.NewTicker(cfg.FlushInterval)
		go s.flushLoop()
	}
	return s, nil
}

func (s *JSONSink) Write(event logging.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.writer.Write(append(data, '\n')); err != nil {
		return err
	}
	s.pending++
	if s.cfg.MaxBatch > 0 && s.pending >= s.cfg.MaxBatch {
		s.pending = 0
		return s.writer.Flush()
	}
	return nil
}

func (s *JSONSink) Close(context.Context) error {
	if s.ticker != nil {
		s.ticker.Stop()
		close(s.done)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writer.Flush(); err != nil {
		s.file.Close()
		return err
	}
	return s.file.Close()
}

func (s *JSONSink) flushLoop() {
	for {
		select {
		case <-s.done:
			return
		case <-s.ticker.C:
			s.mu.Lock()
			s.pending = 0
			s.writer.Flush()
			s.mu.Unlock()
		}
	}
}
