// Package schedule promotes scheduled messages into the live pipeline on a
// cron cadence.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Promoter moves due scheduled messages into the live pipeline.
type Promoter interface {
	PromoteDue(ctx context.Context, now time.Time, limit int) (int, error)
}

// Service runs the promotion job.
type Service struct {
	log      *slog.Logger
	cron     *cron.Cron
	promoter Promoter
	batch    int
}

// NewService builds the promoter on the given cron spec. An empty spec
// disables promotion entirely.
func NewService(log *slog.Logger, promoter Promoter, spec string, batch int) (*Service, error) {
	if log == nil {
		log = slog.Default()
	}
	if batch <= 0 {
		batch = 100
	}
	s := &Service{
		log:      log.With(slog.String("service", "schedule")),
		promoter: promoter,
		batch:    batch,
	}
	if spec == "" {
		return s, nil
	}
	s.cron = cron.New()
	if _, err := s.cron.AddFunc(spec, s.tick); err != nil {
		return nil, fmt.Errorf("parse schedule spec %q: %w", spec, err)
	}
	return s, nil
}

// Start begins the cron loop.
func (s *Service) Start() {
	if s.cron != nil {
		s.cron.Start()
	}
}

// Stop halts the cron loop and waits for a running tick to finish.
func (s *Service) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

func (s *Service) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	n, err := s.promoter.PromoteDue(ctx, time.Now().UTC(), s.batch)
	if err != nil {
		s.log.Error("scheduled promotion failed", slog.Any("error", err))
		return
	}
	if n > 0 {
		s.log.Info("scheduled messages promoted", slog.Int("count", n))
	}
}
