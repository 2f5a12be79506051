package service

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/relaypub/relay/internal/config"
	"github.com/relaypub/relay/internal/models"
)

// Sweeper re-arms dispatcher jobs for scheduled chain roots that have no
// pending timer: posts scheduled before a restart, or whose timer the
// process lost. It runs once on start and then on a cron interval.
type Sweeper struct {
	db         *gorm.DB
	cfg        *config.SchedulerConfig
	dispatcher *Dispatcher
	logger     *zap.Logger
	cron       *cron.Cron
}

func NewSweeper(db *gorm.DB, cfg *config.SchedulerConfig, dispatcher *Dispatcher, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		db:         db,
		cfg:        cfg,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

func (s *Sweeper) Start() error {
	// Initial pass recovers jobs lost to a restart before any traffic.
	if err := s.Sweep(); err != nil {
		s.logger.Error("Initial sweep failed", zap.Error(err))
	}

	if !s.cfg.SweepEnabled {
		s.logger.Info("Sweeper is disabled")
		return nil
	}

	s.cron = cron.New()
	spec := fmt.Sprintf("@every %s", s.cfg.SweepInterval)
	if _, err := s.cron.AddFunc(spec, func() {
		if err := s.Sweep(); err != nil {
			s.logger.Error("Sweep failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("failed to register sweep schedule: %w", err)
	}

	s.cron.Start()
	s.logger.Info("Sweeper started", zap.String("interval", s.cfg.SweepInterval))
	return nil
}

func (s *Sweeper) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	s.logger.Info("Sweeper shutdown completed")
}

// Sweep schedules a job for every scheduled chain root that lacks one. The
// dispatcher's replace-on-write semantics make double-arming harmless, but
// skipping armed posts avoids churning their timers.
func (s *Sweeper) Sweep() error {
	start := time.Now()

	var posts []models.Post
	if err := s.db.
		Where("status = ? AND parent_post_id IS NULL AND scheduled_at IS NOT NULL",
			models.PostStatusScheduled).
		Order("scheduled_at").
		Find(&posts).Error; err != nil {
		return fmt.Errorf("failed to load scheduled posts: %w", err)
	}

	armed := 0
	for _, post := range posts {
		if _, ok := s.dispatcher.Pending(post.ID); ok {
			continue
		}
		s.dispatcher.Schedule(post.ID, *post.ScheduledAt)
		armed++
	}

	if armed > 0 {
		s.logger.Info("Sweep completed",
			zap.Int("armed", armed),
			zap.Int("scheduled_total", len(posts)),
			zap.Duration("duration", time.Since(start)))
	}
	return nil
}
