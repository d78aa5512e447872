// Package deadlines reports activities whose stage deadline has passed.
// Deadlines are advisory: the watcher publishes events and never transitions.
package deadlines

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/peerflow/internal/activities"
	"github.com/MarcoPoloResearchLab/peerflow/internal/templates"
	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

const defaultInterval = time.Minute

var (
	errMissingSource    = errors.New("overdue source is required")
	errMissingPublisher = errors.New("overdue publisher is required")
	errAlreadyStarted   = errors.New("deadline watcher already started")
)

// Overdue describes an activity that stayed in a stage past its deadline.
type Overdue struct {
	ActivityID string          `json:"activity_id"`
	Stage      templates.Stage `json:"stage"`
	Round      int             `json:"round"`
	Deadline   time.Time       `json:"deadline"`
	DetectedAt time.Time       `json:"detected_at"`
}

// Source lists overdue activities.
type Source interface {
	Overdue(ctx context.Context, now time.Time) ([]activities.Activity, error)
}

// Publisher receives overdue events.
type Publisher interface {
	PublishOverdue(event Overdue)
}

type Config struct {
	Source    Source
	Publisher Publisher
	Interval  time.Duration
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Watcher polls the source on a gocron schedule and reports each activity
// once per stage entry.
type Watcher struct {
	source    Source
	publisher Publisher
	interval  time.Duration
	clock     func() time.Time
	logger    *zap.Logger

	mu        sync.Mutex
	reported  map[string]int64
	scheduler gocron.Scheduler
}

func NewWatcher(cfg Config) (*Watcher, error) {
	if cfg.Source == nil {
		return nil, errMissingSource
	}
	if cfg.Publisher == nil {
		return nil, errMissingPublisher
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		source:    cfg.Source,
		publisher: cfg.Publisher,
		interval:  interval,
		clock:     clock,
		logger:    logger,
		reported:  make(map[string]int64),
	}, nil
}

// Scan publishes every overdue activity not yet reported at its current
// version and returns how many events it published.
func (w *Watcher) Scan(ctx context.Context) (int, error) {
	now := w.clock().UTC()
	overdue, err := w.source.Overdue(ctx, now)
	if err != nil {
		w.logger.Error("deadline scan failed", zap.Error(err))
		return 0, err
	}

	w.mu.Lock()
	current := make(map[string]int64, len(overdue))
	var events []Overdue
	for _, activity := range overdue {
		current[activity.ActivityID] = activity.Version
		if version, seen := w.reported[activity.ActivityID]; seen && version == activity.Version {
			continue
		}
		deadline := activity.StageDeadline()
		if deadline == nil {
			continue
		}
		events = append(events, Overdue{
			ActivityID: activity.ActivityID,
			Stage:      activity.CurrentStage,
			Round:      activity.CurrentRound,
			Deadline:   *deadline,
			DetectedAt: now,
		})
	}
	w.reported = current
	w.mu.Unlock()

	for _, event := range events {
		w.logger.Info("stage overdue",
			zap.String("activity_id", event.ActivityID),
			zap.String("stage", string(event.Stage)),
			zap.Time("deadline", event.Deadline))
		w.publisher.PublishOverdue(event)
	}
	return len(events), nil
}

// Start schedules Scan every interval until Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.scheduler != nil {
		return errAlreadyStarted
	}
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return err
	}
	_, err = scheduler.NewJob(
		gocron.DurationJob(w.interval),
		gocron.NewTask(func() {
			_, _ = w.Scan(ctx)
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = scheduler.Shutdown()
		return err
	}
	scheduler.Start()
	w.scheduler = scheduler
	w.logger.Info("deadline watcher started", zap.Duration("interval", w.interval))
	return nil
}

// Stop shuts the schedule down and waits for a running scan to finish.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	scheduler := w.scheduler
	w.scheduler = nil
	w.mu.Unlock()
	if scheduler == nil {
		return nil
	}
	return scheduler.Shutdown()
}
