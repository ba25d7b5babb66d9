// Package scheduler drives periodic model retraining. Each model moves
// through Idle -> Training -> Idle; one training run per model at a
// time, and overlapping triggers are no-ops.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/foresight/foresight/internal/config"
	ferrors "github.com/foresight/foresight/internal/errors"
	"github.com/foresight/foresight/internal/observability"
	"github.com/foresight/foresight/internal/registry"
	"github.com/foresight/foresight/internal/train"
	"github.com/foresight/foresight/pkg/types"
)

// ModelState is the lifecycle state of one model's retrain loop.
type ModelState string

const (
	StateIdle     ModelState = "idle"
	StateTraining ModelState = "training"
)

// RunResult describes the outcome of one training run.
type RunResult string

const (
	ResultPromoted RunResult = "promoted"
	ResultRejected RunResult = "rejected"
	ResultFailed   RunResult = "failed"
)

// Scheduler owns the retrain loop for every configured model.
type Scheduler struct {
	trainer  *train.Trainer
	registry *registry.Registry
	models   []types.ModelConfig
	interval time.Duration

	mu     sync.Mutex
	states map[string]ModelState

	running  bool
	runMu    sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	onResult func(model string, result RunResult) // test hook
}

// NewScheduler creates a scheduler for the configured models.
func NewScheduler(trainer *train.Trainer, reg *registry.Registry, models []types.ModelConfig, cfg config.TrainingConfig) *Scheduler {
	states := make(map[string]ModelState, len(models))
	for _, m := range models {
		states[m.Model] = StateIdle
	}

	return &Scheduler{
		trainer:  trainer,
		registry: reg,
		models:   models,
		interval: cfg.RetrainInterval,
		states:   states,
	}
}

// Start begins the retrain loop. It runs until the context is
// cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.runMu.Lock()
	if s.running {
		s.runMu.Unlock()
		return fmt.Errorf("scheduler: already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.done = make(chan struct{})
	s.runMu.Unlock()

	go s.run(ctx)
	return nil
}

// Stop gracefully stops the scheduler. In-flight training runs finish.
func (s *Scheduler) Stop() error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if !s.running {
		return nil
	}

	s.cancel()
	<-s.done
	s.running = false
	return nil
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	// Train immediately on start so a fresh deployment serves models
	// without waiting a full interval
	s.runOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

// runOnce triggers one retrain cycle over every configured model.
// Models still training from a previous cycle are skipped.
func (s *Scheduler) runOnce(ctx context.Context) {
	for _, model := range s.models {
		if ctx.Err() != nil {
			return
		}
		if ok, _ := s.TryTrigger(ctx, model.Model); !ok {
			log.Printf("scheduler: model %s still training, skipping cycle", model.Model)
		}
	}
}

// TryTrigger starts a training run for the named model unless one is
// already in flight, in which case it reports false without error.
// The run itself happens synchronously.
func (s *Scheduler) TryTrigger(ctx context.Context, modelName string) (bool, error) {
	cfg, ok := s.modelConfig(modelName)
	if !ok {
		return false, ferrors.NewTrainingError(ferrors.CodeInsufficientData,
			fmt.Sprintf("model %q is not configured", modelName), nil)
	}

	if !s.transition(modelName, StateIdle, StateTraining) {
		return false, nil
	}
	defer s.setState(modelName, StateIdle)

	result := s.trainOnce(ctx, cfg)
	observability.TrainingRunsTotal.WithLabelValues(modelName, string(result)).Inc()
	if s.onResult != nil {
		s.onResult(modelName, result)
	}
	return true, nil
}

// TriggerAsync starts a training run in the background. It reports
// false when the model is already training.
func (s *Scheduler) TriggerAsync(ctx context.Context, modelName string) (bool, error) {
	cfg, ok := s.modelConfig(modelName)
	if !ok {
		return false, ferrors.NewTrainingError(ferrors.CodeInsufficientData,
			fmt.Sprintf("model %q is not configured", modelName), nil)
	}

	if !s.transition(modelName, StateIdle, StateTraining) {
		return false, nil
	}

	// The run must outlive the triggering request, so cancellation is
	// detached while context values are kept.
	runCtx := context.WithoutCancel(ctx)
	go func() {
		defer s.setState(modelName, StateIdle)
		result := s.trainOnce(runCtx, cfg)
		observability.TrainingRunsTotal.WithLabelValues(modelName, string(result)).Inc()
		if s.onResult != nil {
			s.onResult(modelName, result)
		}
	}()
	return true, nil
}

// trainOnce runs train -> register -> gate -> promote for one model.
func (s *Scheduler) trainOnce(ctx context.Context, cfg types.ModelConfig) RunResult {
	start := time.Now()
	artifact, err := s.trainer.Train(ctx, cfg)
	observability.TrainingDuration.WithLabelValues(cfg.Model).Observe(time.Since(start).Seconds())

	if err != nil {
		log.Printf("scheduler: retrain failed for %s: %v", cfg.Model, err)
		return ResultFailed
	}

	registered, err := s.registry.Register(ctx, artifact)
	if err != nil {
		log.Printf("scheduler: failed to register %s artifact: %v", cfg.Model, err)
		return ResultFailed
	}

	if registered.Status != types.StatusValidated {
		log.Printf("scheduler: model %s v%d rejected (%s=%.4f below %.4f)",
			cfg.Model, registered.Version, cfg.Metric,
			registered.Metrics.Metric(cfg.Metric), cfg.MinScore)
		return ResultRejected
	}

	if !s.shouldPromote(cfg, registered) {
		log.Printf("scheduler: model %s v%d kept out of serving, incumbent scores better",
			cfg.Model, registered.Version)
		return ResultRejected
	}

	if err := s.registry.Promote(ctx, cfg.Model, registered.Version); err != nil {
		log.Printf("scheduler: failed to promote %s v%d: %v", cfg.Model, registered.Version, err)
		return ResultFailed
	}

	observability.ActiveModelVersion.WithLabelValues(cfg.Model).Set(float64(registered.Version))
	return ResultPromoted
}

// shouldPromote applies the promotion gate: a candidate must score at
// least as well as the incumbent, within the configured tolerance.
// With no incumbent any validated candidate is promoted.
func (s *Scheduler) shouldPromote(cfg types.ModelConfig, candidate *types.ModelArtifact) bool {
	incumbent, err := s.registry.GetActive(cfg.Model)
	if err != nil {
		return true
	}

	candidateScore := candidate.Metrics.Metric(cfg.Metric)
	incumbentScore := incumbent.Metrics.Metric(cfg.Metric)
	return train.WithinTolerance(cfg.Metric, candidateScore, incumbentScore, cfg.Tolerance)
}

// State returns the current lifecycle state for a model.
func (s *Scheduler) State(modelName string) (ModelState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[modelName]
	return state, ok
}

func (s *Scheduler) modelConfig(name string) (types.ModelConfig, bool) {
	for _, m := range s.models {
		if m.Model == name {
			return m, true
		}
	}
	return types.ModelConfig{}, false
}

// transition flips a model's state from one value to another, failing
// when the current state differs. This is the per-model mutual
// exclusion for training runs.
func (s *Scheduler) transition(modelName string, from, to ModelState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.states[modelName] != from {
		return false
	}
	s.states[modelName] = to
	return true
}

func (s *Scheduler) setState(modelName string, state ModelState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[modelName] = state
}
