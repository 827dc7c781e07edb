package training

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"gonum.org/v1/gonum/stat"

	"github.com/faultlens/faultlens/checkpoints"
	"github.com/faultlens/faultlens/data"
	"github.com/faultlens/faultlens/model"
	"github.com/faultlens/faultlens/monitor"
)

// DefaultDebugPath is where the loop writes its postmortem snapshot on fatal
// failure.
const DefaultDebugPath = "diverged-debug.json"

// LoopConfig wires the training loop's collaborators.
type LoopConfig struct {
	// Checkpoints persists model state; nil disables checkpointing.
	Checkpoints *checkpoints.Saver

	// DebugPath overrides DefaultDebugPath for the fatal-failure snapshot.
	DebugPath string

	// TrainSinks receive throttled training metric records and loop info.
	TrainSinks []monitor.Sink

	// ValidationSinks receive one record per validation pass.
	ValidationSinks []monitor.Sink

	// Scheduler, when set, recomputes the learning rate each iteration
	// from the base rate captured at loop start.
	Scheduler LRScheduler
}

// Loop runs epochs of evaluate+update over a training source with periodic
// validation passes and checkpoints. Execution is single-threaded and
// synchronous; the stop signal is polled only at epoch and iteration
// boundaries, so an in-flight evaluate+update always completes.
type Loop struct {
	model      *model.Model
	evaluator  *Evaluator
	updater    *Updater
	params     *Params
	train      data.BatchSource
	validation data.BatchSource
	cfg        LoopConfig

	stop atomic.Bool

	// Monitor state: the latest losses and throttle countdown. An explicit
	// value on the loop, never process-global.
	latest           LossSet
	consoleCountdown int
	epochTotals      []float64
}

// NewLoop validates the wiring and builds a loop.
func NewLoop(m *model.Model, evaluator *Evaluator, updater *Updater, params *Params,
	train, validation data.BatchSource, cfg LoopConfig) (*Loop, error) {
	if m == nil || evaluator == nil || updater == nil {
		return nil, fmt.Errorf("model, evaluator and updater are all required")
	}
	if train == nil || validation == nil {
		return nil, fmt.Errorf("training and validation sources are both required")
	}
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid training params: %v", err)
	}
	if cfg.DebugPath == "" {
		cfg.DebugPath = DefaultDebugPath
	}
	return &Loop{
		model:      m,
		evaluator:  evaluator,
		updater:    updater,
		params:     params,
		train:      train,
		validation: validation,
		cfg:        cfg,
	}, nil
}

// RequestStop asks the loop to stop at the next epoch or iteration boundary.
// Safe to call from another goroutine (e.g. a signal handler).
func (l *Loop) RequestStop() {
	l.stop.Store(true)
}

// Run trains until the configured epoch count is reached or a stop is
// requested. Any error other than a resource write failure is fatal: the
// loop persists a debug snapshot and propagates the error.
func (l *Loop) Run() error {
	p := l.params
	baseLR := p.LearnRate
	l.consoleCountdown = p.ConsoleInterval

	l.info(fmt.Sprintf("training started: %s parameters, %d epochs",
		humanize.Comma(int64(l.model.ParameterCount())), p.EpochCount))

	for p.Epoch < p.EpochCount && !l.stop.Load() {
		p.Epoch++
		p.EpochIteration = 0
		l.train.Shuffle()
		l.validation.Shuffle()
		l.epochTotals = l.epochTotals[:0]

		epochStart := time.Now()
		validationCountdown := p.ValidationInterval
		checkpointCountdown := p.CheckpointInterval

		for l.train.HasNext() && !l.stop.Load() {
			p.Iteration++
			p.EpochIteration++

			if l.cfg.Scheduler != nil {
				p.LearnRate = l.cfg.Scheduler.GetLR(p.Epoch, p.Iteration, baseLR)
			}

			batch, err := l.train.Next()
			if err != nil {
				return l.fatal(fmt.Errorf("failed to fetch training batch: %v", err))
			}

			losses, grads, err := l.evaluator.Evaluate(l.model, batch, p)
			if err != nil {
				return l.fatal(err)
			}
			if err := l.updater.Update(l.model, losses, grads, p); err != nil {
				return l.fatal(err)
			}

			l.recordTraining(losses)

			validationCountdown--
			if validationCountdown == 0 {
				validationCountdown = p.ValidationInterval
				if err := l.runValidation(); err != nil {
					return l.fatal(err)
				}
			}

			checkpointCountdown--
			if checkpointCountdown == 0 {
				checkpointCountdown = p.CheckpointInterval
				l.saveIterationCheckpoint()
			}
		}

		l.saveEpochCheckpoint()
		l.logEpochSummary(time.Since(epochStart))
	}

	l.info("training stopped")
	return nil
}

// recordTraining updates the monitor state and emits a throttled record.
func (l *Loop) recordTraining(losses LossSet) {
	l.latest = losses
	l.epochTotals = append(l.epochTotals, losses.TotalLoss)

	l.consoleCountdown--
	if l.consoleCountdown > 0 {
		return
	}
	l.consoleCountdown = l.params.ConsoleInterval

	l.emit(l.cfg.TrainSinks, losses)
}

// runValidation evaluates the next validation batch without updating
// parameters. Evaluator failures are fatal, like training ones.
func (l *Loop) runValidation() error {
	if !l.validation.HasNext() {
		l.validation.Shuffle()
	}
	if !l.validation.HasNext() {
		return nil
	}

	batch, err := l.validation.Next()
	if err != nil {
		return fmt.Errorf("failed to fetch validation batch: %v", err)
	}

	losses, _, err := l.evaluator.Evaluate(l.model, batch, l.params)
	if err != nil {
		return err
	}

	l.emit(l.cfg.ValidationSinks, losses)
	return nil
}

// emit sends one record to the given sinks. Write failures are recoverable:
// logged and swallowed.
func (l *Loop) emit(sinks []monitor.Sink, losses LossSet) {
	rec := monitor.Record{
		Timestamp:  time.Now(),
		Epoch:      l.params.Epoch,
		Iteration:  l.params.Iteration,
		TotalLoss:  losses.TotalLoss,
		ReconLoss:  losses.ReconLoss,
		KLLoss:     losses.KLLoss,
		ActionLoss: losses.ActionLoss,
	}
	for _, s := range sinks {
		if err := s.RecordMetrics(rec); err != nil {
			werr := &ResourceWriteError{Path: "metrics sink", Err: err}
			l.info(werr.Error())
		}
	}
}

// saveIterationCheckpoint persists a mid-epoch checkpoint. Failures are
// recoverable: logged and swallowed.
func (l *Loop) saveIterationCheckpoint() {
	if l.cfg.Checkpoints == nil {
		return
	}
	path, err := l.cfg.Checkpoints.SaveIteration(l.buildCheckpoint(), l.params.Epoch, l.params.EpochIteration)
	if err != nil {
		werr := &ResourceWriteError{Path: path, Err: err}
		l.info(werr.Error())
		return
	}
	l.logCheckpoint(path)
}

// saveEpochCheckpoint persists the end-of-epoch model. Failures are
// recoverable: logged and swallowed, distinct from fatal evaluator errors.
func (l *Loop) saveEpochCheckpoint() {
	if l.cfg.Checkpoints == nil {
		return
	}
	path, err := l.cfg.Checkpoints.SaveEpoch(l.buildCheckpoint(), l.params.Epoch)
	if err != nil {
		werr := &ResourceWriteError{Path: path, Err: err}
		l.info(werr.Error())
		return
	}
	l.logCheckpoint(path)
}

func (l *Loop) logCheckpoint(path string) {
	size := "unknown size"
	if fi, err := os.Stat(path); err == nil {
		size = humanize.Bytes(uint64(fi.Size()))
	}
	l.info(fmt.Sprintf("checkpoint saved: %s (%s)", path, size))
}

func (l *Loop) logEpochSummary(elapsed time.Duration) {
	p := l.params
	perIteration := time.Duration(0)
	if p.EpochIteration > 0 {
		perIteration = elapsed / time.Duration(p.EpochIteration)
	}

	summary := fmt.Sprintf("epoch %d/%d done: %d iterations, %s/iteration",
		p.Epoch, p.EpochCount, p.EpochIteration, perIteration.Round(time.Millisecond))
	if len(l.epochTotals) > 1 {
		mean, std := stat.MeanStdDev(l.epochTotals, nil)
		summary += fmt.Sprintf(", total loss %.6f ± %.6f", mean, std)
	}
	l.info(summary)
}

// fatal persists a postmortem snapshot, then returns err for propagation.
func (l *Loop) fatal(err error) error {
	snapshot := &checkpoints.DebugSnapshot{
		Checkpoint:    l.buildCheckpoint(),
		Intermediates: l.evaluator.LastIntermediates(),
		Reason:        err.Error(),
	}
	if werr := checkpoints.WriteDebugSnapshot(l.cfg.DebugPath, snapshot); werr != nil {
		l.info(fmt.Sprintf("failed to write debug snapshot: %v", werr))
	} else {
		l.info(fmt.Sprintf("debug snapshot written: %s", l.cfg.DebugPath))
	}
	return err
}

func (l *Loop) buildCheckpoint() *checkpoints.Checkpoint {
	p := l.params
	ck := &checkpoints.Checkpoint{
		Weights: l.model.Snapshot(),
		TrainingState: checkpoints.TrainingState{
			Epoch:            p.Epoch,
			Iteration:        p.Iteration,
			EpochIteration:   p.EpochIteration,
			LearnRate:        p.LearnRate,
			KLLossFactor:     p.KLLossFactor,
			MinKLScalingLoss: p.MinKLScalingLoss,
		},
	}
	if state, err := l.updater.Optimizer().State(); err == nil {
		ck.OptimizerState = state
	}
	return ck
}

// info sends an informational message to the training sinks.
func (l *Loop) info(msg string) {
	for _, s := range l.cfg.TrainSinks {
		_ = s.UpdateInfo(msg)
	}
}
