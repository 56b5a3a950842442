// Copyright © 2025 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

// Package coordinator drives three ranging devices through the role assignment phases,
// and collects the distances between them.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/n0ot/rangerd/pkg/metrics"
	"github.com/n0ot/rangerd/pkg/ranging"
	"github.com/n0ot/rangerd/pkg/registry"
	"github.com/n0ot/rangerd/pkg/tracing"
)

// DefaultPhaseTimeout bounds the wait for a tag's report.
// It is long enough to be effectively unbounded; a phase that hits it is never retried.
const DefaultPhaseTimeout = 24 * time.Hour

// DefaultSettleDelay gives freshly connected devices time to finish their own setup.
const DefaultSettleDelay = time.Second

// Cycle outcomes, as recorded in metrics.
const (
	OutcomeComplete   = "complete"
	OutcomeIncomplete = "incomplete"
	OutcomeAborted    = "aborted"
)

var (
	// ErrBusy is returned by RunCycle when a cycle is already in progress.
	ErrBusy = errors.New("cycle already running")

	// ErrQuorumLost aborts a cycle when the device count is no longer exactly Quorum.
	ErrQuorumLost = errors.New("quorum lost")
)

// Devices is the view of the registry the coordinator needs.
// *registry.Registry satisfies it.
type Devices interface {
	Size() int
	Identities() []string
	Send(identity, msg string) error
	Clear(identity string) error
	Wait(ctx context.Context, identity string, timeout time.Duration) (string, error)
	WaitForSize(ctx context.Context, n int) error
	Changed() <-chan struct{}
}

// A Handoff receives every complete distance matrix.
// It must not block on the work it starts.
type Handoff interface {
	Handoff(ctx context.Context, m ranging.Matrix) error
}

// PhaseResult records what happened during one phase.
type PhaseResult struct {
	Phase     int
	Tag       string
	Result    string // one of the metrics.Result* values
	Written   []ranging.Pair
	Malformed int
}

// Result is the outcome of one cycle.
type Result struct {
	ID    uuid.UUID
	State State

	// Matrix is nil when the cycle was aborted.
	Matrix *ranging.Matrix

	Phases []PhaseResult

	// HandedOff is true if Matrix was passed to the Handoff.
	HandedOff bool
}

// Coordinator runs coordination cycles over exactly three devices.
type Coordinator struct {
	Devices Devices
	Handoff Handoff
	Log     *logrus.Logger
	Metrics *metrics.Collector

	// PhaseTimeout bounds the wait for each tag report.
	// If 0 or less, the wait is unbounded.
	PhaseTimeout time.Duration

	// SettleDelay elapses between reaching quorum and starting a cycle.
	SettleDelay time.Duration

	// Repeat starts another cycle after a completed one, waiting CycleInterval in between.
	// Otherwise the next cycle waits for membership to change.
	Repeat        bool
	CycleInterval time.Duration

	lock    sync.Mutex // Protects running, state
	running bool
	state   State
}

// New creates a coordinator with default timings.
func New(devices Devices, handoff Handoff, log *logrus.Logger) *Coordinator {
	return &Coordinator{
		Devices:      devices,
		Handoff:      handoff,
		Log:          log,
		PhaseTimeout: DefaultPhaseTimeout,
		SettleDelay:  DefaultSettleDelay,
	}
}

// State returns the coordinator's current state.
func (c *Coordinator) State() State {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.state
}

func (c *Coordinator) setState(s State) {
	c.lock.Lock()
	c.state = s
	c.lock.Unlock()
}

func (c *Coordinator) logger() *logrus.Logger {
	if c.Log == nil {
		return logrus.StandardLogger()
	}
	return c.Log
}

// Run waits for quorum and runs cycles until ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	log := c.logger()
	for {
		c.setState(AwaitingQuorum)
		log.WithField("quorum", Quorum).Info("Waiting for devices")
		if err := c.Devices.WaitForSize(ctx, Quorum); err != nil {
			return err
		}
		if err := sleep(ctx, c.SettleDelay); err != nil {
			return err
		}

		changed := c.Devices.Changed()
		res, err := c.RunCycle(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil && !errors.Is(err, ErrQuorumLost) {
			log.WithField("error", err).Error("Cycle failed")
		}

		if res.State == Completed && c.Repeat {
			if err := sleep(ctx, c.CycleInterval); err != nil {
				return err
			}
			continue
		}
		if res.State == Completed {
			// Don't measure the same devices again until membership changes.
			select {
			case <-changed:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// RunCycle runs the three phases once.
// A cycle that loses quorum is aborted, and returns ErrQuorumLost with no matrix.
func (c *Coordinator) RunCycle(ctx context.Context) (Result, error) {
	c.lock.Lock()
	if c.running {
		c.lock.Unlock()
		return Result{}, ErrBusy
	}
	c.running = true
	c.lock.Unlock()
	defer func() {
		c.lock.Lock()
		c.running = false
		c.lock.Unlock()
	}()

	res := Result{ID: uuid.New()}
	log := c.logger().WithField("cycle", res.ID)
	ctx, span := tracing.Tracer().Start(ctx, "cycle", trace.WithAttributes(
		attribute.String("cycle.id", res.ID.String()),
	))
	defer span.End()

	abort := func(err error) (Result, error) {
		c.setState(Aborted)
		res.State = Aborted
		res.Matrix = nil
		c.Metrics.CycleFinished(OutcomeAborted)
		span.SetStatus(codes.Error, err.Error())
		log.WithField("error", err).Warn("Cycle aborted")
		return res, err
	}

	var matrix ranging.Matrix
	for _, ph := range Phases {
		c.setState(ph.State)
		if size := c.Devices.Size(); size != Quorum {
			return abort(errors.Wrapf(ErrQuorumLost, "%s: %d devices connected", ph, size))
		}
		pr, err := c.runPhase(ctx, log, ph, &matrix)
		res.Phases = append(res.Phases, pr)
		if err != nil {
			return abort(err)
		}
	}

	c.setState(Completed)
	res.State = Completed
	res.Matrix = &matrix
	log.WithField("distances", matrix).Info("All phases done")

	if !matrix.Complete() {
		c.Metrics.CycleFinished(OutcomeIncomplete)
		log.WithField("missing", matrix.Missing()).Warn("Distance matrix incomplete; not handing off")
		return res, nil
	}
	c.Metrics.CycleFinished(OutcomeComplete)
	if c.Handoff != nil {
		if err := c.Handoff.Handoff(ctx, matrix); err != nil {
			log.WithField("error", err).Error("Cannot hand off distances")
		} else {
			res.HandedOff = true
		}
	}
	return res, nil
}

// runPhase assigns roles, waits for the tag's report, and merges it into matrix.
// A missing report leaves a gap and is not an error;
// errors are returned only when the cycle must abort.
func (c *Coordinator) runPhase(ctx context.Context, log *logrus.Entry, ph Phase, matrix *ranging.Matrix) (PhaseResult, error) {
	pr := PhaseResult{Phase: ph.Number}
	ctx, span := tracing.Tracer().Start(ctx, "phase", trace.WithAttributes(
		attribute.Int("phase", ph.Number),
		attribute.Int("tag_index", ph.Tag),
	))
	defer span.End()

	// Indices are captured here, and not checked again until the next phase.
	ids := c.Devices.Identities()
	if len(ids) != Quorum {
		return pr, errors.Wrapf(ErrQuorumLost, "%s: %d devices connected", ph, len(ids))
	}
	tag := ids[ph.Tag]
	pr.Tag = tag
	log = log.WithFields(logrus.Fields{
		"phase": ph.Number,
		"tag":   tag,
	})
	if err := c.Devices.Clear(tag); err != nil {
		return pr, errors.Wrapf(ErrQuorumLost, "%s: %s", ph, err)
	}

	log.WithField("roles", ph.Roles).Info("Assigning roles")
	for index, role := range ph.Roles {
		if err := c.Devices.Send(ids[index], role); err != nil {
			log.WithFields(logrus.Fields{
				"index":  index,
				"device": ids[index],
				"error":  err,
			}).Warn("Cannot assign role")
		}
	}

	start := time.Now()
	payload, err := c.Devices.Wait(ctx, tag, c.PhaseTimeout)
	elapsed := time.Since(start).Seconds()
	switch {
	case errors.Is(err, registry.ErrTimeout):
		pr.Result = metrics.ResultTimeout
		c.Metrics.PhaseFinished(ph.Number, pr.Result, elapsed)
		log.WithField("missing", ph.Pairs).Warn("Timed out waiting for report; continuing without it")
		return pr, nil
	case errors.Is(err, registry.ErrGone), errors.Is(err, registry.ErrNoDevice):
		pr.Result = metrics.ResultGone
		c.Metrics.PhaseFinished(ph.Number, pr.Result, elapsed)
		log.WithField("missing", ph.Pairs).Warn("Tag disconnected before reporting; continuing without it")
		return pr, nil
	case err != nil:
		return pr, errors.Wrapf(err, "%s: wait for report", ph)
	}

	pr.Result = metrics.ResultReported
	c.Metrics.PhaseFinished(ph.Number, pr.Result, elapsed)
	samples, malformed := ranging.ParseReport(payload, ph.Tag, ph.Anchors[:])
	pr.Malformed = malformed
	c.Metrics.Malformed(malformed)
	pr.Written = matrix.Merge(ranging.Average(samples))

	span.SetAttributes(attribute.Int("samples", len(samples)), attribute.Int("malformed", malformed))
	log.WithFields(logrus.Fields{
		"samples":   len(samples),
		"malformed": malformed,
		"written":   pr.Written,
	}).Info("Received report")
	return pr, nil
}

// sleep waits for d, or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
