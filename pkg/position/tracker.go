package position

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/n0ot/rangerd/pkg/metrics"
	"github.com/n0ot/rangerd/pkg/ranging"
	"github.com/n0ot/rangerd/pkg/solver"
)

// Tracker follows a single tag from its reported ranges to the two fixed anchors.
// Each time a range arrives and both ranges are known, the tag is solved,
// and the fix is written.
type Tracker struct {
	Solver  *solver.Solver
	Writer  Writer
	Subject string
	Log     *logrus.Logger
	Metrics *metrics.Collector

	// Now stamps each record. If nil, time.Now is used.
	Now func() time.Time

	lock   sync.Mutex // Protects ranges, have
	ranges [2]float64
	have   [2]bool
}

// NewTracker creates a Tracker writing fixes for subject to w.
func NewTracker(s *solver.Solver, w Writer, subject string, log *logrus.Logger) *Tracker {
	return &Tracker{
		Solver:  s,
		Writer:  w,
		Subject: subject,
		Log:     log,
	}
}

func (t *Tracker) logger() *logrus.Logger {
	if t.Log == nil {
		return logrus.StandardLogger()
	}
	return t.Log
}

// Feed consumes one report line.
// Lines that are not readings for anchor 0 or 1 are ignored.
// If a solve was attempted, its fix is returned along with true.
func (t *Tracker) Feed(ctx context.Context, line string) (solver.Fix, bool, error) {
	anchor, meters, ok := ranging.ParseReading(line)
	if !ok || anchor < 0 || anchor > 1 {
		return solver.NoFix, false, nil
	}

	t.lock.Lock()
	t.ranges[anchor] = meters
	t.have[anchor] = true
	ready := t.have[0] && t.have[1]
	r0, r1 := t.ranges[0], t.ranges[1]
	t.lock.Unlock()
	if !ready {
		return solver.NoFix, false, nil
	}

	fix := t.Solver.Solve(r0, r1)
	t.Metrics.Solved(fix.OK)
	if !fix.OK {
		t.logger().WithFields(logrus.Fields{
			"r0": r0,
			"r1": r1,
		}).Debug("No intersection")
		return fix, true, nil
	}

	now := time.Now
	if t.Now != nil {
		now = t.Now
	}
	rec := Record{Subject: t.Subject, Time: now(), X: fix.X, Y: fix.Y}
	if t.Writer != nil {
		if err := t.Writer.WritePosition(ctx, rec); err != nil {
			return fix, true, errors.Wrap(err, "Write position")
		}
	}
	return fix, true, nil
}

// Run feeds every line read from r, until r is exhausted or ctx is done.
func (t *Tracker) Run(ctx context.Context, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, _, err := t.Feed(ctx, scanner.Text()); err != nil {
			return err
		}
	}
	return errors.Wrap(scanner.Err(), "Read ranges")
}

// Reset forgets the known ranges.
func (t *Tracker) Reset() {
	t.lock.Lock()
	t.ranges = [2]float64{}
	t.have = [2]bool{}
	t.lock.Unlock()
}

// JSONWriter writes each record as a line of JSON.
type JSONWriter struct {
	lock sync.Mutex
	enc  *json.Encoder
}

// NewJSONWriter creates a JSONWriter on w.
func NewJSONWriter(w io.Writer) *JSONWriter {
	return &JSONWriter{enc: json.NewEncoder(w)}
}

// WritePosition encodes r.
func (w *JSONWriter) WritePosition(ctx context.Context, r Record) error {
	w.lock.Lock()
	defer w.lock.Unlock()
	return errors.Wrap(w.enc.Encode(r), "Encode position")
}

// Tee writes each record to every writer, stopping at the first error.
type Tee []Writer

// WritePosition writes r to each writer in order.
func (t Tee) WritePosition(ctx context.Context, r Record) error {
	for _, w := range t {
		if err := w.WritePosition(ctx, r); err != nil {
			return err
		}
	}
	return nil
}
