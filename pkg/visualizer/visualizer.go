// Package visualizer hands complete distance matrices to an external plotting program.
package visualizer

import (
	"context"
	"os/exec"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/n0ot/rangerd/pkg/ranging"
)

// ErrIncomplete is returned when a matrix is missing a pair.
var ErrIncomplete = errors.New("distance matrix incomplete")

// CenterFlag asks the visualizer to center the triangle in its window.
const CenterFlag = "-center"

// DefaultCommand draws the anchor triangle from the three distances.
var DefaultCommand = []string{"python", "app.pyw"}

// Process starts Command with the distances as flags, once per matrix.
// The program runs on its own; Handoff returns as soon as it has started.
type Process struct {
	Command  []string
	Centered bool
	Log      *logrus.Logger

	wg sync.WaitGroup
}

// New creates a Process for the given command line.
func New(command []string, centered bool, log *logrus.Logger) *Process {
	return &Process{
		Command:  command,
		Centered: centered,
		Log:      log,
	}
}

// Args builds the flags passed to the visualizer for m.
func (p *Process) Args(m ranging.Matrix) ([]string, error) {
	if !m.Complete() {
		return nil, errors.Wrapf(ErrIncomplete, "missing %v", m.Missing())
	}
	formatted := m.Format(2)
	args := make([]string, 0, 2*len(ranging.Pairs)+1)
	for _, pair := range ranging.Pairs {
		args = append(args, "-"+pair.String(), formatted[pair.String()])
	}
	if p.Centered {
		args = append(args, CenterFlag)
	}
	return args, nil
}

// Handoff starts the visualizer for m.
func (p *Process) Handoff(ctx context.Context, m ranging.Matrix) error {
	if len(p.Command) == 0 {
		return errors.New("no visualizer command")
	}
	args, err := p.Args(m)
	if err != nil {
		return err
	}

	log := p.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	argv := append(append([]string(nil), p.Command[1:]...), args...)
	cmd := exec.Command(p.Command[0], argv...)
	if err := cmd.Start(); err != nil {
		return errors.Wrapf(err, "start %s", p.Command[0])
	}

	entry := log.WithFields(logrus.Fields{
		"pid":     cmd.Process.Pid,
		"command": strings.Join(cmd.Args, " "),
	})
	entry.Info("Started visualizer")

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := cmd.Wait(); err != nil {
			entry.WithField("error", err).Warn("Visualizer exited")
			return
		}
		entry.Debug("Visualizer exited")
	}()
	return nil
}

// Wait blocks until every started visualizer has exited.
func (p *Process) Wait() {
	p.wg.Wait()
}

type discard struct{}

func (discard) Handoff(context.Context, ranging.Matrix) error { return nil }

// Discard accepts every matrix and does nothing with it.
var Discard discard
