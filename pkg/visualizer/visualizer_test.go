package visualizer

import (
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/n0ot/rangerd/pkg/ranging"
)

func completeMatrix() ranging.Matrix {
	var m ranging.Matrix
	m.Set(ranging.AB, 1.234)
	m.Set(ranging.AC, 2)
	m.Set(ranging.BC, 0.005)
	return m
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func TestArgs(t *testing.T) {
	p := New(DefaultCommand, true, nil)
	args, err := p.Args(completeMatrix())
	if err != nil {
		t.Fatalf("Args: %s", err)
	}
	want := []string{"-AB", "1.23", "-AC", "2.00", "-BC", "0.01", "-center"}
	if !reflect.DeepEqual(args, want) {
		t.Errorf("Args = %v; want %v", args, want)
	}

	p.Centered = false
	args, _ = p.Args(completeMatrix())
	if args[len(args)-1] == CenterFlag {
		t.Errorf("Uncentered args end with %s", CenterFlag)
	}
}

func TestArgsIncomplete(t *testing.T) {
	var m ranging.Matrix
	m.Set(ranging.AB, 1)
	p := New(DefaultCommand, false, nil)
	if _, err := p.Args(m); !errors.Is(err, ErrIncomplete) {
		t.Errorf("Args = %v; want ErrIncomplete", err)
	}
	if err := p.Handoff(context.Background(), m); !errors.Is(err, ErrIncomplete) {
		t.Errorf("Handoff = %v; want ErrIncomplete", err)
	}
}

func TestHandoffStartsProcess(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("no sh")
	}
	out := filepath.Join(t.TempDir(), "args")
	p := New([]string{sh, "-c", `echo "$@" > ` + out, "visualizer"}, true, quietLogger())

	if err := p.Handoff(context.Background(), completeMatrix()); err != nil {
		t.Fatalf("Handoff: %s", err)
	}
	p.Wait()

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("Read output: %s", err)
	}
	if got, want := strings.TrimSpace(string(data)), "-AB 1.23 -AC 2.00 -BC 0.01 -center"; got != want {
		t.Errorf("Visualizer got %q; want %q", got, want)
	}
}

func TestHandoffMissingProgram(t *testing.T) {
	p := New([]string{filepath.Join(t.TempDir(), "no-such-program")}, false, quietLogger())
	if err := p.Handoff(context.Background(), completeMatrix()); err == nil {
		t.Errorf("Expected an error starting a missing program")
	}

	p.Command = nil
	if err := p.Handoff(context.Background(), completeMatrix()); err == nil {
		t.Errorf("Expected an error with no command")
	}
}

func TestDiscard(t *testing.T) {
	if err := Discard.Handoff(context.Background(), ranging.Matrix{}); err != nil {
		t.Errorf("Discard: %s", err)
	}
}
