package builder

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"build_monitor/pkg/gitrefs"
)

const defaultKillGrace = 10 * time.Second

// Exec runs builds as subprocesses. Each build gets its own process group so
// that cancellation reaches children the command spawned; the ref under
// build is exported through the BUILD_REF and BUILD_SHA environment
// variables. Stdout and stderr are streamed line by line into the logger.
type Exec struct {
	logger    *zap.Logger
	killGrace time.Duration
}

func NewExec(l *zap.Logger) *Exec {
	return &Exec{logger: l, killGrace: defaultKillGrace}
}

// RunBuild starts cmdWithArgs for ref and blocks until the process
// terminates. Cancelling ctx sends SIGTERM to the process group and
// escalates to SIGKILL after a grace period.
func (e *Exec) RunBuild(ctx context.Context, cmdWithArgs []string, ref gitrefs.Ref) error {
	if len(cmdWithArgs) == 0 {
		return errors.New("empty build command")
	}

	cmd := exec.Command(cmdWithArgs[0], cmdWithArgs[1:]...)
	cmd.Env = append(os.Environ(),
		"BUILD_REF="+ref.Name,
		"BUILD_SHA="+ref.Object.SHA,
	)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start build command: %w", err)
	}

	log := e.logger.With(zap.String("ref", ref.Name), zap.String("sha", ref.Object.SHA))

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			unix.Kill(-cmd.Process.Pid, unix.SIGTERM)
			select {
			case <-done:
			case <-time.After(e.killGrace):
				unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
			}
		case <-done:
		}
	}()

	var g errgroup.Group
	g.Go(func() error {
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			log.Info("build output", zap.String("line", scanner.Text()))
		}
		return scanner.Err()
	})
	g.Go(func() error {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			log.Warn("build output", zap.String("line", scanner.Text()))
		}
		return scanner.Err()
	})

	pumpErr := g.Wait()
	waitErr := cmd.Wait()
	close(done)

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if waitErr != nil {
		return fmt.Errorf("build command failed: %w", waitErr)
	}
	if pumpErr != nil {
		return fmt.Errorf("failed to read build output: %w", pumpErr)
	}
	return nil
}
