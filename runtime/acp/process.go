package acp

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentpilot/agentpilot"
	"github.com/agentpilot/agentpilot/profile"
)

// supervisor owns the agent subprocess: spawn with merged environment,
// stderr classification, exit observation, and teardown with signal
// escalation. It knows nothing about the protocol.
type supervisor struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	log  *slog.Logger
	prof *profile.Profile

	// onStderrStatus receives stderr lines the profile promotes to
	// user-visible status. Set via setStderrStatus after spawn; lines
	// arriving before that are dropped.
	onStderrStatus atomic.Value // stores func(string)

	stderrDone chan struct{}
	waitOnce   sync.Once
	waitErr    error
	exited     chan struct{}
	stopping   atomic.Bool
}

// spawn starts the agent process described by the profile. Failures before
// Start leave nothing behind; callers that fail after spawn must call kill
// so no child process leaks from an initialization error path.
func spawn(cfg *resolved) (*supervisor, error) {
	prof := cfg.Profile
	if prof == nil || prof.Command.Binary == "" {
		return nil, fmt.Errorf("%w: no agent command configured", agentpilot.ErrUnavailable)
	}
	binary, err := exec.LookPath(prof.Command.Binary)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", agentpilot.ErrUnavailable, prof.Command.Binary, err)
	}

	cmd := command(binary, prof.Command.Args)
	if cfg.CWD != "" {
		cmd.Dir = cfg.CWD
	}
	cmd.Env = mergeEnv(os.Environ(), prof.Command.Env, cfg.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("acp: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("acp: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("acp: stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("acp: start %s: %w", prof.Command.Binary, err)
	}

	s := &supervisor{
		cmd:        cmd,
		stdin:      stdin,
		stdout:     stdout,
		log:        cfg.Logger,
		prof:       prof,
		stderrDone: make(chan struct{}),
		exited:     make(chan struct{}),
	}
	go s.consumeStderr(stderr)
	return s, nil
}

// setStderrStatus installs the handler for status-classified stderr lines.
func (s *supervisor) setStderrStatus(fn func(string)) {
	s.onStderrStatus.Store(fn)
}

// consumeStderr classifies each diagnostic line per the agent profile.
func (s *supervisor) consumeStderr(r io.Reader) {
	defer close(s.stderrDone)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if line == "" {
			continue
		}
		switch s.prof.ClassifyStderr(line) {
		case profile.StderrSuppress:
		case profile.StderrStatus:
			if fn, ok := s.onStderrStatus.Load().(func(string)); ok && fn != nil {
				fn(line)
			}
		default:
			s.log.Debug("agent stderr", "agent", s.prof.Name, "line", line)
		}
	}
}

// wait reaps the subprocess exactly once. Safe to call from multiple
// goroutines; the first caller performs the Wait after stderr drains.
func (s *supervisor) wait() error {
	s.waitOnce.Do(func() {
		<-s.stderrDone
		s.waitErr = s.cmd.Wait()
		close(s.exited)
	})
	<-s.exited
	return s.waitErr
}

// exitError converts a cmd.Wait error into the public error vocabulary.
func (s *supervisor) exitError(err error) error {
	if err == nil {
		return nil
	}
	if s.stopping.Load() {
		return agentpilot.ErrTerminated
	}
	if ee, ok := err.(*exec.ExitError); ok {
		return &agentpilot.ExitError{Code: ee.ExitCode(), Err: ee}
	}
	return err
}

// shutdown closes stdin, asks the process to terminate, and escalates to a
// hard kill if it has not exited within escalation. Blocks until the
// process is reaped.
func (s *supervisor) shutdown(escalation time.Duration) {
	s.stopping.Store(true)
	if s.stdin != nil {
		_ = s.stdin.Close()
	}
	_ = terminateProcess(s.cmd.Process)

	done := make(chan struct{})
	go func() {
		_ = s.wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(escalation):
		_ = killProcess(s.cmd.Process)
		<-done
	}
}

// kill forcefully terminates the subprocess and reaps it. Used on
// initialization failure paths where no graceful path exists yet.
func (s *supervisor) kill() {
	s.stopping.Store(true)
	if s.stdin != nil {
		_ = s.stdin.Close()
	}
	_ = terminateProcess(s.cmd.Process)
	_ = killProcess(s.cmd.Process)
	_ = s.wait()
}

// mergeEnv layers override maps onto a base environment, later maps
// winning. Base entries are "K=V" strings; overrides are maps.
func mergeEnv(base []string, overrides ...map[string]string) []string {
	merged := make(map[string]string, len(base))
	order := make([]string, 0, len(base))
	for _, kv := range base {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if _, seen := merged[k]; !seen {
			order = append(order, k)
		}
		merged[k] = v
	}
	for _, o := range overrides {
		for k, v := range o {
			if _, seen := merged[k]; !seen {
				order = append(order, k)
			}
			merged[k] = v
		}
	}
	out := make([]string, 0, len(order))
	for _, k := range order {
		out = append(out, k+"="+merged[k])
	}
	return out
}
