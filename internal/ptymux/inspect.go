package ptymux

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// handleInspect streams recent log history, then follows the service's
// logs, silently respawning the follow child when the container restarts.
// Inspect never writes to the container and never sets transient state.
func (m *Multiplexer) handleInspect(ctx context.Context, s *session, projectDir, service string) error {
	histCtx, cancel := context.WithTimeout(ctx, historyTimeout)
	history, err := m.driver.LogsHistory(histCtx, projectDir, service, historyTail)
	cancel()
	if err == nil && history != "" {
		if sendErr := s.client.SendBinary([]byte(history)); sendErr != nil {
			return nil
		}
	}
	s.touch()

	// drain the socket so closes are observed; all input, resize frames
	// included, is discarded since inspect has no PTY to apply it to
	go func() {
		for {
			if _, _, readErr := s.conn.ReadMessage(); readErr != nil {
				s.shutdown()
				return
			}
			s.touch()
		}
	}()

	stopIdle := m.startIdleDetector(s)
	defer stopIdle()

	var lastData time.Time
	for !s.isClosed() {
		args := []string{"logs", "-f", "--no-color"}
		if lastData.IsZero() {
			// history already sent, do not replay it
			args = append(args, "--tail", "0")
		} else {
			args = append(args, "--since", lastData.UTC().Format(time.RFC3339))
		}
		args = append(args, service)

		name, fullArgs, env := m.driver.ComposeCommand(projectDir, args...)
		cmd := exec.Command(name, fullArgs...)
		cmd.Dir = projectDir
		cmd.Env = append(os.Environ(), env...)

		got := m.followOnce(s, cmd)
		if !got.IsZero() {
			lastData = got
		}
		if s.isClosed() {
			break
		}
		// container likely restarting; retry quietly
		select {
		case <-s.closed:
		case <-time.After(respawnDelay):
		}
	}
	return nil
}

// followOnce runs one log-follow child until it exits or the session
// closes, returning the timestamp of the last received byte.
func (m *Multiplexer) followOnce(s *session, cmd *exec.Cmd) time.Time {
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return time.Time{}
	}
	childDone := make(chan struct{})
	var last time.Time

	go func() {
		defer close(childDone)
		buf := make([]byte, 4096)
		for {
			n, readErr := ptmx.Read(buf)
			if n > 0 {
				last = time.Now()
				s.touch()
				if sendErr := s.client.SendBinary(buf[:n]); sendErr != nil {
					return
				}
			}
			if readErr != nil {
				return
			}
		}
	}()

	select {
	case <-childDone:
	case <-s.closed:
		_ = cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-childDone:
		case <-time.After(killGracePeriod):
			_ = cmd.Process.Kill()
			<-childDone
		}
	}
	_ = ptmx.Close()
	_ = cmd.Wait()
	return last
}

// startIdleDetector closes the session after 60 s without bytes, giving a
// visible five second countdown that any traffic cancels.
func (m *Multiplexer) startIdleDetector(s *session) func() {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-s.closed:
				return
			case <-ticker.C:
				if s.idleFor() < idleLimit {
					continue
				}
				if m.countdown(s) {
					s.banner("session closed after inactivity")
					s.shutdown()
					return
				}
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(stop) }) }
}

// countdown reports true when the full countdown elapsed without traffic.
func (m *Multiplexer) countdown(s *session) bool {
	for i := idleCountdown; i > 0; i-- {
		s.banner(fmt.Sprintf("idle, closing in %ds (press any key to stay)", i))
		select {
		case <-s.closed:
			return false
		case <-time.After(time.Second):
		}
		if s.idleFor() < time.Duration(idleCountdown)*time.Second {
			s.banner("countdown cancelled")
			return false
		}
	}
	return true
}
