package ptymux

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Neuxbane/Docker/internal/domain"
	"github.com/Neuxbane/Docker/internal/lifecycle"
	"github.com/Neuxbane/Docker/internal/mapper"
	"github.com/Neuxbane/Docker/internal/ws"
)

const (
	historyTail     = 500
	historyTimeout  = 10 * time.Second
	respawnDelay    = 3 * time.Second
	idleLimit       = 60 * time.Second
	idleCountdown   = 5
	killGracePeriod = 2 * time.Second
)

// Params identify the target of one attach session.
type Params struct {
	File    string // manifest path of the project
	Service string
	Action  string // exec | inspect | log | stop | restart; empty means exec
	IP      string // upstream filter for action=log
}

// Multiplexer owns WebSocket attach sessions: interactive exec, lifecycle
// runs with live output, log follow and filtered access-log streams.
type Multiplexer struct {
	logger       *slog.Logger
	counter      *Counter
	driver       *lifecycle.Driver
	store        *mapper.Store
	accessLogs   []string
	containerCLI string
	shell        string
}

// New constructs the multiplexer.
func New(logger *slog.Logger, counter *Counter, driver *lifecycle.Driver, store *mapper.Store, accessLogs []string) *Multiplexer {
	if logger != nil {
		logger = logger.With("component", "ptymux")
	}
	return &Multiplexer{
		logger:       logger,
		counter:      counter,
		driver:       driver,
		store:        store,
		accessLogs:   accessLogs,
		containerCLI: "docker",
		shell:        "/bin/sh",
	}
}

// session is the per-connection state. Reads from the socket are
// serialized into PTY writes; PTY output is serialized into socket sends.
type session struct {
	id     string
	conn   *websocket.Conn
	client *ws.Client
	logger *slog.Logger

	counter  *Counter
	decOnce  sync.Once
	lastData atomic.Int64 // unix nanos of last byte in either direction
	closed   chan struct{}
	closeOne sync.Once
}

func (m *Multiplexer) newSession(conn *websocket.Conn) *session {
	s := &session{
		id:      uuid.NewString(),
		conn:    conn,
		client:  ws.NewClient(conn, m.logger),
		logger:  m.logger,
		counter: m.counter,
		closed:  make(chan struct{}),
	}
	s.touch()
	m.counter.Add()
	return s
}

func (s *session) touch() {
	s.lastData.Store(time.Now().UnixNano())
}

func (s *session) idleFor() time.Duration {
	return time.Since(time.Unix(0, s.lastData.Load()))
}

// release decrements the active counter exactly once.
func (s *session) release() {
	s.decOnce.Do(s.counter.Done)
}

func (s *session) shutdown() {
	s.closeOne.Do(func() {
		close(s.closed)
		_ = s.conn.Close()
	})
	s.release()
}

func (s *session) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *session) banner(msg string) {
	_ = s.client.Send([]byte("\r\n" + msg + "\r\n"))
}

// Handle dispatches one accepted websocket connection. It blocks until
// the session ends and guarantees the counter is released.
func (m *Multiplexer) Handle(ctx context.Context, conn *websocket.Conn, p Params) {
	s := m.newSession(conn)
	defer s.shutdown()

	projectDir := filepath.Dir(p.File)
	m.logger.Info("attach session opened",
		"session", s.id, "project", projectDir, "service", p.Service, "action", p.Action)
	defer m.logger.Info("attach session closed", "session", s.id)

	if p.Service != "" && !domain.ValidServiceName(p.Service) {
		s.banner("error: invalid service name")
		return
	}

	var err error
	switch p.Action {
	case "", "exec":
		err = m.handleExec(ctx, s, projectDir, p.Service)
	case "inspect":
		err = m.handleInspect(ctx, s, projectDir, p.Service)
	case "log":
		err = m.handleAccessLog(ctx, s, projectDir, p.Service, p.IP)
	case "stop":
		err = m.handleLifecycle(ctx, s, projectDir, p.Service, "stop.sh", "stop", domain.StatusStopping, domain.StatusStopped)
	case "restart":
		err = m.handleLifecycle(ctx, s, projectDir, p.Service, "restart.sh", "restart", domain.StatusRestarting, domain.StatusRunning)
	default:
		err = domain.Validationf("unknown action %q", p.Action)
	}
	if err != nil && !s.isClosed() {
		s.banner("error: " + err.Error())
	}
}

// resizeFrame is the only recognized control message.
type resizeFrame struct {
	Type string `json:"type"`
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

// handleExec attaches an interactive shell inside the service container.
func (m *Multiplexer) handleExec(ctx context.Context, s *session, projectDir, service string) error {
	containerID, err := m.driver.ContainerID(ctx, projectDir, service)
	if err != nil {
		return err
	}
	cmd := exec.Command(m.containerCLI, "exec", "-it", containerID, m.shell)
	return m.runPTY(s, cmd, true)
}

// handleLifecycle runs the stop/restart script (or compose fallback) in a
// PTY so the user watches live output, applying the transient protocol.
func (m *Multiplexer) handleLifecycle(ctx context.Context, s *session, projectDir, service, script, composeVerb string, transient, expect domain.ServiceStatus) error {
	m.driver.Transient().Set(projectDir, service, transient)
	defer m.driver.SettleAfter(projectDir, service, expect)

	var cmd *exec.Cmd
	if scriptPath, ok := m.driver.ScriptPath(projectDir, script); ok {
		cmd = exec.Command(scriptPath, service)
		cmd.Env = append(os.Environ(), "COMPOSE_PROJECT_NAME="+domain.ComposeProjectName(projectDir))
	} else {
		name, args, env := m.driver.ComposeCommand(projectDir, composeVerb, service)
		cmd = exec.Command(name, args...)
		cmd.Env = append(os.Environ(), env...)
	}
	cmd.Dir = projectDir

	err := m.runPTY(s, cmd, false)
	s.banner("command finished")
	return err
}

// runPTY spawns cmd under a PTY and pumps bytes both ways until the child
// exits or the socket closes. interactive governs whether socket bytes
// are fed to the child.
func (m *Multiplexer) runPTY(s *session, cmd *exec.Cmd, interactive bool) error {
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return err
	}
	childDone := make(chan struct{})

	// PTY -> socket
	go func() {
		defer close(childDone)
		buf := make([]byte, 4096)
		for {
			n, readErr := ptmx.Read(buf)
			if n > 0 {
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

	// socket -> PTY
	go func() {
		for {
			_, data, readErr := s.conn.ReadMessage()
			if readErr != nil {
				s.shutdown()
				return
			}
			s.touch()
			if len(data) > 0 && data[0] == '{' {
				var frame resizeFrame
				if json.Unmarshal(data, &frame) == nil && frame.Type == "resize" {
					_ = pty.Setsize(ptmx, &pty.Winsize{Rows: frame.Rows, Cols: frame.Cols})
					continue
				}
			}
			if interactive {
				if _, writeErr := ptmx.Write(data); writeErr != nil {
					return
				}
			}
		}
	}()

	select {
	case <-childDone:
	case <-s.closed:
		// graceful first, SIGKILL if the child lingers
		_ = cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-childDone:
		case <-time.After(killGracePeriod):
			_ = cmd.Process.Kill()
			<-childDone
		}
	}
	_ = ptmx.Close()
	err = cmd.Wait()
	if s.isClosed() {
		return nil
	}
	return err
}
