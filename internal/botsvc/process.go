package botsvc

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultStartupTimeout = 5 * time.Second
	healthPollInterval    = 60 * time.Millisecond
	processStopGrace      = 2 * time.Second
)

// AgentLauncher starts one decision agent per bot.
type AgentLauncher interface {
	Launch(ctx context.Context, logger zerolog.Logger) (Agent, error)
}

// ProcessLauncher runs the agent binary as a subprocess listening on an
// ephemeral loopback port.
type ProcessLauncher struct {
	Command        string
	Args           []string
	StartupTimeout time.Duration
}

func (l *ProcessLauncher) Launch(ctx context.Context, logger zerolog.Logger) (Agent, error) {
	port, err := freePort()
	if err != nil {
		return nil, fmt.Errorf("pick agent port: %w", err)
	}
	addr := fmt.Sprintf("127.0.0.1:%d", port)

	args := append([]string{"--listen", addr}, l.Args...)
	proc, err := startProcess(l.Command, args, logger.With().Str("component", "agent").Int("port", port).Logger())
	if err != nil {
		return nil, err
	}

	client := NewAgentClient("http://" + addr)
	timeout := l.StartupTimeout
	if timeout <= 0 {
		timeout = defaultStartupTimeout
	}
	if err := waitHealthy(ctx, client, proc, timeout); err != nil {
		proc.stop()
		return nil, err
	}
	return &processAgent{AgentClient: client, proc: proc}, nil
}

func waitHealthy(ctx context.Context, client *AgentClient, proc *process, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-proc.done:
			return fmt.Errorf("agent exited during startup: %v", proc.exitErr)
		case <-time.After(healthPollInterval):
		}
		if err := client.Health(ctx); err == nil {
			return nil
		}
	}
	return fmt.Errorf("agent not healthy after %s", timeout)
}

// processAgent pairs the HTTP client with the subprocess it talks to.
type processAgent struct {
	*AgentClient
	proc *process
}

func (a *processAgent) Stop() { a.proc.stop() }

// process supervises one subprocess, piping its output to the logger.
type process struct {
	cmd     *exec.Cmd
	logger  zerolog.Logger
	done    chan struct{}
	exitErr error
}

func startProcess(command string, args []string, logger zerolog.Logger) (*process, error) {
	cmd := exec.Command(command, args...)
	cmd.Env = os.Environ()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", command, err)
	}

	p := &process{cmd: cmd, logger: logger, done: make(chan struct{})}
	logger.Info().Str("command", command).Strs("args", args).Int("pid", cmd.Process.Pid).Msg("agent started")

	go p.pipe("stdout", stdout)
	go p.pipe("stderr", stderr)
	go p.wait()
	return p, nil
}

func (p *process) pipe(stream string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		p.logger.Debug().Str("stream", stream).Msg(scanner.Text())
	}
}

func (p *process) wait() {
	defer close(p.done)
	p.exitErr = p.cmd.Wait()
	if p.exitErr != nil {
		p.logger.Debug().Err(p.exitErr).Msg("agent exited")
	}
}

// stop interrupts the process, then kills it if it lingers.
func (p *process) stop() {
	select {
	case <-p.done:
		return
	default:
	}
	if err := p.cmd.Process.Signal(os.Interrupt); err != nil {
		_ = p.cmd.Process.Kill()
	}
	select {
	case <-p.done:
	case <-time.After(processStopGrace):
		_ = p.cmd.Process.Kill()
		<-p.done
	}
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
