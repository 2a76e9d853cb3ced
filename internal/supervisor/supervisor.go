package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/mpataki/dayrun/internal/models"
)

const maxLineSize = 1 << 20

// Config configures a Supervisor. Zero values give the reference behaviour:
// no timeout, output echoed to stdout, default keywords.
type Config struct {
	Dir       string
	Env       []string
	Keywords  []string
	Output    io.Writer
	Timeout   time.Duration
	WaitDelay time.Duration
	Logger    *slog.Logger
}

// Request is one execution of a pipeline.
type Request struct {
	Pipeline   models.PipelineSpec
	Stage      int
	Forked     bool
	LogPath    string
	OnProgress func(pct int)
}

// Supervisor launches pipeline programs and turns their life cycle into a
// RunResult.
type Supervisor struct {
	dir       string
	env       []string
	keywords  []string
	timeout   time.Duration
	waitDelay time.Duration
	logger    *slog.Logger

	outMu sync.Mutex
	out   io.Writer
}

func New(cfg Config) *Supervisor {
	keywords := cfg.Keywords
	if len(keywords) == 0 {
		keywords = DefaultKeywords
	}
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Supervisor{
		dir:       cfg.Dir,
		env:       cfg.Env,
		keywords:  keywords,
		timeout:   cfg.Timeout,
		waitDelay: cfg.WaitDelay,
		logger:    logger.With("module", "supervisor"),
		out:       out,
	}
}

// Execute runs the pipeline to completion. The returned result is always
// well formed, even when the program could not be launched.
func (s *Supervisor) Execute(ctx context.Context, req Request) (models.RunResult, error) {
	p, err := s.Start(ctx, req)
	if err != nil {
		return LaunchFailure(req.Pipeline), err
	}
	return p.Wait()
}

// LaunchFailure is the result recorded for a program that never started.
func LaunchFailure(spec models.PipelineSpec) models.RunResult {
	now := time.Now()
	return models.RunResult{
		Pipeline: spec,
		Status:   models.ExitFailure,
		ExitCode: -1,
		Progress: 100,
		Started:  now,
		Finished: now,
	}
}

// Start launches the pipeline and returns immediately. Output is consumed
// in the background while the program runs so it can never block on a full
// pipe.
func (s *Supervisor) Start(ctx context.Context, req Request) (*Process, error) {
	spec := req.Pipeline
	if len(spec.Command) == 0 {
		return nil, &LaunchError{Pipeline: spec.Name, Err: errors.New("empty command")}
	}

	var cancel context.CancelFunc
	if s.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}

	var logFile *os.File
	if req.LogPath != "" {
		f, err := os.OpenFile(req.LogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			cancel()
			return nil, &LaunchError{Pipeline: spec.Name, Err: fmt.Errorf("open log file: %w", err)}
		}
		logFile = f
	}

	cmd := exec.CommandContext(ctx, spec.Command[0], spec.Command[1:]...)
	cmd.Dir = s.dir
	cmd.Env = append(os.Environ(), s.env...)
	// Own process group so cancellation also reaches grandchildren.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		if errors.Is(err, syscall.ESRCH) {
			return os.ErrProcessDone
		}
		return err
	}
	cmd.WaitDelay = s.waitDelay

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	started := time.Now()
	if err := cmd.Start(); err != nil {
		cancel()
		pw.Close()
		pr.Close()
		if logFile != nil {
			logFile.Close()
		}
		return nil, &LaunchError{Pipeline: spec.Name, Err: err}
	}

	p := &Process{
		sup:       s,
		req:       req,
		cmd:       cmd,
		ctx:       ctx,
		cancel:    cancel,
		estimator: NewEstimator(spec.ExpectedSteps, s.keywords),
		logFile:   logFile,
		started:   started,
		done:      make(chan struct{}),
	}

	s.logger.Debug("pipeline started",
		"pipeline", spec.Name,
		"stage", req.Stage,
		"pid", cmd.Process.Pid,
		"forked", req.Forked,
	)

	go p.supervise(pr, pw)
	return p, nil
}

func (s *Supervisor) echo(req Request, line string) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	if req.Forked {
		fmt.Fprintf(s.out, "[%s] %s\n", req.Pipeline.Name, line)
		return
	}
	fmt.Fprintln(s.out, line)
}

// Process is a running pipeline program.
type Process struct {
	sup       *Supervisor
	req       Request
	cmd       *exec.Cmd
	ctx       context.Context
	cancel    context.CancelFunc
	estimator *Estimator
	logFile   *os.File
	started   time.Time

	done   chan struct{}
	result models.RunResult
	err    error
}

func (p *Process) PID() int {
	return p.cmd.Process.Pid
}

func (p *Process) Pipeline() models.PipelineSpec {
	return p.req.Pipeline
}

// Done is closed once the program has exited and its output is drained.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the program exits. It may be called any number of times.
func (p *Process) Wait() (models.RunResult, error) {
	<-p.done
	return p.result, p.err
}

// Kill terminates the program and everything it spawned.
func (p *Process) Kill() {
	p.cancel()
}

func (p *Process) supervise(pr *io.PipeReader, pw *io.PipeWriter) {
	defer close(p.done)
	defer p.cancel()

	readDone := make(chan error, 1)
	go func() {
		readDone <- p.consume(pr)
	}()

	waitErr := p.cmd.Wait()
	pw.Close()
	readErr := <-readDone
	pr.Close()

	if p.logFile != nil {
		p.logFile.Close()
	}

	p.result, p.err = p.classify(waitErr, readErr)

	p.sup.logger.Debug("pipeline finished",
		"pipeline", p.req.Pipeline.Name,
		"stage", p.req.Stage,
		"status", p.result.Status,
		"exit_code", p.result.ExitCode,
		"duration", p.result.Finished.Sub(p.result.Started),
	)
}

func (p *Process) consume(r io.Reader) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for sc.Scan() {
		line := sc.Text()
		before := p.estimator.Value()

		directive := p.estimator.Observe(line)
		if !directive {
			p.sup.echo(p.req, line)
		}
		if p.logFile != nil {
			fmt.Fprintln(p.logFile, line)
		}

		if after := p.estimator.Value(); after != before && p.req.OnProgress != nil {
			p.req.OnProgress(after)
		}
	}

	err := sc.Err()
	if err != nil {
		// Keep draining so the child never blocks on a full pipe.
		io.Copy(io.Discard, r)
	}
	return err
}

func (p *Process) classify(waitErr, readErr error) (models.RunResult, error) {
	name := p.req.Pipeline.Name
	res := models.RunResult{
		Pipeline: p.req.Pipeline,
		Status:   models.ExitSuccess,
		PID:      p.cmd.Process.Pid,
		Started:  p.started,
		Finished: time.Now(),
		Progress: p.estimator.Complete(),
	}
	if p.req.OnProgress != nil {
		p.req.OnProgress(res.Progress)
	}

	if p.cmd.ProcessState != nil {
		res.ExitCode = p.cmd.ProcessState.ExitCode()
	}

	var err error
	var exitErr *exec.ExitError
	switch {
	case p.ctx.Err() != nil && (waitErr != nil || res.ExitCode != 0):
		res.ExitCode = nonzero(res.ExitCode)
		err = &ExitError{Pipeline: name, Code: res.ExitCode, Err: p.ctx.Err()}
	case errors.As(waitErr, &exitErr):
		res.ExitCode = nonzero(exitErr.ExitCode())
		err = &ExitError{Pipeline: name, Code: res.ExitCode, Err: waitErr}
	case waitErr != nil:
		res.ExitCode = nonzero(res.ExitCode)
		err = &StreamError{Pipeline: name, Err: waitErr}
	case readErr != nil:
		res.ExitCode = nonzero(res.ExitCode)
		err = &StreamError{Pipeline: name, Err: readErr}
	}

	if err != nil {
		res.Status = models.ExitFailure
	}
	return res, err
}

// nonzero maps "no exit code" (killed by a signal, or exited 0 despite a
// read failure) to -1 so a failure never carries code 0.
func nonzero(code int) int {
	if code == 0 {
		return -1
	}
	return code
}
