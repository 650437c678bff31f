package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/charmbracelet/log"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/pairpad/backend/internal/config"
)

// Result is the outcome of one execution. Every failure mode lands in
// Stderr; Execute never returns a Go error to the caller.
type Result struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	Language string `json:"language"`
}

// Runner executes untrusted snippets, one independent child process per
// call, bounded by a fixed wall-clock timeout. It keeps no state between
// runs, so concurrent executions never interfere.
type Runner struct {
	timeout   time.Duration
	languages map[string]config.LanguageSpec
	logger    *log.Logger
}

func NewRunner(cfg config.SandboxConfig, logger *log.Logger) *Runner {
	return &Runner{
		timeout:   cfg.RunTimeout,
		languages: cfg.Languages,
		logger:    logger,
	}
}

// Execute evaluates code as a single inline program under the runtime
// selected by language, capturing stdout and stderr independently.
func (r *Runner) Execute(ctx context.Context, language, code string) Result {
	spec, ok := r.languages[language]
	if !ok {
		return Result{Stderr: fmt.Sprintf("unsupported language: %s", language), Language: language}
	}

	bin, err := exec.LookPath(spec.Bin)
	if err != nil {
		return Result{Stderr: fmt.Sprintf("runtime not available for %s", language), Language: language}
	}

	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	args := append(append([]string{}, spec.Args...), code)
	cmd := exec.CommandContext(runCtx, bin, args...)
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return Result{Stderr: fmt.Sprintf("execution error: %v", err), Language: language}
	}
	pid := cmd.Process.Pid

	waitErr := cmd.Wait()

	if runCtx.Err() == context.DeadlineExceeded {
		r.confirmDead(pid)
		return Result{Stderr: "execution timed out", Language: language}
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return Result{Stderr: fmt.Sprintf("execution error: %v", waitErr), Language: language}
		}
		// Non-zero exit is a normal run; the program's own stderr tells
		// the story.
	}

	return Result{Stdout: stdout.String(), Stderr: stderr.String(), Language: language}
}

// confirmDead verifies the killed child is actually gone. Wait has
// already reaped it, so this only fires a warning if the pid somehow
// survived the kill.
func (r *Runner) confirmDead(pid int) {
	for i := 0; i < 50; i++ {
		alive, err := process.PidExists(int32(pid))
		if err != nil || !alive {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	if r.logger != nil {
		r.logger.Warn("timed-out process still alive after kill", "pid", pid)
	}
}

// Languages returns the configured language identifiers.
func (r *Runner) Languages() []string {
	out := make([]string, 0, len(r.languages))
	for lang := range r.languages {
		out = append(out, lang)
	}
	return out
}
