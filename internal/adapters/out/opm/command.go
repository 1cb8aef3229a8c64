package opm

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/bindery-io/bindery/internal/boundaries/out"
	"github.com/bindery-io/bindery/internal/domain"
)

// tailLimit bounds the in-memory tail kept for failure extraction. The
// full output still reaches the sink line by line.
const tailLimit = 100

// fatalPattern matches the terminal error line opm emits on failure.
var fatalPattern = regexp.MustCompile(`^.*level=fatal .*error="(.+)"`)

// commandError carries the operator-facing failure message composed from
// the tool's terminal error line. It matches domain.ErrBuildFailed so
// callers can still classify it.
type commandError struct {
	msg string
}

func (e *commandError) Error() string { return e.msg }

func (e *commandError) Is(target error) bool { return target == domain.ErrBuildFailed }

// runStreamed executes a tool in dir, feeding every output line to the
// sink as it is produced. On a non-zero exit it returns failMsg combined
// with the terminal error extracted from the output tail.
func (b *Builder) runStreamed(ctx context.Context, dir string, sink out.LogSink, failMsg, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...) // #nosec G204 -- binary paths come from config, args are built internally
	cmd.Dir = dir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("piping %s stdout: %w", name, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("piping %s stderr: %w", name, err)
	}

	lines := make(chan string, 64)
	var wg sync.WaitGroup
	wg.Add(2)
	go scanInto(&wg, stdout, lines)
	go scanInto(&wg, stderr, lines)

	log.Debug().Str("binary", name).Strs("args", args).Msg("Running build tool")
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", name, err)
	}
	go func() {
		wg.Wait()
		close(lines)
	}()

	var tail []string
	for line := range lines {
		sink.WriteLine(line)
		if len(tail) == tailLimit {
			copy(tail, tail[1:])
			tail = tail[:tailLimit-1]
		}
		tail = append(tail, line)
	}

	if err := cmd.Wait(); err != nil {
		reason := extractToolError(tail)
		if reason == "" {
			reason = err.Error()
		}
		return &commandError{msg: fmt.Sprintf("%s: %s", failMsg, reason)}
	}
	return nil
}

func scanInto(wg *sync.WaitGroup, r io.Reader, lines chan<- string) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines <- scanner.Text()
	}
}

// extractToolError pulls the most useful error out of noisy tool output:
// the last `level=fatal ... error="..."` line when present, otherwise the
// last line carrying an `error:` marker. Returns "" when neither appears.
func extractToolError(lines []string) string {
	for i := len(lines) - 1; i >= 0; i-- {
		if m := fatalPattern.FindStringSubmatch(lines[i]); m != nil {
			return m[1]
		}
	}
	for i := len(lines) - 1; i >= 0; i-- {
		if idx := strings.Index(lines[i], "error: "); idx >= 0 {
			return strings.TrimSpace(lines[i][idx:])
		}
	}
	return ""
}
