//
//
package device

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Loader results, also used as metric labels and audio_error values.
const (
	LoadOK       = "ok"
	LoadTimeout  = "timeout"
	LoadNotFound = "not_found"
	LoadFailed   = "failed"
)

var (
	// ErrLoaderBusy is returned while a load is running.
	ErrLoaderBusy = errors.New("audio loader busy")

	// ErrFileNotFound is returned for a missing waveform file.
	ErrFileNotFound = errors.New("audio file not found")
)

// LoaderStatus is the state reported by AUDIO:STATUS?.
type LoaderStatus struct {
	Loading bool
	File    string
	Error   string
}

// Loader runs the external waveform loader, one load at a time.
type Loader struct {
	command []string
	timeout time.Duration
	onDone  func(result string)
	logger  zerolog.Logger

	mu      sync.Mutex
	loading bool
	file    string
	lastErr string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewLoader creates a loader running command with the file path appended.
// onDone, when set, receives the result of every attempt.
func NewLoader(command []string, timeout time.Duration, onDone func(result string), logger zerolog.Logger) *Loader {
	ctx, cancel := context.WithCancel(context.Background())
	return &Loader{
		command: command,
		timeout: timeout,
		onDone:  onDone,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches a load of path in the background.
func (l *Loader) Start(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.loading {
		return ErrLoaderBusy
	}
	if _, err := os.Stat(path); err != nil {
		l.lastErr = LoadNotFound
		l.file = path
		l.done(LoadNotFound)
		return fmt.Errorf("%w: %s", ErrFileNotFound, path)
	}
	if len(l.command) == 0 {
		l.lastErr = LoadFailed
		l.done(LoadFailed)
		return fmt.Errorf("no audio loader configured")
	}

	l.loading = true
	l.file = path
	l.lastErr = ""

	l.wg.Add(1)
	go l.run(path)
	return nil
}

func (l *Loader) run(path string) {
	defer l.wg.Done()

	ctx, cancel := context.WithTimeout(l.ctx, l.timeout)
	defer cancel()

	args := append(append([]string(nil), l.command[1:]...), path)
	cmd := exec.CommandContext(ctx, l.command[0], args...)
	cmd.WaitDelay = time.Second

	start := time.Now()
	l.logger.Info().Str("file", path).Msg("Loading audio")
	out, err := cmd.CombinedOutput()

	result := LoadOK
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		result = LoadTimeout
	case err != nil:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result = fmt.Sprintf("exit_%d", exitErr.ExitCode())
		} else {
			result = LoadFailed
		}
	}

	if result == LoadOK {
		l.logger.Info().Str("file", path).Dur("elapsed", time.Since(start)).Msg("Audio loaded")
	} else {
		l.logger.Error().Err(err).Str("file", path).Str("result", result).
			Str("output", string(out)).Msg("Audio load failed")
	}

	l.mu.Lock()
	l.loading = false
	if result != LoadOK {
		l.lastErr = result
	}
	l.done(result)
	l.mu.Unlock()
}

// done must be called with l.mu held.
func (l *Loader) done(result string) {
	if l.onDone != nil {
		l.onDone(result)
	}
}

// Status returns the current loader state.
func (l *Loader) Status() LoaderStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return LoaderStatus{Loading: l.loading, File: l.file, Error: l.lastErr}
}

// Close kills a running load and waits for it.
func (l *Loader) Close() {
	l.cancel()
	l.wg.Wait()
}
