// Package launcher starts child subprocesses wired to a fixed port
// triplet and an auth profile, and pumps their stdout/stderr into a
// rotating per-child log file.
package launcher

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/leonardtan13/aistudio-coordinator/internal/childlog"
	"github.com/leonardtan13/aistudio-coordinator/internal/coordtypes"
)

// Options configures how children are launched.
type Options struct {
	// ScriptPath is the child entry point, invoked as `python3 ScriptPath ...`.
	ScriptPath string
	// RepoRoot is the working directory children are started in.
	RepoRoot string
	// LogDir holds one rotating log file per profile.
	LogDir string
	// Headless toggles the child's --headless flag.
	Headless bool
	// Env overlays the parent's environment for every child.
	Env map[string]string
}

// Launcher spawns children according to Options.
type Launcher struct {
	opts Options
	log  *log.Logger
}

func New(opts Options, logger *log.Logger) *Launcher {
	if logger == nil {
		logger = log.New(os.Stdout, "[launcher] ", log.LstdFlags)
	}
	return &Launcher{opts: opts, log: logger}
}

// Launch starts one child bound to profile/ports and returns its
// handle. The returned child's Ready is false; the caller must probe
// health separately.
func (l *Launcher) Launch(profile coordtypes.AuthProfile, p coordtypes.ChildPorts) (*coordtypes.ChildProcess, error) {
	if _, err := os.Stat(profile.Path); err != nil {
		return nil, fmt.Errorf("launch %s: profile file missing: %w", profile.Name, err)
	}
	if l.opts.ScriptPath != "" {
		if _, err := os.Stat(l.opts.ScriptPath); err != nil {
			return nil, fmt.Errorf("launch %s: launcher script missing: %w", profile.Name, err)
		}
	}

	args := []string{
		l.opts.ScriptPath,
		"--server-port", itoa(p.APIPort),
		"--stream-port", itoa(p.StreamPort),
		"--debug-port", itoa(p.DebugPort),
		"--active-auth-json", profile.Path,
	}
	if l.opts.Headless {
		args = append(args, "--headless")
	}

	cmd := exec.Command("python3", args...)
	cmd.Dir = l.opts.RepoRoot
	cmd.Env = mergeEnv(os.Environ(), l.opts.Env)

	logPath := filepath.Join(l.opts.LogDir, profile.Name+".log")
	writer, err := childlog.Open(logPath)
	if err != nil {
		return nil, fmt.Errorf("launch %s: %w", profile.Name, err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("launch %s: stdout pipe: %w", profile.Name, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("launch %s: stderr pipe: %w", profile.Name, err)
	}

	if err := cmd.Start(); err != nil {
		writer.Close()
		return nil, fmt.Errorf("launch %s: %w", profile.Name, err)
	}

	child := &coordtypes.ChildProcess{
		Profile: profile,
		Ports:   p,
		Cmd:     cmd,
		LogPath: logPath,
	}

	done := child.NewDone()
	go l.pump(stdout, writer, profile.Name, "stdout")
	go l.pump(stderr, writer, profile.Name, "stderr")
	go func() {
		err := cmd.Wait()
		child.MarkExited(err)
		writer.Close()
		close(done)
	}()

	l.log.Printf("launched %s (pid %d, api=%d stream=%d debug=%d)",
		profile.Name, cmd.Process.Pid, p.APIPort, p.StreamPort, p.DebugPort)

	return child, nil
}

// pump copies lines from stream into the rotating log writer, tagged
// with which stream they came from.
func (l *Launcher) pump(stream io.Reader, writer *childlog.Writer, name, tag string) {
	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if err := writer.WriteLine(fmt.Sprintf("[%s] %s", tag, scanner.Text())); err != nil {
			l.log.Printf("%s: write log line: %v", name, err)
		}
	}
}

func mergeEnv(base []string, overlay map[string]string) []string {
	out := make([]string, len(base))
	copy(out, base)
	for k, v := range overlay {
		out = append(out, k+"="+v)
	}
	return out
}

func itoa(n int) string {
	return fmt.Sprintf("%d", n)
}
