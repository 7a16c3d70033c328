// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package detection

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/invigileye/invigil/internal/lifecycle"
)

// DefaultScriptName is the worker script looked up when none is configured.
const DefaultScriptName = "CheatingDetection.py"

// Process is a running worker as the Manager sees it. *lifecycle.Handle
// implements it.
type Process interface {
	PID() int
	Stdout() io.Reader
	Stderr() io.Reader
	Done() <-chan struct{}
	ExitCode() int
	RequestGracefulStop() error
	ForceStop() error
	Release()
}

// Launcher starts worker processes.
type Launcher interface {
	Launch(cmd lifecycle.Command) (Process, error)
}

// SpawnerLauncher launches real processes through a lifecycle.Spawner.
type SpawnerLauncher struct {
	Spawner *lifecycle.Spawner
}

// NewSpawnerLauncher creates a launcher using the platform's default spawner.
func NewSpawnerLauncher() *SpawnerLauncher {
	return &SpawnerLauncher{Spawner: lifecycle.NewSpawner()}
}

// Launch implements Launcher.
func (l *SpawnerLauncher) Launch(cmd lifecycle.Command) (Process, error) {
	h, err := l.Spawner.Spawn(cmd)
	if err != nil {
		return nil, err
	}
	return h, nil
}

// WorkerConfig describes how to run the detection worker.
type WorkerConfig struct {
	// Interpreter runs the script. Empty means python3, then python, on PATH.
	Interpreter string

	// Script is the worker script. Empty means DefaultScriptName is searched
	// for next to the executable and the working directory.
	Script string

	// Dir is the working directory. Empty means the script's directory.
	Dir string

	// WindowTitle identifies the worker's window for the windows fallback kill.
	WindowTitle string

	// Env holds extra environment variables.
	Env map[string]string

	// EvidenceRoot is passed to the worker so it writes where the janitor looks.
	EvidenceRoot string
}

var errNoInterpreter = errors.New("no python interpreter found on PATH")

// Command builds the worker invocation for a start request:
// <interpreter> <script> <examId> [cameraIndex].
func (w WorkerConfig) Command(req StartRequest) (lifecycle.Command, error) {
	interpreter, err := w.interpreter()
	if err != nil {
		return lifecycle.Command{}, err
	}
	script, err := w.script()
	if err != nil {
		return lifecycle.Command{}, err
	}

	args := []string{script, req.ExamID}
	if req.CameraIndex != nil {
		args = append(args, strconv.Itoa(*req.CameraIndex))
	}

	dir := w.Dir
	if dir == "" {
		dir = filepath.Dir(script)
	}

	// script and examId are adjacent in argv, so exam "1" never matches
	// "script 5 1" (exam 5 on camera 1).
	return lifecycle.Command{
		Path:        interpreter,
		Args:        args,
		Dir:         dir,
		Env:         w.environ(req),
		MatchArgs:   []string{script, req.ExamID},
		WindowTitle: w.WindowTitle,
	}, nil
}

func (w WorkerConfig) interpreter() (string, error) {
	if w.Interpreter != "" {
		return w.Interpreter, nil
	}
	for _, name := range []string{"python3", "python"} {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", errNoInterpreter
}

func (w WorkerConfig) script() (string, error) {
	if w.Script != "" {
		abs, err := filepath.Abs(w.Script)
		if err != nil {
			return "", fmt.Errorf("failed to resolve script path: %w", err)
		}
		if _, err := os.Stat(abs); err != nil {
			return "", fmt.Errorf("detection script not found: %w", err)
		}
		return abs, nil
	}

	for _, candidate := range scriptCandidates() {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("detection script %s not found", DefaultScriptName)
}

// scriptCandidates lists the default script locations, executable-relative first.
func scriptCandidates() []string {
	var bases []string
	if exe, err := os.Executable(); err == nil {
		bases = append(bases, filepath.Dir(exe))
	}
	if wd, err := os.Getwd(); err == nil {
		bases = append(bases, wd)
	}

	var candidates []string
	for _, base := range bases {
		candidates = append(candidates,
			filepath.Join(base, "ai", DefaultScriptName),
			filepath.Join(base, "..", "ai", DefaultScriptName),
			filepath.Join(base, DefaultScriptName),
		)
	}
	return candidates
}

func (w WorkerConfig) environ(req StartRequest) []string {
	env := os.Environ()

	keys := make([]string, 0, len(w.Env))
	for k := range w.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+w.Env[k])
	}

	env = append(env, "PYTHONUNBUFFERED=1")
	if w.EvidenceRoot != "" {
		env = append(env, "INVIGIL_SNAPSHOTS_DIR="+w.EvidenceRoot)
	}
	if req.CameraIndex != nil {
		env = append(env, "CAMERA_SOURCE="+strconv.Itoa(*req.CameraIndex))
	}
	if req.StudentID != "" {
		env = append(env, "INVIGIL_STUDENT_ID="+req.StudentID)
	}
	return env
}
