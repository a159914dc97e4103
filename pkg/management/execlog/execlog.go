/*
Copyright The PostgreSQL Operation Manager Contributors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package execlog handles running executables while piping their
// stdout and stderr to the structured logger
package execlog

import (
	"bufio"
	"bytes"
	"io"
	"os/exec"

	"github.com/Revenberg/postgresql/pkg/management/log"
)

const (
	// PipeKey is the key for the logging record applied to a pipe
	PipeKey = "pipe"
	// StdOut is the PipeKey value used for stdout
	StdOut = "stdout"
	// StdErr is the PipeKey value used for stderr
	StdErr = "stderr"
)

// LogWriter is an io.Writer which logs every line written to it
type LogWriter struct {
	Logger log.Logger
}

// Write logs the given slice of bytes, one record per line
func (w *LogWriter) Write(p []byte) (n int, err error) {
	for _, line := range bytes.Split(p, []byte{'\n'}) {
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) != 0 {
			w.Logger.Info(string(trimmed))
		}
	}
	return len(p), nil
}

// RunStreaming executes the command redirecting its stdout and stderr to the
// logger, line by line, while the command runs
func RunStreaming(cmd *exec.Cmd, cmdName string) (err error) {
	logger := log.WithValues("logger", cmdName)

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return err
	}

	if err := cmd.Start(); err != nil {
		return err
	}

	streamPipe(stdoutPipe, &LogWriter{Logger: logger.WithValues(PipeKey, StdOut)})
	streamPipe(stderrPipe, &LogWriter{Logger: logger.WithValues(PipeKey, StdErr)})

	return cmd.Wait()
}

// RunBuffering executes the command buffering its stdout and stderr, and
// sends the content to the logger after the command terminated
func RunBuffering(cmd *exec.Cmd, cmdName string) (err error) {
	_, _, err = RunBufferingCapture(cmd, cmdName)
	return err
}

// RunBufferingCapture behaves like RunBuffering but also hands the
// captured stdout and stderr back to the caller
func RunBufferingCapture(cmd *exec.Cmd, cmdName string) (stdout string, stderr string, err error) {
	logger := log.WithValues("logger", cmdName)

	var stdoutBuffer, stderrBuffer bytes.Buffer
	cmd.Stdout = &stdoutBuffer
	cmd.Stderr = &stderrBuffer
	err = cmd.Run()

	if s := stdoutBuffer.Bytes(); len(s) != 0 {
		if _, writeErr := (&LogWriter{Logger: logger.WithValues(PipeKey, StdOut)}).Write(s); writeErr != nil {
			logger.Error(writeErr, "Can't write the command stdout to the logger")
		}
	}
	if s := stderrBuffer.Bytes(); len(s) != 0 {
		if _, writeErr := (&LogWriter{Logger: logger.WithValues(PipeKey, StdErr)}).Write(s); writeErr != nil {
			logger.Error(writeErr, "Can't write the command stderr to the logger")
		}
	}

	return stdoutBuffer.String(), stderrBuffer.String(), err
}

func streamPipe(pipe io.Reader, writer *LogWriter) {
	go func() {
		scanner := bufio.NewScanner(pipe)
		for scanner.Scan() {
			// the writer never returns an error
			_, _ = writer.Write(scanner.Bytes())
		}
	}()
}
