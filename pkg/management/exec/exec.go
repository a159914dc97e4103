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

// Package exec runs shell commands inside the node containers. It carries
// no retry logic: a non-zero exit status is a result, not an error, and
// the retry policy belongs to the caller.
package exec

import (
	"context"
	"errors"
	"fmt"
	osexec "os/exec"
	"time"

	"github.com/kballard/go-shellquote"

	"github.com/Revenberg/postgresql/pkg/management/execlog"
	"github.com/Revenberg/postgresql/pkg/management/log"
)

// ErrDeadline is reported when the command was abandoned because the
// caller deadline fired. The underlying process may still be running
// inside the container.
var ErrDeadline = errors.New("command deadline exceeded")

// ErrUnreachable is reported when the container runtime could not be
// invoked at all
var ErrUnreachable = errors.New("container unreachable")

// Result carries the outcome of a completed command
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Driver runs commands inside named containers through a configured
// command prefix such as "docker exec"
type Driver struct {
	prefix []string
}

// NewDriver creates a Driver using the given exec command prefix
func NewDriver(prefix []string) *Driver {
	return &Driver{prefix: prefix}
}

// Run executes argv inside the given container, honoring the context
// deadline. A non-zero exit status is returned inside Result with a nil
// error.
func (d *Driver) Run(ctx context.Context, container string, argv []string) (Result, error) {
	contextLogger := log.FromContext(ctx).WithValues("container", container)

	full := make([]string, 0, len(d.prefix)+1+len(argv))
	full = append(full, d.prefix...)
	full = append(full, container)
	full = append(full, argv...)

	contextLogger.Debug("Running command", "command", shellquote.Join(full...))
	start := time.Now()

	cmdName := full[0]
	if len(argv) > 0 {
		cmdName = argv[0]
	}

	cmd := osexec.CommandContext(ctx, full[0], full[1:]...) // #nosec G204
	stdout, stderr, err := execlog.RunBufferingCapture(cmd, cmdName)
	result := Result{
		Stdout: stdout,
		Stderr: stderr,
	}

	if err != nil {
		if ctx.Err() != nil {
			contextLogger.Warning("Command abandoned on deadline",
				"command", shellquote.Join(argv...), "elapsed", time.Since(start).String())
			return result, fmt.Errorf("%w: %s", ErrDeadline, shellquote.Join(argv...))
		}

		var exitError *osexec.ExitError
		if errors.As(err, &exitError) {
			result.ExitCode = exitError.ExitCode()
			contextLogger.Debug("Command terminated",
				"command", shellquote.Join(argv...),
				"exitCode", result.ExitCode,
				"stderr", result.Stderr)
			return result, nil
		}

		return result, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	contextLogger.Debug("Command terminated",
		"command", shellquote.Join(argv...), "exitCode", 0,
		"elapsed", time.Since(start).String())
	return result, nil
}
