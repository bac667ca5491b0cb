package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/nugget/astarte-agent/internal/apperr"
	"github.com/nugget/astarte-agent/internal/sandbox"
)

// pythonCallGrace covers workspace setup, process kill and cleanup on
// top of the longest allowed run.
const pythonCallGrace = sandbox.KillGrace + 10*time.Second

// Sessions allocates execution workspaces.
type Sessions interface {
	With(ctx context.Context, requestID string, fn func(*sandbox.Session) error) error
}

// CodeRunner executes code inside a session workspace.
type CodeRunner interface {
	Run(ctx context.Context, s *sandbox.Session, req sandbox.Request) (*sandbox.Result, error)
	Limits() (def, limit time.Duration)
}

type runPythonArgs struct {
	Code        string            `json:"code" validate:"required"`
	TimeoutSecs int               `json:"timeout_secs" validate:"gte=0"`
	InputFiles  map[string]string `json:"input_files" validate:"max=20"`
}

// RegisterPythonTool adds run_python. Every invocation gets its own
// workspace, released when the run ends however it ends. The call
// deadline outlasts the runner's maximum so a script that runs out of
// time still reports its exit code and partial output.
func RegisterPythonTool(r *Registry, sessions Sessions, runner CodeRunner) {
	def, maxTimeout := runner.Limits()
	maxSecs := int(maxTimeout / time.Second)

	r.Register(&Tool{
		Name: "run_python",
		Description: "Run a Python 3 script in an isolated sandbox with no network access. " +
			"Print results to stdout. Files written to the working directory are listed in the result. " +
			"Each call starts from an empty directory.",
		Parameters: schema(map[string]any{
			"code": prop("string", "Python source to execute."),
			"timeout_secs": prop("integer", fmt.Sprintf("Wall-clock limit in seconds (default %d, max %d).",
				int(def/time.Second), maxSecs)),
			"input_files": map[string]any{
				"type":                 "object",
				"description":          "Files to place in the working directory before the script runs: name to text content.",
				"additionalProperties": map[string]any{"type": "string"},
			},
		}, "code"),
		Timeout: maxTimeout + pythonCallGrace,
		Handler: Typed(func(ctx context.Context, in runPythonArgs) (string, error) {
			if in.TimeoutSecs > maxSecs {
				return "", apperr.Invalid("timeout_secs", "must be at most %d, got %d", maxSecs, in.TimeoutSecs)
			}
			var res *sandbox.Result
			err := sessions.With(ctx, CallFrom(ctx).RequestID, func(s *sandbox.Session) error {
				var runErr error
				res, runErr = runner.Run(ctx, s, sandbox.Request{
					Code:       in.Code,
					Timeout:    time.Duration(in.TimeoutSecs) * time.Second,
					InputFiles: in.InputFiles,
				})
				return runErr
			})
			if err != nil {
				return "", err
			}
			return jsonResult(res)
		}),
	})
}
