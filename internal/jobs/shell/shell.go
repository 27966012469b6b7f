// Package shell adapts an external command into a job function. The
// command's exit status decides the outcome; combined output is kept as
// the result or error text.
package shell

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"newsflow/internal/job"
)

const outputLimit = 500

// Job returns a cron job that runs command once per invocation.
func Job(command string, args ...string) job.Func {
	return func(ctx context.Context) job.Result {
		return run(ctx, command, args, nil)
	}
}

// StageJob returns a stage job that runs command with the claimed entity
// id exposed as NEWSFLOW_ENTITY_ID. The command may process the whole
// backlog; the id is advisory.
func StageJob(command string, args ...string) job.StageFunc {
	return func(ctx context.Context, entityID int64) job.Result {
		env := []string{"NEWSFLOW_ENTITY_ID=" + strconv.FormatInt(entityID, 10)}
		return run(ctx, command, args, env)
	}
}

func run(ctx context.Context, command string, args, extraEnv []string) job.Result {
	cmd := exec.CommandContext(ctx, command, args...)
	if len(extraEnv) > 0 {
		cmd.Env = append(cmd.Environ(), extraEnv...)
	}
	out, err := cmd.CombinedOutput()
	text := strings.TrimSpace(string(out))
	if len(text) > outputLimit {
		text = text[:outputLimit]
	}
	if err != nil {
		return job.Failed(fmt.Sprintf("%s: %v: %s", command, err, text))
	}
	if text == "" {
		text = "completed"
	}
	return job.Done(text)
}
