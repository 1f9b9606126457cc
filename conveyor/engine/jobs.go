package engine

import (
	"context"

	"tangled.sh/tangled.sh/conveyor/conveyor/models"
)

// RunLog receives what a job produces. Both methods report false once the
// run has terminated, after which the job must stop.
type RunLog interface {
	Append(line string) bool
	Collect(paths []string) bool
}

// JobRunner executes the commands of one job in order.
type JobRunner struct {
	Executor models.Executor
}

// Run stops at the first failing command and returns a
// *models.JobExecutionError naming it. Artifacts are only collected when
// every command succeeded.
func (j JobRunner) Run(ctx context.Context, runId string, p models.Pipeline, stage string, job models.Job, rl RunLog) error {
	if !rl.Append(jobLine(job.Name)) {
		return errCanceled
	}

	env := models.ConstructEnvs(p.Environment, job.Environment)

	for _, text := range job.Commands {
		if ctx.Err() != nil || !rl.Append(commandLine(text)) {
			return errCanceled
		}

		err := j.Executor.Execute(ctx, models.Command{
			RunId: runId,
			Stage: stage,
			Job:   job.Name,
			Text:  text,
			Env:   env,
		})

		// a result arriving after cancellation is discarded
		if ctx.Err() != nil {
			return errCanceled
		}
		if err != nil {
			return &models.JobExecutionError{Job: job.Name, Command: text, Err: err}
		}

		if !rl.Append(outputLine(text)) {
			return errCanceled
		}
	}

	if len(job.Artifacts) > 0 && !rl.Collect(job.Artifacts) {
		return errCanceled
	}

	return nil
}
