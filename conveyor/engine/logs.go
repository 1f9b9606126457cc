package engine

import (
	"fmt"
	"strings"

	"tangled.sh/tangled.sh/conveyor/conveyor/models"
)

const (
	completeLine = "[Complete] Pipeline executed successfully"
	canceledLine = "[Canceled] Pipeline run was canceled"
)

func triggerLine(t models.TriggerPayload) string {
	if t.Actor == "" {
		return fmt.Sprintf("[Trigger] %s", t.Kind)
	}
	return fmt.Sprintf("[Trigger] %s by %s", t.Kind, t.Actor)
}

func stageLine(stage string) string {
	return "[Stage] " + stage
}

func skippedLine(condition string) string {
	return "[Skipped] Condition not met: " + condition
}

func jobLine(job string) string {
	return "[Job] " + job
}

func commandLine(cmd string) string {
	return "$ " + cmd
}

func outputLine(cmd string) string {
	return "[Output] Command executed: " + cmd
}

func artifactsLine(paths []string) string {
	return "[Artifacts] Collected: " + strings.Join(paths, ", ")
}

func jobFailedLine(err error) string {
	return "[Error] Job failed: " + err.Error()
}

func faultLine(err error) string {
	return "[Error] Pipeline faulted: " + err.Error()
}
