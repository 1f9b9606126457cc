package ctl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"
	"tangled.sh/tangled.sh/conveyor/conveyor/models"
	"tangled.sh/tangled.sh/conveyor/log"
	"tangled.sh/tangled.sh/conveyor/workflow"
)

func serverFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "server",
		Usage:   "conveyor server endpoint",
		Value:   "http://localhost:6565",
		Sources: cli.EnvVars("CONVEYOR_URL"),
	}
}

var errInvalid = errors.New("definitions have errors")

func Commands() []*cli.Command {
	return []*cli.Command{
		validateCommand(),
		exportCommand(),
		triggerCommand(),
		runsCommand(),
		cancelCommand(),
		cleanupCommand(),
	}
}

func validateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Usage:     "check pipeline definition files",
		ArgsUsage: "[file...]",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:    "file",
				Aliases: []string{"f"},
				Usage:   "definition file, may be repeated",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			files := append(cmd.StringSlice("file"), cmd.Args().Slice()...)
			if len(files) == 0 {
				return errors.New("no definition files given")
			}

			c, pipelines, err := compile(files)
			if err != nil {
				return err
			}
			return report(cmd.Root().Writer, c.Diagnostics, len(pipelines))
		},
	}
}

func compile(files []string) (*workflow.Compiler, []models.Pipeline, error) {
	raw := make([]workflow.RawDefinition, 0, len(files))
	for _, f := range files {
		contents, err := os.ReadFile(f)
		if err != nil {
			return nil, nil, err
		}
		raw = append(raw, workflow.RawDefinition{Name: f, Contents: contents})
	}

	var c workflow.Compiler
	pipelines := c.Compile(raw)
	return &c, pipelines, nil
}

func report(w io.Writer, diags workflow.Diagnostics, ok int) error {
	for _, e := range diags.Errors {
		fmt.Fprintln(w, e.String())
	}
	for _, warning := range diags.Warnings {
		fmt.Fprintln(w, warning.String())
	}
	if diags.IsErr() {
		return errInvalid
	}
	fmt.Fprintf(w, "%d %s ok\n", ok, plural(ok, "definition", "definitions"))
	return nil
}

func exportCommand() *cli.Command {
	return &cli.Command{
		Name:      "export",
		Usage:     "print the GitHub Actions workflow for a pipeline",
		ArgsUsage: "<pipeline-id>",
		Flags: []cli.Flag{
			serverFlag(),
			&cli.StringFlag{
				Name:    "file",
				Aliases: []string{"f"},
				Usage:   "export a local definition file instead of a registered pipeline",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			out := cmd.Root().Writer
			l := log.FromContext(ctx)

			if f := cmd.String("file"); f != "" {
				c, pipelines, err := compile([]string{f})
				if err != nil {
					return err
				}
				if c.Diagnostics.IsErr() {
					return report(cmd.Root().ErrWriter, c.Diagnostics, 0)
				}

				gw, diags := workflow.DefaultExporter.Export(pipelines[0])
				for _, warning := range diags.Warnings {
					l.Warn(warning.String())
				}
				data, err := gw.Marshal()
				if err != nil {
					return err
				}
				_, err = out.Write(data)
				return err
			}

			id := cmd.Args().First()
			if id == "" {
				return errors.New("pipeline id or --file is required")
			}

			var data []byte
			if err := NewClient(cmd.String("server")).do(ctx, http.MethodGet, "/pipelines/"+url.PathEscape(id)+"/export", nil, &data); err != nil {
				return err
			}
			_, err := out.Write(data)
			return err
		},
	}
}

func triggerCommand() *cli.Command {
	return &cli.Command{
		Name:      "trigger",
		Usage:     "start a run of a registered pipeline",
		ArgsUsage: "<pipeline-id>",
		Flags: []cli.Flag{
			serverFlag(),
			&cli.StringFlag{Name: "kind", Usage: "trigger kind, defaults to the pipeline's"},
			&cli.StringFlag{Name: "ref", Usage: "git ref the run is for"},
			&cli.StringFlag{Name: "actor", Usage: "who started the run", Sources: cli.EnvVars("USER")},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			id := cmd.Args().First()
			if id == "" {
				return errors.New("pipeline id is required")
			}

			payload := models.TriggerPayload{
				Kind:  models.TriggerKind(cmd.String("kind")),
				Ref:   cmd.String("ref"),
				Actor: cmd.String("actor"),
			}

			var run models.Run
			if err := NewClient(cmd.String("server")).do(ctx, http.MethodPost, "/pipelines/"+url.PathEscape(id)+"/runs", payload, &run); err != nil {
				return err
			}
			fmt.Fprintln(cmd.Root().Writer, run.Id)
			return nil
		},
	}
}

func runsCommand() *cli.Command {
	return &cli.Command{
		Name:  "runs",
		Usage: "list recent runs of a pipeline",
		Flags: []cli.Flag{
			serverFlag(),
			&cli.StringFlag{
				Name:     "pipeline",
				Aliases:  []string{"p"},
				Usage:    "pipeline id",
				Required: true,
			},
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Usage:   "number of runs to show",
				Value:   10,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			path := fmt.Sprintf("/pipelines/%s/runs?limit=%d", url.PathEscape(cmd.String("pipeline")), int(cmd.Int("limit")))

			var runs []*models.Run
			if err := NewClient(cmd.String("server")).do(ctx, http.MethodGet, path, nil, &runs); err != nil {
				return err
			}

			printRuns(cmd.Root().Writer, runs, time.Now())
			return nil
		},
	}
}

func printRuns(w io.Writer, runs []*models.Run, now time.Time) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tTRIGGER\tSTARTED\tDURATION\tLOGS")
	for _, r := range runs {
		duration := "-"
		if r.CompletedAt != nil {
			duration = r.CompletedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.Id,
			r.Status,
			r.Trigger.Kind,
			humanize.RelTime(r.StartedAt, now, "ago", "from now"),
			duration,
			humanize.Comma(int64(len(r.Logs))),
		)
	}
	tw.Flush()
}

func cancelCommand() *cli.Command {
	return &cli.Command{
		Name:      "cancel",
		Usage:     "cancel an active run",
		ArgsUsage: "<run-id>",
		Flags:     []cli.Flag{serverFlag()},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			id := cmd.Args().First()
			if id == "" {
				return errors.New("run id is required")
			}

			var run models.Run
			if err := NewClient(cmd.String("server")).do(ctx, http.MethodPost, "/runs/"+url.PathEscape(id)+"/cancel", nil, &run); err != nil {
				return err
			}
			fmt.Fprintf(cmd.Root().Writer, "%s %s\n", run.Id, run.Status)
			return nil
		},
	}
}

func cleanupCommand() *cli.Command {
	return &cli.Command{
		Name:  "cleanup",
		Usage: "delete finished runs older than a number of days",
		Flags: []cli.Flag{
			serverFlag(),
			&cli.IntFlag{
				Name:  "days",
				Usage: "retention in days, the server's default when unset",
				Value: -1,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			path := "/cleanup"
			if days := int(cmd.Int("days")); days >= 0 {
				path += "?days=" + strconv.Itoa(days)
			}

			var resp struct {
				Deleted int `json:"deleted"`
			}
			if err := NewClient(cmd.String("server")).do(ctx, http.MethodPost, path, nil, &resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.Root().Writer, "deleted %s %s\n", humanize.Comma(int64(resp.Deleted)), plural(resp.Deleted, "run", "runs"))
			return nil
		},
	}
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
