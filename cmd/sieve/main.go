// sieve runs the search gateway and workers, and talks to a running gateway
// from the command line.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:  "sieve",
		Usage: "cancel-aware search dispatch over Redis",
		Commands: []*cli.Command{
			{
				Name:   "gateway",
				Usage:  "serve the HTTP API and dispatch searches to workers",
				Flags:  append(runtimeFlags(), gatewayFlags()...),
				Action: gatewayAction,
			},
			{
				Name:   "worker",
				Usage:  "consume search tasks and drive the engine",
				Flags:  append(runtimeFlags(), workerFlags()...),
				Action: workerAction,
			},
			{
				Name:      "search",
				Usage:     "run a synchronous search through the gateway",
				ArgsUsage: "<query>",
				Flags: append(clientFlags(),
					&cli.DurationFlag{
						Name:  "timeout",
						Usage: "deadline for the search (gateway default when unset)",
					},
				),
				Action: searchAction,
			},
			{
				Name:  "job",
				Usage: "manage asynchronous search jobs",
				Commands: []*cli.Command{
					{
						Name:      "submit",
						Usage:     "queue a search job",
						ArgsUsage: "<query>",
						Flags: append(clientFlags(),
							&cli.BoolFlag{
								Name:  "wait",
								Usage: "poll until the job finishes and print it",
							},
						),
						Action: jobSubmitAction,
					},
					{
						Name:      "get",
						Usage:     "show a job",
						ArgsUsage: "<job-id>",
						Flags:     clientFlags(),
						Action:    jobGetAction,
					},
					{
						Name:      "cancel",
						Usage:     "cancel a queued or running job",
						ArgsUsage: "<job-id>",
						Flags:     clientFlags(),
						Action:    jobCancelAction,
					},
					{
						Name:  "list",
						Usage: "list jobs, newest first",
						Flags: append(clientFlags(),
							&cli.IntFlag{Name: "limit", Value: 20, Usage: "page size"},
							&cli.IntFlag{Name: "offset", Usage: "page offset"},
						),
						Action: jobListAction,
					},
				},
			},
		},
	}
}
