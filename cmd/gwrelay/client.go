package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/geoweaver/gwrelay/delivery"
	"github.com/geoweaver/gwrelay/relay"
	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

var serverFlag = &cli.StringFlag{
	Name:    "server",
	Usage:   "The base URL of the relay server.",
	Value:   "http://127.0.0.1:8080",
	EnvVars: []string{"GWRELAY_SERVER"},
}

var clientTLSDirFlag = &cli.StringFlag{
	Name:    "tls-dir",
	Usage:   "Use mutual TLS with the CA and client certificates in this directory.",
	EnvVars: []string{"GWRELAY_TLS_DIR"},
}

func newClient(c *cli.Context) (*relay.Client, error) {
	l, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	var opts []relay.ClientOption
	if dir := c.String("tls-dir"); dir != "" {
		certs, err := relay.ReadCertsDir(dir)
		if err != nil {
			return nil, err
		}
		tlsConfig, err := certs.ClientTLSConfig()
		if err != nil {
			return nil, fmt.Errorf("building client TLS config: %w", err)
		}
		opts = append(opts, relay.WithClientTLSConfig(tlsConfig))
	}
	return relay.NewClient(l.Sugar(), c.String("server"), opts...), nil
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "run a command on the relay server and print its output",
		ArgsUsage: "COMMAND [ARG...]",
		Flags: []cli.Flag{
			serverFlag,
			clientTLSDirFlag,
			&cli.StringFlag{
				Name:  "token",
				Usage: "The session token to stream to. Defaults to a random one.",
			},
			&cli.StringFlag{Name: "process", Usage: "The process the run belongs to."},
			&cli.StringFlag{Name: "host", Usage: "The host the run is recorded for.", Value: "localhost"},
			&cli.BoolFlag{Name: "poll", Usage: "Poll for output instead of using a WebSocket."},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() == 0 {
				return errors.New("no command given")
			}
			client, err := newClient(c)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			token := c.String("token")
			if token == "" {
				token = uuid.NewString()
			}
			req := relay.RunRequest{
				Command:    c.Args().First(),
				Args:       c.Args().Tail(),
				Token:      token,
				ProcessRef: c.String("process"),
				HostRef:    c.String("host"),
			}
			if c.Bool("poll") {
				return runPolling(ctx, client, req)
			}
			return runWatching(ctx, client, req)
		},
	}
}

func printMessage(id string, m relay.Message) bool {
	if m.RecordID != id {
		return true
	}
	fmt.Println(m.Payload)
	return m.Payload != delivery.Ended(id)
}

// runWatching attaches before starting the run so that no output goes to the poll queue.
func runWatching(ctx context.Context, client *relay.Client, req relay.RunRequest) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ids := make(chan string, 1)
	watchErr := make(chan error, 1)
	go func() {
		id := ""
		watchErr <- client.Watch(ctx, req.Token, func(m relay.Message) bool {
			if id == "" {
				select {
				case id = <-ids:
				case <-ctx.Done():
					return false
				}
			}
			return printMessage(id, m)
		})
	}()

	// give the WebSocket a moment to attach before the run starts
	time.Sleep(200 * time.Millisecond)
	id, err := client.Run(ctx, req)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "started %s\n", id)
	ids <- id

	err = <-watchErr
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func runPolling(ctx context.Context, client *relay.Client, req relay.RunRequest) error {
	id, err := client.Run(ctx, req)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "started %s\n", id)
	for {
		msgs, err := client.Poll(ctx, req.Token, 10*time.Second)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			if !printMessage(id, m) {
				return nil
			}
		}
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func heartbeatCommand() *cli.Command {
	return &cli.Command{
		Name:  "heartbeat",
		Usage: "check that a server is up and show its poll queue drops",
		Flags: []cli.Flag{serverFlag, clientTLSDirFlag},
		Action: func(c *cli.Context) error {
			client, err := newClient(c)
			if err != nil {
				return err
			}
			resp, err := client.Heartbeat(c.Context)
			if err != nil {
				return err
			}
			return printJSON(resp)
		},
	}
}

func historyCommand() *cli.Command {
	idArg := func(c *cli.Context) (string, error) {
		if c.NArg() != 1 {
			return "", errors.New("expected exactly one argument")
		}
		return c.Args().First(), nil
	}
	return &cli.Command{
		Name:  "history",
		Usage: "inspect and manage history records",
		Flags: []cli.Flag{serverFlag, clientTLSDirFlag},
		Subcommands: []*cli.Command{
			{
				Name:      "get",
				Usage:     "print a record",
				ArgsUsage: "ID",
				Action: func(c *cli.Context) error {
					id, err := idArg(c)
					if err != nil {
						return err
					}
					client, err := newClient(c)
					if err != nil {
						return err
					}
					r, err := client.History(c.Context, id)
					if err != nil {
						return err
					}
					return printJSON(r)
				},
			},
			{
				Name:      "list",
				Usage:     "print the newest records of a host",
				ArgsUsage: "HOST",
				Flags:     []cli.Flag{&cli.IntFlag{Name: "limit", Value: 20}},
				Action: func(c *cli.Context) error {
					host, err := idArg(c)
					if err != nil {
						return err
					}
					client, err := newClient(c)
					if err != nil {
						return err
					}
					recs, err := client.RecentByHost(c.Context, host, c.Int("limit"))
					if err != nil {
						return err
					}
					return printJSON(recs)
				},
			},
			{
				Name:      "notes",
				Usage:     "replace the notes of a record",
				ArgsUsage: "ID NOTES",
				Action: func(c *cli.Context) error {
					if c.NArg() != 2 {
						return errors.New("expected an id and the notes")
					}
					client, err := newClient(c)
					if err != nil {
						return err
					}
					return client.UpdateNotes(c.Context, c.Args().Get(0), c.Args().Get(1))
				},
			},
			{
				Name:      "stop",
				Usage:     "stop a running process",
				ArgsUsage: "ID",
				Action: func(c *cli.Context) error {
					id, err := idArg(c)
					if err != nil {
						return err
					}
					client, err := newClient(c)
					if err != nil {
						return err
					}
					return client.Stop(c.Context, id)
				},
			},
			{
				Name:      "skip",
				Usage:     "record a process run as skipped",
				ArgsUsage: "ID",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "process", Required: true},
					&cli.StringFlag{Name: "host", Value: "localhost"},
				},
				Action: func(c *cli.Context) error {
					id, err := idArg(c)
					if err != nil {
						return err
					}
					client, err := newClient(c)
					if err != nil {
						return err
					}
					return client.SaveSkipped(c.Context, id, c.String("process"), c.String("host"))
				},
			},
			{
				Name:      "delete",
				Usage:     "delete a record",
				ArgsUsage: "ID",
				Action: func(c *cli.Context) error {
					id, err := idArg(c)
					if err != nil {
						return err
					}
					client, err := newClient(c)
					if err != nil {
						return err
					}
					return client.Delete(c.Context, id)
				},
			},
			{
				Name:      "purge",
				Usage:     "delete the recent records of a host",
				ArgsUsage: "HOST",
				Flags:     []cli.Flag{&cli.BoolFlag{Name: "keep-notes", Usage: "Keep records that have notes."}},
				Action: func(c *cli.Context) error {
					host, err := idArg(c)
					if err != nil {
						return err
					}
					client, err := newClient(c)
					if err != nil {
						return err
					}
					ids, err := client.DeleteByHost(c.Context, host, c.Bool("keep-notes"))
					if err != nil {
						return err
					}
					return printJSON(ids)
				},
			},
			{
				Name:      "process",
				Usage:     "list the records of a process",
				ArgsUsage: "PROCESS",
				Flags:     []cli.Flag{&cli.BoolFlag{Name: "ignore-skipped", Usage: "Leave out Skipped and Unknown records."}},
				Action: func(c *cli.Context) error {
					process, err := idArg(c)
					if err != nil {
						return err
					}
					client, err := newClient(c)
					if err != nil {
						return err
					}
					recs, err := client.ProcessHistory(c.Context, process, c.Bool("ignore-skipped"))
					if err != nil {
						return err
					}
					return printJSON(recs)
				},
			},
			{
				Name:      "delete-failed",
				Usage:     "delete the failed records of a process",
				ArgsUsage: "PROCESS",
				Action: func(c *cli.Context) error {
					process, err := idArg(c)
					if err != nil {
						return err
					}
					client, err := newClient(c)
					if err != nil {
						return err
					}
					ids, err := client.DeleteFailed(c.Context, process)
					if err != nil {
						return err
					}
					return printJSON(ids)
				},
			},
		},
	}
}
