package main

import (
	"log"
	"os"

	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "gwrelay",
		Usage: "streams the output of running processes to viewers and keeps their history",
		Commands: []*cli.Command{
			serveCommand(),
			runCommand(),
			historyCommand(),
			heartbeatCommand(),
			certsCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
