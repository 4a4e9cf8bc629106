package main

import (
	"fmt"

	"github.com/geoweaver/gwrelay/relay"
	"github.com/urfave/cli/v2"
)

func certsCommand() *cli.Command {
	return &cli.Command{
		Name:  "certs",
		Usage: "generate a CA and server and client certificates for mutual TLS",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "dir",
				Usage:    "The directory to write the certificates to.",
				Required: true,
			},
			&cli.StringSliceFlag{
				Name:  "host",
				Usage: "A DNS name or IP address the server certificate is valid for. Can be repeated.",
				Value: cli.NewStringSlice("localhost", "127.0.0.1"),
			},
		},
		Action: func(c *cli.Context) error {
			certs, err := relay.GenerateCerts(c.StringSlice("host")...)
			if err != nil {
				return fmt.Errorf("generating certs: %w", err)
			}
			err = certs.WriteDir(c.String("dir"))
			if err != nil {
				return err
			}
			fmt.Printf("wrote certificates to %s\n", c.String("dir"))
			return nil
		},
	}
}
