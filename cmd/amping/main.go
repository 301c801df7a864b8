// Command amping measures active message round trips over the loopback or
// tcp transport.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

const (
	configArg  = "config"
	levelArg   = "log-level"
	sizeArg    = "size"
	countArg   = "count"
	protoArg   = "proto"
	addressArg = "address"
)

var pingFlags = []cli.Flag{
	&cli.IntFlag{
		Name:    sizeArg,
		Aliases: []string{"s"},
		Usage:   "payload size in bytes",
		Value:   1024,
	},
	&cli.IntFlag{
		Name:    countArg,
		Aliases: []string{"n"},
		Usage:   "number of round trips",
		Value:   10,
	},
	&cli.StringFlag{
		Name:  protoArg,
		Usage: "protocol hint: auto, eager or rndv",
		Value: "auto",
	},
}

func main() {
	app := cli.NewApp()
	app.Name = "amping"
	app.Usage = "Active message ping-pong over loopback or tcp"
	app.Description = app.Usage

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:      configArg,
			Aliases:   []string{"c"},
			Usage:     "path to a yaml or json config file; watched for changes",
			TakesFile: true,
		},
		&cli.StringFlag{
			Name:  levelArg,
			Usage: "override the configured log level",
		},
	}

	app.Commands = []*cli.Command{
		{
			Name:   "local",
			Usage:  "ping-pong between two in-process workers on the loopback fabric",
			Flags:  pingFlags,
			Action: localAction,
		},
		{
			Name:   "serve",
			Usage:  "answer pings on the configured tcp address",
			Action: serveAction,
		},
		{
			Name:  "ping",
			Usage: "send pings to a tcp server",
			Flags: append([]cli.Flag{
				&cli.StringFlag{
					Name:    addressArg,
					Aliases: []string{"a"},
					Usage:   "server host:port; defaults to the configured transport address",
				},
			}, pingFlags...),
			Action: pingAction,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
