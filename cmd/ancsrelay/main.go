package main

/*
* ancsrelay: relays iPhone notifications and media controls to this
* machine and on to other accessories
 */

import (
	"fmt"
	"os"

	"github.com/urfave/cli"

	"github.com/user/ancsrelay/logger"
	"github.com/user/ancsrelay/util"
)

const (
	backendBluez = "bluez"
	backendWire  = "wire"
)

func main() {
	app := cli.NewApp()
	app.Name = "ancsrelay"
	app.Usage = "relay iPhone notifications (ANCS) and media controls (AMS) over Bluetooth LE"
	app.Version = "0.1.0"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "data-dir",
			Usage:  "Directory for settings and wire sockets",
			EnvVar: util.DataDirEnv,
		},
		cli.StringFlag{
			Name:   "log-level",
			Value:  "info",
			Usage:  "trace, debug, info, warn or error",
			EnvVar: "ANCSRELAY_LOG_LEVEL",
		},
		cli.StringFlag{
			Name:   "backend",
			Value:  backendBluez,
			Usage:  "Bluetooth backend: bluez (system adapter) or wire (local socket bus)",
			EnvVar: "ANCSRELAY_BACKEND",
		},
	}
	app.Before = func(c *cli.Context) error {
		if dir := c.String("data-dir"); dir != "" {
			os.Setenv(util.DataDirEnv, dir)
		}
		logger.SetLevel(logger.ParseLevel(c.String("log-level")))
		switch c.String("backend") {
		case backendBluez, backendWire:
			return nil
		}
		return cli.NewExitError(fmt.Sprintf("unknown backend %q", c.String("backend")), 2)
	}
	app.Commands = []cli.Command{
		cli.Command{
			Name:   "run",
			Usage:  "Stay connected to the configured phone, show its notifications and serve them to accessories",
			Action: runCommand,
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:   "status-addr",
					Value:  "127.0.0.1:8457",
					Usage:  "Listen address of the status websocket",
					EnvVar: "ANCSRELAY_STATUS_ADDR",
				},
				cli.StringSliceFlag{
					Name:  "bond",
					Usage: "Accessory address allowed to use the notification server (repeatable)",
				},
				cli.BoolFlag{
					Name:  "bond-all",
					Usage: "Let every accessory use the notification server",
				},
			},
		},
		cli.Command{
			Name:      "setup",
			Usage:     "Connect to a phone once, enable notifications and remember it",
			ArgsUsage: "<address>",
			Action:    setupCommand,
		},
		cli.Command{
			Name:   "forget",
			Usage:  "Forget the configured phone",
			Action: forgetCommand,
		},
		cli.Command{
			Name:   "simulate",
			Usage:  "Run a simulated phone on the wire bus posting scripted notifications",
			Action: simulateCommand,
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "address",
					Value: "phone",
					Usage: "Wire address of the simulated phone",
				},
				cli.StringFlag{
					Name:  "name",
					Value: "Simulated iPhone",
					Usage: "Advertised name",
				},
				cli.DurationFlag{
					Name:  "interval",
					Value: defaultInterval,
					Usage: "Time between scripted events",
				},
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
