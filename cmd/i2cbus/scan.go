package main

import (
	"fmt"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/mklimuk/i2cbus"
	"github.com/mklimuk/i2cbus/cmd/i2cbus/console"
)

var scanCmd = cli.Command{
	Name:  "scan",
	Usage: "scan the bus for responding devices",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "start",
			Usage: "first address to probe",
			Value: fmt.Sprintf("%#02x", i2cbus.ScanStart),
		},
		&cli.StringFlag{
			Name:  "end",
			Usage: "last address to probe",
			Value: fmt.Sprintf("%#02x", i2cbus.ScanEnd),
		},
	},
	Action: func(c *cli.Context) error {
		start, err := parseAddr(c.String("start"))
		if err != nil {
			return console.Exit(1, "%v", err)
		}
		end, err := parseAddr(c.String("end"))
		if err != nil {
			return console.Exit(1, "%v", err)
		}
		ctx := console.SetVerbose(c.Context, c.Bool("verbose"))
		bus, err := openBus(ctx, c)
		if err != nil {
			return console.Exit(1, "%v", err)
		}
		defer func() { _ = bus.Deinitialize(ctx) }()
		console.PInfof(console.PictoProbe, "scanning %s to %s",
			console.White(fmt.Sprintf("%#02x", start)), console.White(fmt.Sprintf("%#02x", end)))
		found, err := bus.Scan(ctx, start, end)
		if err != nil {
			return console.Exit(1, "scan failed: %v", err)
		}
		if len(found) == 0 {
			console.Info("no devices found")
			return nil
		}
		addrs := make([]string, len(found))
		for i, addr := range found {
			addrs[i] = console.Green(fmt.Sprintf("%#02x", addr))
		}
		console.PInfof(console.PictoBus, "%d device(s): %s", len(found), strings.Join(addrs, " "))
		return nil
	},
}
