package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/mklimuk/i2cbus"
	"github.com/mklimuk/i2cbus/cmd/i2cbus/console"
)

func withDevice(c *cli.Context, addr uint16, fn func(ctx context.Context, dev *i2cbus.Device) error) error {
	ctx := console.SetVerbose(c.Context, c.Bool("verbose"))
	bus, err := openBus(ctx, c)
	if err != nil {
		return console.Exit(1, "%v", err)
	}
	defer func() { _ = bus.Deinitialize(ctx) }()
	id, err := bus.CreateDevice(ctx, i2cbus.DeviceConfig{Addr: addr})
	if err != nil {
		return console.Exit(1, "could not add device %#02x: %v", addr, err)
	}
	dev := bus.Device(id)
	if err = fn(ctx, dev); err != nil {
		return err
	}
	if c.Bool("stats") {
		stats, err := dev.Statistics()
		if err != nil {
			return console.Exit(1, "could not read statistics: %v", err)
		}
		enc := yaml.NewEncoder(os.Stdout)
		defer func() { _ = enc.Close() }()
		if err = enc.Encode(stats); err != nil {
			return console.Exit(1, "could not encode statistics: %v", err)
		}
	}
	return nil
}

var statsFlag = &cli.BoolFlag{
	Name:  "stats",
	Usage: "print transfer statistics after the operation",
}

var deviceReadCmd = cli.Command{
	Name:      "read",
	Usage:     "read registers from a device",
	ArgsUsage: "<address> <register> [count]",
	Flags:     []cli.Flag{statsFlag},
	Action: func(c *cli.Context) error {
		if c.NArg() < 2 {
			return console.Exit(1, "usage: i2cbus device read <address> <register> [count]")
		}
		addr, err := parseAddr(c.Args().Get(0))
		if err != nil {
			return console.Exit(1, "%v", err)
		}
		reg, err := parseAddr(c.Args().Get(1))
		if err != nil {
			return console.Exit(1, "%v", err)
		}
		count := 1
		if c.NArg() > 2 {
			count, err = strconv.Atoi(c.Args().Get(2))
			if err != nil {
				return console.Exit(1, "invalid count: %v", err)
			}
		}
		return withDevice(c, addr, func(ctx context.Context, dev *i2cbus.Device) error {
			data, err := dev.ReadRegisters(ctx, byte(reg), count, 0)
			if err != nil {
				return console.Exit(1, "read failed: %v", err)
			}
			console.Printf("%s", hex.Dump(data))
			return nil
		})
	},
}

var deviceWriteCmd = cli.Command{
	Name:      "write",
	Usage:     "write bytes to a device",
	ArgsUsage: "<address> <hex-bytes>",
	Flags:     []cli.Flag{statsFlag},
	Action: func(c *cli.Context) error {
		if c.NArg() < 2 {
			return console.Exit(1, "usage: i2cbus device write <address> <hex-bytes>")
		}
		addr, err := parseAddr(c.Args().Get(0))
		if err != nil {
			return console.Exit(1, "%v", err)
		}
		data, err := hex.DecodeString(c.Args().Get(1))
		if err != nil {
			return console.Exit(1, "invalid payload: %v", err)
		}
		return withDevice(c, addr, func(ctx context.Context, dev *i2cbus.Device) error {
			if err := dev.Write(ctx, data, 0); err != nil {
				return console.Exit(1, "write failed: %v", err)
			}
			console.PInfof(console.PictoFinish, "%d byte(s) written to %s",
				len(data), console.Green(fmt.Sprintf("%#02x", addr)))
			return nil
		})
	},
}

var deviceProbeCmd = cli.Command{
	Name:      "probe",
	Usage:     "check that a device responds and print its diagnostics",
	ArgsUsage: "<address>",
	Action: func(c *cli.Context) error {
		if c.NArg() < 1 {
			return console.Exit(1, "usage: i2cbus device probe <address>")
		}
		addr, err := parseAddr(c.Args().First())
		if err != nil {
			return console.Exit(1, "%v", err)
		}
		return withDevice(c, addr, func(ctx context.Context, dev *i2cbus.Device) error {
			if !dev.Probe(ctx) {
				return console.Exit(1, "no response from %#02x", addr)
			}
			diag, err := dev.Diagnostics()
			if err != nil {
				return console.Exit(1, "could not read diagnostics: %v", err)
			}
			enc := yaml.NewEncoder(os.Stdout)
			defer func() { _ = enc.Close() }()
			if err = enc.Encode(diag); err != nil {
				return console.Exit(1, "could not encode diagnostics: %v", err)
			}
			return nil
		})
	},
}

var deviceCmd = cli.Command{
	Name:    "device",
	Aliases: []string{"dev"},
	Usage:   "device level operations",
	Subcommands: []*cli.Command{
		&deviceReadCmd,
		&deviceWriteCmd,
		&deviceProbeCmd,
	},
}
