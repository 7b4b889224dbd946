package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/urfave/cli/v2"
	"gobot.io/x/gobot/v2/platforms/friendlyelec/nanopi"
	"gopkg.in/yaml.v3"

	"github.com/mklimuk/i2cbus"
	"github.com/mklimuk/i2cbus/adapter"
	"github.com/mklimuk/i2cbus/cmd/i2cbus/console"
)

func busConfig(c *cli.Context) (i2cbus.BusConfig, error) {
	var cfg i2cbus.BusConfig
	if path := c.String("config"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("could not read config file: %w", err)
		}
		if err = yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("could not parse config file: %w", err)
		}
	}
	if c.String("bus") != "" {
		cfg.Name = c.String("bus")
	}
	if c.Int("port") != 0 {
		cfg.Port = c.Int("port")
	}
	return cfg, nil
}

func busMaster(c *cli.Context) (i2cbus.Master, error) {
	switch c.String("adapter") {
	case "sim":
		sim := i2cbus.NewSim()
		for _, raw := range c.StringSlice("emulate") {
			addr, err := parseAddr(raw)
			if err != nil {
				return nil, err
			}
			sim.AddEndpoint(addr)
		}
		return sim, nil
	case "mcp2221":
		return adapter.NewMCP2221(), nil
	case "nanopi":
		npi := nanopi.NewNeoAdaptor()
		master := adapter.NewGobot(npi)
		master.Connect = npi.I2cBusAdaptor.Connect
		master.Finalize = npi.I2cBusAdaptor.Finalize
		return master, nil
	case "periph", "":
		return adapter.NewPeriph(), nil
	default:
		return nil, fmt.Errorf("unknown adapter %q", c.String("adapter"))
	}
}

// openBus builds the selected master and brings the bus up. Callers
// deinitialize through the returned bus.
func openBus(ctx context.Context, c *cli.Context) (*i2cbus.Bus, error) {
	cfg, err := busConfig(c)
	if err != nil {
		return nil, err
	}
	master, err := busMaster(c)
	if err != nil {
		return nil, err
	}
	bus := i2cbus.New(master, cfg)
	if err = bus.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("could not initialize bus: %w", err)
	}
	return bus, nil
}

func parseAddr(raw string) (uint16, error) {
	addr, err := strconv.ParseUint(raw, 0, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q: %w", raw, err)
	}
	return uint16(addr), nil
}

var busProbeCmd = cli.Command{
	Name:      "probe",
	Usage:     "probe an address for a responding device",
	ArgsUsage: "<address>",
	Action: func(c *cli.Context) error {
		if c.NArg() < 1 {
			return console.Exit(1, "usage: i2cbus bus probe <address>")
		}
		addr, err := parseAddr(c.Args().First())
		if err != nil {
			return console.Exit(1, "%v", err)
		}
		ctx := console.SetVerbose(c.Context, c.Bool("verbose"))
		bus, err := openBus(ctx, c)
		if err != nil {
			return console.Exit(1, "%v", err)
		}
		defer func() { _ = bus.Deinitialize(ctx) }()
		if bus.Probe(ctx, addr) {
			console.PInfof(console.PictoProbe, "device at %s responded", console.Green(fmt.Sprintf("%#02x", addr)))
			return nil
		}
		console.PInfof(console.PictoStop, "no response from %s", console.Red(fmt.Sprintf("%#02x", addr)))
		return console.Exit(1, "probe failed")
	},
}

var busResetCmd = cli.Command{
	Name:  "reset",
	Usage: "recover a stuck bus",
	Action: func(c *cli.Context) error {
		answer, err := console.YesOrNo("reset the bus? ongoing transfers will be aborted")
		if err != nil {
			return console.Exit(1, "%v", err)
		}
		if answer != console.Yes {
			return nil
		}
		ctx := console.SetVerbose(c.Context, c.Bool("verbose"))
		bus, err := openBus(ctx, c)
		if err != nil {
			return console.Exit(1, "%v", err)
		}
		defer func() { _ = bus.Deinitialize(ctx) }()
		if err = bus.Reset(ctx); err != nil {
			return console.Exit(1, "bus reset failed: %v", err)
		}
		console.PInfof(console.PictoFinish, "bus reset done")
		return nil
	},
}

var busInfoCmd = cli.Command{
	Name:  "info",
	Usage: "print bus state and counters",
	Action: func(c *cli.Context) error {
		ctx := console.SetVerbose(c.Context, c.Bool("verbose"))
		bus, err := openBus(ctx, c)
		if err != nil {
			return console.Exit(1, "%v", err)
		}
		defer func() { _ = bus.Deinitialize(ctx) }()
		enc := yaml.NewEncoder(os.Stdout)
		defer func() { _ = enc.Close() }()
		if err = enc.Encode(bus.Info()); err != nil {
			return console.Exit(1, "could not encode bus info: %v", err)
		}
		return nil
	},
}

var busStatusCmd = cli.Command{
	Name:  "status",
	Usage: "print the MCP2221 bridge status report",
	Action: func(c *cli.Context) error {
		cfg, err := busConfig(c)
		if err != nil {
			return console.Exit(1, "%v", err)
		}
		port, err := adapter.NewMCP2221().Open(c.Context, cfg)
		if err != nil {
			return console.Exit(1, "could not open bridge: %v", err)
		}
		defer func() { _ = port.Close(c.Context) }()
		mcp, ok := port.(*adapter.MCP2221Port)
		if !ok {
			return console.Exit(1, "unexpected port type")
		}
		status, err := mcp.Status(c.Context)
		if err != nil {
			return console.Exit(1, "status request failed: %v", err)
		}
		enc := yaml.NewEncoder(os.Stdout)
		defer func() { _ = enc.Close() }()
		if err = enc.Encode(status); err != nil {
			return console.Exit(1, "could not encode status: %v", err)
		}
		return nil
	},
}

var busCmd = cli.Command{
	Name:  "bus",
	Usage: "bus level operations",
	Subcommands: []*cli.Command{
		&busProbeCmd,
		&busResetCmd,
		&busInfoCmd,
		&busStatusCmd,
	},
}
