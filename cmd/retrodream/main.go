// Command retrodream is the thin CLI harness around pkg/jit: load a
// flat guest binary into RAM at address 0 and either step it block by
// block printing one row of dispatch counters per block (disasm), run it for a fixed number of blocks and report
// dispatcher/cache/fault counters (stats), or step it one block at a
// time under an interactive prompt (repl). None of config loading,
// rendering, or audio glue lives here — see SPEC_FULL.md 11/14.
package main

import (
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/peterh/liner"
	"gopkg.in/urfave/cli.v1"

	"github.com/slaminger/retrodream/pkg/addrspace"
	"github.com/slaminger/retrodream/pkg/config"
	"github.com/slaminger/retrodream/pkg/diag"
	"github.com/slaminger/retrodream/pkg/jit"
)

var logLevelFlag = cli.StringFlag{
	Name:  "loglevel",
	Usage: "debug, info, warn, error",
	Value: "info",
}

var blocksFlag = cli.IntFlag{
	Name:  "blocks",
	Usage: "number of blocks to dispatch before reporting",
	Value: 100,
}

func main() {
	app := cli.NewApp()
	app.Name = "retrodream"
	app.Usage = "dynamic binary translation core: disassemble, run, inspect a guest image"
	app.Commands = []cli.Command{
		disasmCommand,
		statsCommand,
		replCommand,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func parseLevel(s string) diag.Level {
	switch s {
	case "debug":
		return diag.LevelDebug
	case "warn":
		return diag.LevelWarn
	case "error":
		return diag.LevelError
	default:
		return diag.LevelInfo
	}
}

func loadCore(path string, cfg config.Config) (*jit.Core, error) {
	image, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("retrodream: reading %s: %w", path, err)
	}
	space, err := addrspace.New()
	if err != nil {
		return nil, fmt.Errorf("retrodream: %w", err)
	}
	if err := space.MapRAM(0, uint32(len(image)), image, true); err != nil {
		return nil, fmt.Errorf("retrodream: mapping guest image: %w", err)
	}
	core, err := jit.New(space, cfg.JITConfig())
	if err != nil {
		return nil, fmt.Errorf("retrodream: %w", err)
	}
	return core, nil
}

var disasmCommand = cli.Command{
	Name:      "disasm",
	Usage:     "decode and run the image block by block, printing each dispatch",
	ArgsUsage: "<image>",
	Flags:     []cli.Flag{logLevelFlag, blocksFlag},
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return fmt.Errorf("disasm: expected exactly one <image> argument")
		}
		logger := diag.New(os.Stderr, parseLevel(c.String("loglevel")))
		cfg := config.New(config.WithLogLevel(parseLevel(c.String("loglevel"))))
		core, err := loadCore(c.Args()[0], cfg)
		if err != nil {
			return err
		}
		defer core.Close()

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"#", "pc", "blocks compiled", "native", "interp"})
		for i := 0; i < c.Int("blocks"); i++ {
			pc := core.Ctx.PC
			if err := core.Step(); err != nil {
				logger.Error("step failed", "pc", fmt.Sprintf("%#x", pc), "err", err)
				break
			}
			st := core.Stats()
			table.Append([]string{
				fmt.Sprintf("%d", i),
				fmt.Sprintf("%#08x", pc),
				fmt.Sprintf("%d", st.BlocksCompiled),
				fmt.Sprintf("%d", st.NativeDispatches),
				fmt.Sprintf("%d", st.InterpDispatches),
			})
		}
		table.Render()
		return nil
	},
}

var statsCommand = cli.Command{
	Name:      "stats",
	Usage:     "run the image for a fixed number of blocks and report dispatcher/cache/fault counters",
	ArgsUsage: "<image>",
	Flags:     []cli.Flag{logLevelFlag, blocksFlag},
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return fmt.Errorf("stats: expected exactly one <image> argument")
		}
		cfg := config.New(config.WithLogLevel(parseLevel(c.String("loglevel"))))
		core, err := loadCore(c.Args()[0], cfg)
		if err != nil {
			return err
		}
		defer core.Close()

		for i := 0; i < c.Int("blocks"); i++ {
			if err := core.Step(); err != nil {
				break
			}
		}

		jitStats := core.Stats()
		faultStats := core.Fault.Stats()

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"counter", "value"})
		table.Append([]string{"blocks compiled", fmt.Sprintf("%d", jitStats.BlocksCompiled)})
		table.Append([]string{"native dispatches", fmt.Sprintf("%d", jitStats.NativeDispatches)})
		table.Append([]string{"interp dispatches", fmt.Sprintf("%d", jitStats.InterpDispatches)})
		table.Append([]string{"resident blocks", fmt.Sprintf("%d", core.Cache.Len())})
		table.Append([]string{"arena segments", fmt.Sprintf("%d", core.Cache.Segments())})
		table.Append([]string{"cache resets", fmt.Sprintf("%d", core.Cache.Resets())})
		table.Append([]string{"faults", fmt.Sprintf("%d", faultStats.Faults)})
		table.Append([]string{"blacklisted blocks", fmt.Sprintf("%d", faultStats.Blacklisted)})
		table.Append([]string{"registered devices", fmt.Sprintf("%d", core.Bus.Len())})
		table.Render()
		return nil
	},
}

var replCommand = cli.Command{
	Name:      "repl",
	Usage:     "interactively step the dispatcher one block at a time",
	ArgsUsage: "<image>",
	Flags:     []cli.Flag{logLevelFlag},
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return fmt.Errorf("repl: expected exactly one <image> argument")
		}
		cfg := config.New(config.WithLogLevel(parseLevel(c.String("loglevel"))))
		core, err := loadCore(c.Args()[0], cfg)
		if err != nil {
			return err
		}
		defer core.Close()

		line := liner.NewLiner()
		defer line.Close()
		line.SetCtrlCAborts(true)

		fmt.Println("retrodream repl: step | regs | quit")
		for {
			input, err := line.Prompt(fmt.Sprintf("(%#08x) > ", core.Ctx.PC))
			if err != nil {
				return nil
			}
			line.AppendHistory(input)
			switch input {
			case "step", "s", "":
				if err := core.Step(); err != nil {
					fmt.Fprintln(os.Stderr, err)
				}
			case "regs", "r":
				for i, v := range core.Ctx.GPR {
					fmt.Printf("r%-2d = %#010x\n", i, v)
				}
			case "quit", "q":
				return nil
			default:
				fmt.Println("unknown command:", input)
			}
		}
	},
}
