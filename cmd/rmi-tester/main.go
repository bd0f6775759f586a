// Command rmi-tester runs canned motion programs against one or more robot
// controllers, either through the bridge or against simulated controllers.
//
// Usage:
//
//	rmi-tester list
//	rmi-tester run home_both --sim
//	rmi-tester status
//	rmi-tester ping --sim
//	RMI_BRIDGE=ws://cell-7:7400 rmi-tester run move_square
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/teslashibe/go-rmi/internal/config"
	"github.com/teslashibe/go-rmi/internal/httpc"
	"github.com/teslashibe/go-rmi/internal/log"
	"github.com/teslashibe/go-rmi/pkg/orchestrator"
	"github.com/teslashibe/go-rmi/pkg/robot"
)

var (
	green = color.New(color.FgGreen).SprintFunc()
	red   = color.New(color.FgRed).SprintFunc()
	cyan  = color.New(color.FgCyan).SprintFunc()
	gray  = color.New(color.FgHiBlack).SprintFunc()
	bold  = color.New(color.Bold).SprintFunc()
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, red("error: "+err.Error()))
		os.Exit(1)
	}
}

// newRootCommand builds the CLI. Every persistent flag can also be set
// through an RMI_ environment variable (e.g. --sim-delay → RMI_SIM_DELAY).
func newRootCommand() *cobra.Command {
	v := viper.New()

	root := &cobra.Command{
		Use:           "rmi-tester",
		Short:         "Run test motion programs on robot controllers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringP("config", "c", "", "robot cell YAML file (default: built-in two-robot cell)")
	flags.String("bridge", "", "bridge URL (default: from the cell file)")
	flags.Bool("sim", false, "run against in-process simulated controllers")
	flags.Duration("sim-delay", config.DefaultSimDelay, "simulated execution time per command")
	flags.Duration("timeout", 2*time.Minute, "give up waiting for acknowledgments after this long")
	flags.String("log-level", config.DefaultLogLevel, "debug, info, warn or error")

	v.SetEnvPrefix("RMI")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(flags); err != nil {
		panic(err)
	}

	root.AddCommand(newListCommand())
	root.AddCommand(newRunCommand(v))
	root.AddCommand(newConfigCommand(v))
	root.AddCommand(newStatusCommand(v))
	root.AddCommand(newPingCommand(v))
	return root
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the available programs",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			for _, name := range programNames() {
				fmt.Fprintf(cmd.OutOrStdout(), "  %-22s %s\n", cyan(name), gray(registry[name].Description))
			}
		},
	}
}

func newRunCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:       "run <program>",
		Short:     "Run one program",
		Args:      cobra.ExactArgs(1),
		ValidArgs: programNames(),
		RunE: func(cmd *cobra.Command, args []string) error {
			prog, ok := registry[args[0]]
			if !ok {
				return fmt.Errorf("program %q does not exist (see 'rmi-tester list')", args[0])
			}
			log.Init(v.GetString("log-level"))

			cell, err := loadCell(v)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			ctx, cancel := context.WithTimeout(ctx, v.GetDuration("timeout"))
			defer cancel()

			report, err := runProgram(ctx, prog, cellOptions{
				Cell:     cell,
				Sim:      v.GetBool("sim"),
				SimDelay: v.GetDuration("sim-delay"),
				Metrics:  robot.DefaultMetrics(),
				Logger:   log.L(),
			})
			if err != nil {
				return err
			}
			printReport(cmd.OutOrStdout(), prog.Name, report)
			if !report.OK() {
				return fmt.Errorf("%s failed on %s", prog.Name, strings.Join(report.Failed(), ", "))
			}
			return nil
		},
	}
}

func newConfigCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective robot cell as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cell, err := loadCell(v)
			if err != nil {
				return err
			}
			data, err := cell.Marshal()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

func newStatusCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the bridge's connected peers and counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cell, err := loadCell(v)
			if err != nil {
				return err
			}
			api, err := httpc.NewBridge(cell.Bridge, nil)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), httpc.DefaultTimeout)
			defer cancel()

			stats, err := api.Stats(ctx)
			if err != nil {
				return err
			}
			peers, err := api.Peers(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s %s\n", bold("bridge"), cell.Bridge)
			fmt.Fprintf(out, "  peers %d  topics %d  routed %d  undelivered %d\n",
				stats.PeerCount, stats.Topics, stats.MessagesRouted, stats.Undelivered)
			for _, p := range peers {
				fmt.Fprintf(out, "  %s %-16s %s\n", cyan("•"), p.Name, gray(strings.Join(p.Topics, " ")))
			}
			return nil
		},
	}
}

func newPingCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that every robot controller in the cell answers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Init(v.GetString("log-level"))
			cell, err := loadCell(v)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), httpc.DefaultTimeout)
			defer cancel()

			c, err := openCell(ctx, cellOptions{
				Cell:     cell,
				Sim:      v.GetBool("sim"),
				SimDelay: v.GetDuration("sim-delay"),
				Metrics:  robot.DefaultMetrics(),
				Logger:   log.L(),
			})
			if err != nil {
				return err
			}
			defer c.Close()

			out := cmd.OutOrStdout()
			var silent []string
			for _, r := range cell.Robots {
				h, err := c.handle(r.Name)
				if err != nil {
					return err
				}
				rtt, err := h.Ping(ctx)
				if err != nil {
					fmt.Fprintf(out, "  %s %-6s %s\n", red("✗"), r.Name, red(err.Error()))
					silent = append(silent, r.Name)
					continue
				}
				fmt.Fprintf(out, "  %s %-6s %s\n", green("✓"), r.Name, gray(rtt.Round(time.Microsecond).String()))
			}
			if len(silent) > 0 {
				return fmt.Errorf("no answer from %s", strings.Join(silent, ", "))
			}
			return nil
		},
	}
}

// loadCell reads --config (or the built-in cell) and applies --bridge.
func loadCell(v *viper.Viper) (config.Cell, error) {
	cell := config.Default()
	if file := v.GetString("config"); file != "" {
		loaded, err := config.Load(file)
		if err != nil {
			return config.Cell{}, err
		}
		cell = loaded
	}
	cell.Bridge = config.BridgeURL(cell.Bridge)
	if b := v.GetString("bridge"); b != "" {
		cell.Bridge = b
	}
	return cell, nil
}

// runProgram opens the cell, runs the program's robots concurrently and
// closes the cell.
func runProgram(ctx context.Context, prog testProgram, opts cellOptions) (orchestrator.Report, error) {
	c, err := openCell(ctx, opts)
	if err != nil {
		return orchestrator.Report{}, err
	}
	defer c.Close()

	programs, err := prog.Build(c)
	if err != nil {
		return orchestrator.Report{}, err
	}
	return orchestrator.RunConcurrentlyWithLogger(ctx, opts.Logger, programs...), nil
}

func printReport(w io.Writer, name string, report orchestrator.Report) {
	fmt.Fprintf(w, "%s\n", bold(name))
	for _, res := range report.Results {
		d := res.Duration.Round(time.Millisecond)
		if res.Err != nil {
			fmt.Fprintf(w, "  %s %-6s %s %s\n", red("✗"), res.Robot, gray(d.String()), red(res.Err.Error()))
			continue
		}
		fmt.Fprintf(w, "  %s %-6s %s\n", green("✓"), res.Robot, gray(d.String()))
	}
}
