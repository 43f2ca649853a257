// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/evert-power/evertctl/pkg/device"
	"github.com/evert-power/evertctl/pkg/evertlink"
	"github.com/evert-power/evertctl/pkg/runner"
)

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Line-oriented operator console",
	Long: `Supervise devices from a prompt with history and tab completion.

With --port or --url the console runs the CCU on that link. Otherwise it runs
the configured simulation in real time with the emulated CCU, and the
simulation commands are available too.

Type 'help' at the prompt for every command, 'exit' or Ctrl+D to leave.`,
	RunE: runConsole,
}

func init() {
	rootCmd.AddCommand(consoleCmd)
}

func runConsole(cmd *cobra.Command, args []string) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "evert> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    consoleCompleter(),
	})
	if err != nil {
		return fmt.Errorf("failed to create readline: %w", err)
	}
	defer rl.Close()

	// Route log lines around the prompt.
	l, err := newLogger(rl.Stderr(), logLevel, logFormat)
	if err != nil {
		return err
	}
	logger = l

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	var op operator
	if linkConfigured(cfg.Link) {
		c, connInfo, stopLink, err := linkCCU(ctx, evertlink.NewStatistics(), func(msg any) {
			switch msg := msg.(type) {
			case connectionLostMsg:
				fmt.Fprintf(rl.Stdout(), "connection lost (%v), reconnecting...\n", msg.err)
			case reconnectedMsg:
				fmt.Fprintf(rl.Stdout(), "reconnected: %s\n", msg.connInfo)
			}
		})
		if err != nil {
			return err
		}
		defer stopLink()
		fmt.Fprintf(rl.Stdout(), "CCU on %s\n", connInfo)
		op = operator{ccu: c}
	} else {
		sim, err := runner.Build(cfg, runner.Options{Logger: logger})
		if err != nil {
			return err
		}
		defer sim.Close()
		if sim.CCU() == nil {
			return errors.New("the console needs the emulated CCU when no link is given (ccu.enabled)")
		}

		runCtx, cancel := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() { done <- sim.Run(runCtx) }()
		defer func() {
			cancel()
			<-done
		}()
		fmt.Fprintf(rl.Stdout(), "Simulation %s running\n", sim.RunID())
		op = operator{ccu: sim.CCU(), sim: sim}
	}

	return consoleLoop(ctx, rl, op)
}

// consoleLoop reads lines until EOF, exit or ctx ends.
func consoleLoop(ctx context.Context, rl *readline.Instance, op operator) error {
	out := rl.Stdout()
	fmt.Fprintln(out, "Type 'help' for commands.")

	for ctx.Err() == nil {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			if !errors.Is(err, io.EOF) {
				return err
			}
			fmt.Fprintln(out, "Exiting...")
			return nil
		}

		input := strings.TrimSpace(line)
		switch input {
		case "":
			continue
		case "exit", "quit":
			fmt.Fprintln(out, "Exiting...")
			return nil
		}

		result, err := op.Execute(input)
		if err != nil {
			fmt.Fprintf(out, "Error: %v\n", err)
			continue
		}
		fmt.Fprintln(out, result)
	}
	return nil
}

func consoleCompleter() *readline.PrefixCompleter {
	devices := []string{"boost1", "boost2", "inverter", "broadcast"}

	states := make([]readline.PrefixCompleterInterface, 0, 11)
	for s := device.Unknown; s.Valid(); s++ {
		states = append(states, readline.PcItem(s.String()))
	}

	linkVerbs := func() []readline.PrefixCompleterInterface {
		return []readline.PrefixCompleterInterface{
			readline.PcItem("state", states...),
			readline.PcItem("mode", readline.PcItem("automatic"), readline.PcItem("manual")),
			readline.PcItem("duty"),
			readline.PcItem("observe"),
			readline.PcItem("step"),
			readline.PcItem("fault"),
			readline.PcItem("ping"),
			readline.PcItem("ack"),
		}
	}
	perDevice := func(children func() []readline.PrefixCompleterInterface) []readline.PrefixCompleterInterface {
		items := make([]readline.PrefixCompleterInterface, 0, len(devices))
		for _, d := range devices {
			items = append(items, readline.PcItem(d, children()...))
		}
		return items
	}
	none := func() []readline.PrefixCompleterInterface { return nil }
	pinStates := func() []readline.PrefixCompleterInterface { return states }

	items := []readline.PrefixCompleterInterface{
		readline.PcItem("help"),
		readline.PcItem("status"),
		readline.PcItem("pin", perDevice(pinStates)...),
		readline.PcItem("unpin", perDevice(none)...),
		readline.PcItem("sun"),
		readline.PcItem("override", perDevice(none)...),
		readline.PcItem("release", perDevice(none)...),
		readline.PcItem("exit"),
	}
	items = append(items, perDevice(linkVerbs)...)
	return readline.NewPrefixCompleter(items...)
}
