package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/chzyer/readline"
)

// shell is the interactive front end over commander.
type shell struct {
	cmd *commander
	rl  *readline.Instance
}

func newShell(cmd *commander) (*shell, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "txctl> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete: readline.NewPrefixCompleter(
			readline.PcItem("connect"), readline.PcItem("disconnect"), readline.PcItem("status"),
			readline.PcItem("channels"), readline.PcItem("set"),
			readline.PcItem("preset", readline.PcItem("all-tx"), readline.PcItem("all-rx"), readline.PcItem("half-tx-half-rx")),
			readline.PcItem("clear-channels"), readline.PcItem("focus"), readline.PcItem("steer"),
			readline.PcItem("beam"), readline.PcItem("presets"),
			readline.PcItem("apply", readline.PcItem("channels"), readline.PcItem("beam")),
			readline.PcItem("pattern"),
			readline.PcItem("reset", readline.PcItem("hardware"), readline.PcItem("software"), readline.PcItem("memory")),
			readline.PcItem("diag"), readline.PcItem("save"), readline.PcItem("load"), readline.PcItem("list"),
			readline.PcItem("delete"), readline.PcItem("export"), readline.PcItem("help"), readline.PcItem("quit"),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	cmd.out = rl.Stdout()
	return &shell{cmd: cmd, rl: rl}, nil
}

// Run reads commands until quit, EOF or ctx ends.
func (s *shell) Run(ctx context.Context) {
	defer s.rl.Close()
	out := s.rl.Stdout()
	s.cmd.printHelp()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := s.rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			fmt.Fprintln(out, "Exiting...")
			return
		}
		args := strings.Fields(strings.TrimSpace(line))
		if len(args) == 0 {
			continue
		}
		if err := s.cmd.run(ctx, args); err != nil {
			if errors.Is(err, errQuit) {
				fmt.Fprintln(out, "Exiting...")
				return
			}
			fmt.Fprintf(out, "Error: %v\n", err)
		}
	}
}
