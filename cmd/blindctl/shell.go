package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
)

var errQuit = errors.New("quit")

// Shell executes blindctl commands against a Client.
type Shell struct {
	client *Client
	out    io.Writer
}

func NewShell(client *Client, out io.Writer) *Shell {
	return &Shell{client: client, out: out}
}

// Exec runs one command line. It returns errQuit for exit.
func (s *Shell) Exec(ctx context.Context, line string) error {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return nil
	}
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "help", "?":
		s.printHelp()
		return nil
	case "list", "ls":
		return s.cmdList(ctx)
	case "get", "show":
		return s.cmdGet(ctx, args)
	case "set":
		return s.cmdSet(ctx, args)
	case "open":
		return s.cmdMove(ctx, args, 100)
	case "close":
		return s.cmdMove(ctx, args, 0)
	case "rename":
		return s.cmdRename(ctx, args)
	case "forget":
		return s.cmdForget(ctx, args)
	case "version":
		return s.cmdVersion(ctx)
	case "quit", "exit", "q":
		return errQuit
	default:
		return fmt.Errorf("unknown command: %s (type 'help' for commands)", cmd)
	}
}

func (s *Shell) printHelp() {
	fmt.Fprint(s.out, `Commands:
  list                 - List blinds
  get <id>             - Show one blind
  set <id> <percent>   - Move to a position (0 closed, 100 open)
  open <id>            - Move to 100
  close <id>           - Move to 0
  rename <id> [name]   - Set the friendly name (empty clears it)
  forget <id>          - Remove the blind and its stored record
  version              - Show the daemon version
  exit                 - Leave
`)
}

func (s *Shell) cmdList(ctx context.Context) error {
	blinds, err := s.client.List(ctx)
	if err != nil {
		return err
	}
	if len(blinds) == 0 {
		fmt.Fprintln(s.out, "no blinds")
		return nil
	}
	tw := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tMODEL\tPOSITION\tTARGET\tSTATE")
	for _, b := range blinds {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n", b.ID, b.Name, b.Model, b.Position, b.Target, b.State)
	}
	return tw.Flush()
}

func (s *Shell) cmdGet(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: get <id>")
	}
	b, err := s.client.Get(ctx, args[0])
	if err != nil {
		return err
	}
	s.printBlind(b)
	return nil
}

func (s *Shell) cmdSet(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return errors.New("usage: set <id> <percent>")
	}
	percent, err := strconv.Atoi(strings.TrimSuffix(args[1], "%"))
	if err != nil {
		return fmt.Errorf("invalid percent %q", args[1])
	}
	return s.move(ctx, args[0], percent)
}

func (s *Shell) cmdMove(ctx context.Context, args []string, percent int) error {
	if len(args) != 1 {
		return errors.New("usage: open|close <id>")
	}
	return s.move(ctx, args[0], percent)
}

func (s *Shell) move(ctx context.Context, id string, percent int) error {
	b, err := s.client.SetPosition(ctx, id, percent)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "%s: %d%% -> %d%% (%s)\n", b.ID, b.Position, b.Target, b.State)
	return nil
}

func (s *Shell) cmdRename(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return errors.New("usage: rename <id> [name]")
	}
	b, err := s.client.Rename(ctx, args[0], strings.Join(args[1:], " "))
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "%s is now %q\n", b.ID, b.Name)
	return nil
}

func (s *Shell) cmdForget(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: forget <id>")
	}
	if err := s.client.Forget(ctx, args[0]); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "forgot %s\n", args[0])
	return nil
}

func (s *Shell) cmdVersion(ctx context.Context) error {
	v, err := s.client.Version(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(s.out, v)
	return nil
}

func (s *Shell) printBlind(b *Blind) {
	fmt.Fprintf(s.out, "ID:       %s\n", b.ID)
	fmt.Fprintf(s.out, "Name:     %s\n", b.Name)
	if b.Model != "" {
		fmt.Fprintf(s.out, "Model:    %s\n", b.Model)
	}
	if b.Address != "" {
		fmt.Fprintf(s.out, "Address:  %s\n", b.Address)
	}
	fmt.Fprintf(s.out, "Position: %d%%\n", b.Position)
	fmt.Fprintf(s.out, "Target:   %d%%\n", b.Target)
	fmt.Fprintf(s.out, "State:    %s\n", b.State)
}
