package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/loykin/mender/pkg/client"
)

// command carries what the client-side subcommands share.
type command struct {
	out io.Writer
}

func (c command) client(ctx context.Context, f APIFlags) (*client.Client, error) {
	cl, err := client.New(client.Config{
		BaseURL:  f.APIUrl,
		Timeout:  f.APITimeout,
		CACert:   f.CACert,
		Insecure: f.Insecure,
	})
	if err != nil {
		return nil, err
	}
	if !cl.IsReachable(ctx) {
		return nil, fmt.Errorf("daemon not reachable - please start daemon first with 'mender serve'")
	}
	return cl, nil
}

// Run starts an orchestrator run and, unless detached, waits for its result.
func (c command) Run(ctx context.Context, f RunFlags) error {
	if f.Project == "" {
		return fmt.Errorf("project is required")
	}
	cl, err := c.client(ctx, f.APIFlags)
	if err != nil {
		return err
	}
	req := client.ExecuteRequest{
		Project:  f.Project,
		Message:  f.Message,
		Dir:      f.Dir,
		Commands: f.Commands,
	}
	if f.Detach {
		acc, err := cl.Execute(ctx, req)
		if err != nil {
			return err
		}
		printJSON(c.out, acc)
		return nil
	}
	res, err := cl.ExecuteWait(ctx, req)
	if err != nil {
		return err
	}
	printJSON(c.out, res)
	if !res.Success {
		return fmt.Errorf("run %s for %s did not succeed", res.RunID, res.Project)
	}
	return nil
}

func (c command) State(ctx context.Context, f StateFlags) error {
	if f.Project == "" {
		return fmt.Errorf("project is required")
	}
	cl, err := c.client(ctx, f.APIFlags)
	if err != nil {
		return err
	}
	switch {
	case f.Stack:
		stack, err := cl.Stack(ctx, f.Project)
		if err != nil {
			return err
		}
		printJSON(c.out, stack)
	case f.Terminal:
		term, err := cl.Terminal(ctx, f.Project)
		if err != nil {
			return notFound(err, f.Project)
		}
		printJSON(c.out, term)
	default:
		snap, err := cl.State(ctx, f.Project)
		if err != nil {
			return notFound(err, f.Project)
		}
		printJSON(c.out, snap)
	}
	return nil
}

func (c command) Kill(ctx context.Context, f KillFlags) error {
	if f.PID <= 0 {
		return fmt.Errorf("pid must be positive")
	}
	cl, err := c.client(ctx, f.APIFlags)
	if err != nil {
		return err
	}
	if err := cl.Kill(ctx, f.PID); err != nil {
		if errors.Is(err, client.ErrNotFound) {
			return fmt.Errorf("no live command with pid %d", f.PID)
		}
		return err
	}
	_, _ = fmt.Fprintf(c.out, "killed %d\n", f.PID)
	return nil
}

func (c command) Ps(ctx context.Context, f PsFlags) error {
	cl, err := c.client(ctx, f.APIFlags)
	if err != nil {
		return err
	}
	procs, err := cl.Processes(ctx, f.Project)
	if err != nil {
		return err
	}
	printJSON(c.out, procs)
	return nil
}

func (c command) Delete(ctx context.Context, f DeleteFlags) error {
	if f.Project == "" {
		return fmt.Errorf("project is required")
	}
	cl, err := c.client(ctx, f.APIFlags)
	if err != nil {
		return err
	}
	if err := cl.DeleteState(ctx, f.Project); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.out, "deleted state of %s\n", f.Project)
	return nil
}

func notFound(err error, project string) error {
	if errors.Is(err, client.ErrNotFound) {
		return fmt.Errorf("no state recorded for %s", project)
	}
	return err
}
