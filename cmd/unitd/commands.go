package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/unitd/pkg/client"
)

// APIFlags are the connection flags shared by every client command.
type APIFlags struct {
	URL     string
	Timeout time.Duration
}

func (f *APIFlags) register(cmd *cobra.Command) {
	defaults := client.DefaultConfig()
	cmd.Flags().StringVar(&f.URL, "api-url", defaults.BaseURL, "base URL of the unitd daemon API")
	cmd.Flags().DurationVar(&f.Timeout, "api-timeout", defaults.Timeout, "timeout for API requests")
}

// connect builds the API client and verifies the daemon answers before the
// command proceeds, so users get one clear error instead of per-call noise.
func (f *APIFlags) connect(ctx context.Context) (*client.Client, error) {
	c := client.New(client.Config{BaseURL: f.URL, Timeout: f.Timeout})
	if !c.IsReachable(ctx) {
		return nil, fmt.Errorf("daemon not reachable at %s, start it with 'unitd serve'", f.URL)
	}
	return c, nil
}

// CreateFlags holds the definition fields settable from the command line.
// The full schema (hooks, health checks, limits) is available through YAML
// process files loaded by the daemon.
type CreateFlags struct {
	API APIFlags

	Name       string
	Command    string
	Env        []string
	WorkDir    string
	PIDFile    string
	Restart    string
	RestartSec time.Duration
	StopWait   time.Duration
	KillSignal int
	KillMode   string
	Requires   []string
	Wants      []string
	BindsTo    []string
	Conflicts  []string
}

func createCreateCommand() *cobra.Command {
	f := &CreateFlags{}
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a new process definition with the daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCreate(cmd.Context(), f)
		},
	}
	cmd.Flags().StringVar(&f.Name, "name", "", "unique process name")
	cmd.Flags().StringVar(&f.Command, "cmd", "", "command line to run")
	cmd.Flags().StringArrayVar(&f.Env, "env", nil, "extra environment entries (KEY=VALUE, repeatable)")
	cmd.Flags().StringVar(&f.WorkDir, "workdir", "", "working directory (absolute path)")
	cmd.Flags().StringVar(&f.PIDFile, "pid-file", "", "file to write the child pid to (absolute path)")
	cmd.Flags().StringVar(&f.Restart, "restart", "", "restart policy: no, always, on-failure, on-success")
	cmd.Flags().DurationVar(&f.RestartSec, "restart-sec", 0, "base delay between restarts")
	cmd.Flags().DurationVar(&f.StopWait, "timeout-stop", 0, "grace period before SIGKILL escalation")
	cmd.Flags().IntVar(&f.KillSignal, "kill-signal", 0, "signal number used to stop the process")
	cmd.Flags().StringVar(&f.KillMode, "kill-mode", "", "kill mode: process or process-group")
	cmd.Flags().StringSliceVar(&f.Requires, "requires", nil, "hard dependencies started first")
	cmd.Flags().StringSliceVar(&f.Wants, "wants", nil, "soft dependencies started best-effort")
	cmd.Flags().StringSliceVar(&f.BindsTo, "binds-to", nil, "dependencies this process is stopped with")
	cmd.Flags().StringSliceVar(&f.Conflicts, "conflicts", nil, "processes stopped before this one starts")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("cmd")
	f.API.register(cmd)
	return cmd
}

func runCreate(ctx context.Context, f *CreateFlags) error {
	c, err := f.API.connect(ctx)
	if err != nil {
		return err
	}
	info, err := c.Create(ctx, client.ProcessDef{
		Name:          f.Name,
		Command:       f.Command,
		Env:           f.Env,
		WorkDir:       f.WorkDir,
		PIDFile:       f.PIDFile,
		RestartPolicy: f.Restart,
		RestartSec:    f.RestartSec,
		TimeoutStop:   f.StopWait,
		KillSignal:    f.KillSignal,
		KillMode:      f.KillMode,
		Requires:      f.Requires,
		Wants:         f.Wants,
		BindsTo:       f.BindsTo,
		Conflicts:     f.Conflicts,
	})
	if err != nil {
		return err
	}
	return printJSON(info)
}

func createStartCommand() *cobra.Command {
	f := &APIFlags{}
	cmd := &cobra.Command{
		Use:   "start <name|id>",
		Short: "Start a process and its dependencies",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := f.connect(cmd.Context())
			if err != nil {
				return err
			}
			pid, err := c.Start(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("started %s (pid %d)\n", args[0], pid)
			return nil
		},
	}
	f.register(cmd)
	return cmd
}

func createStopCommand() *cobra.Command {
	f := &APIFlags{}
	var signal int
	cmd := &cobra.Command{
		Use:   "stop <name|id>",
		Short: "Stop a process and everything bound to it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := f.connect(cmd.Context())
			if err != nil {
				return err
			}
			stopped, err := c.Stop(cmd.Context(), args[0], signal)
			if err != nil {
				return err
			}
			for _, name := range stopped {
				fmt.Printf("stopped %s\n", name)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&signal, "signal", 0, "override the configured kill signal")
	f.register(cmd)
	return cmd
}

func createListCommand() *cobra.Command {
	f := &APIFlags{}
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List all registered processes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := f.connect(cmd.Context())
			if err != nil {
				return err
			}
			procs, err := c.List(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(procs)
		},
	}
	f.register(cmd)
	return cmd
}

func createDescribeCommand() *cobra.Command {
	f := &APIFlags{}
	cmd := &cobra.Command{
		Use:   "describe <name|id>",
		Short: "Show the full definition and state of a process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := f.connect(cmd.Context())
			if err != nil {
				return err
			}
			info, err := c.Describe(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(info)
		},
	}
	f.register(cmd)
	return cmd
}

func createDeleteCommand() *cobra.Command {
	f := &APIFlags{}
	cmd := &cobra.Command{
		Use:   "delete <name|id>",
		Short: "Remove a stopped process definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := f.connect(cmd.Context())
			if err != nil {
				return err
			}
			if err := c.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("deleted %s\n", args[0])
			return nil
		},
	}
	f.register(cmd)
	return cmd
}

func createStatusCommand() *cobra.Command {
	f := &APIFlags{}
	cmd := &cobra.Command{
		Use:   "status <name|id>",
		Short: "Show the runtime status of a process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := f.connect(cmd.Context())
			if err != nil {
				return err
			}
			st, err := c.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(st)
		},
	}
	f.register(cmd)
	return cmd
}

func createUsageCommand() *cobra.Command {
	f := &APIFlags{}
	cmd := &cobra.Command{
		Use:   "usage <name|id>",
		Short: "Sample CPU and memory usage of a running process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := f.connect(cmd.Context())
			if err != nil {
				return err
			}
			u, err := c.Usage(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(u)
		},
	}
	f.register(cmd)
	return cmd
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
