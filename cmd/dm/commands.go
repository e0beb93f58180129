package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	dm "github.com/l1veIn/dora-manager"
	"github.com/l1veIn/dora-manager/internal/logger"
)

// command binds the engine and global flags to cobra run functions.
type command struct {
	eng *dm.Engine
	gf  *GlobalFlags
}

func (c command) home() (string, error) { return dm.ResolveHome(c.gf.Home) }

// exitError carries a process exit code chosen from the engine error kind:
// 1 user/conflict, 2 environment, 3 transient, 4 internal.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func (c command) wrapErr(err error) error {
	if err == nil {
		return nil
	}
	_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
	switch dm.Classify(err) {
	case dm.KindUser, dm.KindConflict:
		return &exitError{code: 1, err: err}
	case dm.KindEnvironment:
		return &exitError{code: 2, err: err}
	case dm.KindTransient:
		return &exitError{code: 3, err: err}
	}
	return &exitError{code: 4, err: err}
}

// signalContext returns a context cancelled on SIGINT/SIGTERM so downloads
// and builds abort cleanly.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func createInstallCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "install [version]",
		Short: "Install a dora version (default: latest)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			home, err := c.home()
			if err != nil {
				return c.wrapErr(err)
			}
			spec := "latest"
			if len(args) > 0 {
				spec = args[0]
			}
			ctx, cancel := signalContext()
			defer cancel()

			log := logger.New(c.gf.Verbose)
			sink := func(p dm.InstallProgress) {
				if p.Stage == "downloading" && p.BytesTotal > 0 {
					fmt.Printf("\r[%s] %s", p.Stage, p.Message)
					if p.BytesDone >= p.BytesTotal {
						fmt.Println()
					}
					return
				}
				fmt.Printf("[%s] %s\n", p.Stage, p.Message)
			}
			res, err := c.eng.Install(ctx, home, spec, sink)
			if err != nil {
				return c.wrapErr(err)
			}
			if res.SetActive {
				log.Info("set as active version", "version", res.Version)
			}
			return nil
		},
	}
}

func createUseCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "use <version>",
		Short: "Switch the active dora version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			home, err := c.home()
			if err != nil {
				return c.wrapErr(err)
			}
			ctx, cancel := signalContext()
			defer cancel()
			actual, err := c.eng.Use(ctx, home, args[0])
			if err != nil {
				return c.wrapErr(err)
			}
			if actual != "" && actual != args[0] {
				fmt.Printf("Now using dora %s (binary reports %s)\n", args[0], actual)
			} else {
				fmt.Printf("Now using dora %s\n", args[0])
			}
			return nil
		},
	}
}

func createUninstallCommand(c command) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "uninstall <version>",
		Short: "Remove an installed dora version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			home, err := c.home()
			if err != nil {
				return c.wrapErr(err)
			}
			ctx, cancel := signalContext()
			defer cancel()
			if err := c.eng.Uninstall(ctx, home, args[0], force); err != nil {
				return c.wrapErr(err)
			}
			fmt.Printf("Removed dora %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "remove even if the version is active")
	return cmd
}

func createVersionsCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "versions",
		Short: "List installed and available dora versions",
		RunE: func(cmd *cobra.Command, args []string) error {
			home, err := c.home()
			if err != nil {
				return c.wrapErr(err)
			}
			installed, err := c.eng.Versions(home)
			if err != nil {
				return c.wrapErr(err)
			}
			fmt.Println("Installed:")
			if len(installed) == 0 {
				fmt.Println("  (none)")
			}
			have := map[string]bool{}
			for _, iv := range installed {
				have[iv.Version] = true
				marker := " "
				if iv.Active {
					marker = "*"
				}
				fmt.Printf("  %s %s\n", marker, iv.Version)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()
			if tags, err := c.eng.Available(ctx); err == nil && len(tags) > 0 {
				fmt.Println("Available:")
				for _, tag := range tags {
					clean := trimV(tag)
					if have[clean] {
						continue
					}
					fmt.Printf("    %s\n", clean)
				}
			}
			return nil
		},
	}
}

func trimV(tag string) string {
	if len(tag) > 0 && tag[0] == 'v' {
		return tag[1:]
	}
	return tag
}

func createUpCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Start the dora coordinator and daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			home, err := c.home()
			if err != nil {
				return c.wrapErr(err)
			}
			ctx, cancel := signalContext()
			defer cancel()
			st, err := c.eng.Up(ctx, home)
			if err != nil {
				return c.wrapErr(err)
			}
			fmt.Println("Dora runtime started.")
			printStatus(st)
			return nil
		},
	}
}

func createDownCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "down",
		Short: "Stop the dora daemon and coordinator",
		RunE: func(cmd *cobra.Command, args []string) error {
			home, err := c.home()
			if err != nil {
				return c.wrapErr(err)
			}
			ctx, cancel := signalContext()
			defer cancel()
			st, err := c.eng.Down(ctx, home)
			if err != nil {
				return c.wrapErr(err)
			}
			fmt.Println("Dora runtime stopped.")
			printStatus(st)
			return nil
		},
	}
}

func createStatusCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show liveness of the dora runtime processes",
		RunE: func(cmd *cobra.Command, args []string) error {
			home, err := c.home()
			if err != nil {
				return c.wrapErr(err)
			}
			printStatus(c.eng.Status(home))
			return nil
		},
	}
}

func printStatus(st dm.RuntimeStatus) {
	line := func(name string, state string) {
		pid := ""
		if p, ok := st.PIDs[name]; ok {
			pid = fmt.Sprintf(" (pid %d)", p)
		}
		fmt.Printf("  %-12s %s%s\n", name, state, pid)
	}
	line("coordinator", string(st.Coordinator))
	line("daemon", string(st.Daemon))
}

func createDoctorCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check the local environment for dora prerequisites",
		RunE: func(cmd *cobra.Command, args []string) error {
			home, err := c.home()
			if err != nil {
				return c.wrapErr(err)
			}
			ctx, cancel := signalContext()
			defer cancel()
			report := c.eng.Doctor(ctx, home)
			for _, chk := range report.Checks {
				mark := "ok"
				if !chk.OK {
					mark = "FAIL"
				}
				fmt.Printf("  [%-4s] %-14s", mark, chk.Name)
				switch {
				case chk.OK && chk.Version != "":
					fmt.Printf(" %s (%s)", chk.Version, chk.Path)
				case chk.OK:
					fmt.Printf(" %s", chk.Path)
				default:
					fmt.Printf(" %s", chk.Detail)
				}
				fmt.Println()
				if !chk.OK && chk.Suggestion != "" {
					fmt.Printf("         %s\n", chk.Suggestion)
				}
			}
			if !report.AllOK {
				return &exitError{code: 2, err: errors.New("doctor found problems")}
			}
			return nil
		},
	}
}

func createEventsCommand(c command) *cobra.Command {
	var limit int
	var source, activity string
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent engine audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			home, err := c.home()
			if err != nil {
				return c.wrapErr(err)
			}
			ctx, cancel := signalContext()
			defer cancel()
			evs, err := c.eng.Events(ctx, home, dm.EventFilter{
				Source:   dm.EventSource(source),
				Activity: activity,
				Limit:    limit,
			})
			if err != nil {
				return c.wrapErr(err)
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(evs)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of events")
	cmd.Flags().StringVar(&source, "source", "", "filter by source (core, server, cli)")
	cmd.Flags().StringVar(&activity, "activity", "", "filter by activity")
	return cmd
}

func createExecCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "exec [args...]",
		Short: "Run the active dora binary with the given arguments",
		Long: `Run the active dora binary with the given arguments, inheriting
stdin/stdout/stderr. The child's exit code is returned unchanged.`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			home, err := c.home()
			if err != nil {
				return c.wrapErr(err)
			}
			ctx, cancel := signalContext()
			defer cancel()
			code, err := c.eng.Passthrough(ctx, home, args)
			if err != nil {
				return c.wrapErr(err)
			}
			if code != 0 {
				return &exitError{code: code, err: fmt.Errorf("dora exited with code %d", code)}
			}
			return nil
		},
	}
}

func createServeCommand(c command) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the JSON HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			home, err := c.home()
			if err != nil {
				return c.wrapErr(err)
			}
			if err := dm.RegisterMetricsDefault(); err != nil {
				return c.wrapErr(err)
			}
			log := logger.New(c.gf.Verbose)
			srv := dm.NewHTTPServer(listen, home, c.eng)

			ctx, cancel := signalContext()
			defer cancel()
			go func() {
				<-ctx.Done()
				shutdownCtx, sc := context.WithTimeout(context.Background(), 5*time.Second)
				defer sc()
				_ = srv.Shutdown(shutdownCtx)
			}()
			log.Info("serving dm API", "addr", listen, "home", home)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return c.wrapErr(err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "127.0.0.1:7477", "listen address")
	return cmd
}
