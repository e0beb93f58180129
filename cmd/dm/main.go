package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	dm "github.com/l1veIn/dora-manager"
)

func main() {
	eng := dm.New()
	root := buildRoot(eng)
	if err := root.Execute(); err != nil {
		var ee *exitError
		code := 1
		if errors.As(err, &ee) {
			code = ee.code
		} else {
			_, _ = fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(code)
	}
}

// GlobalFlags holds persistent flags shared by every command.
type GlobalFlags struct {
	Home    string
	Verbose bool
}

func buildRoot(eng *dm.Engine) *cobra.Command {
	gf := &GlobalFlags{}
	c := command{eng: eng, gf: gf}

	root := &cobra.Command{
		Use:   "dm",
		Short: "dm manages dora runtime versions and processes",
		Long: `dm installs versioned dora binaries, switches the active version,
and supervises the dora coordinator and daemon processes.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&gf.Home, "home", "", "dm home directory (default DM_HOME or ~/.dm)")
	root.PersistentFlags().BoolVarP(&gf.Verbose, "verbose", "v", false, "verbose output")

	root.AddCommand(
		createInstallCommand(c),
		createUseCommand(c),
		createUninstallCommand(c),
		createVersionsCommand(c),
		createUpCommand(c),
		createDownCommand(c),
		createStatusCommand(c),
		createDoctorCommand(c),
		createEventsCommand(c),
		createExecCommand(c),
		createServeCommand(c),
	)
	return root
}
