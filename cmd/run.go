package cmd

import (
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/spf13/cobra"

	"zcore-go/boot"
	"zcore-go/logging"
)

// defaultPath is the first entry of the guest environment; the host's
// own PATH is never forwarded.
const defaultPath = "PATH=/bin:/usr/bin"

var runCmd = &cobra.Command{
	Use:   "run <program> [args...]",
	Short: "Boot the machine and run a Linux program as the root process",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		machine, err := loadMachine()
		if err != nil {
			return err
		}

		sys, err := boot.NewSystem(machine)
		if err != nil {
			return err
		}
		defer sys.Shutdown()

		// The program image moves from the host into the personality
		// filesystem; the guest only ever sees the memfs path.
		hostPath := args[0]
		image, err := os.ReadFile(hostPath)
		if err != nil {
			return fmt.Errorf("read program: %w", err)
		}
		guestPath := "/bin/" + path.Base(hostPath)
		if err := sys.FS.WriteFile(guestPath, image); err != nil {
			return err
		}

		argv := append([]string{guestPath}, args[1:]...)
		envs := guestEnviron()

		// ROOT_PROC= on the cmdline overrides the positional program.
		if rootProc, rootArgs := sys.Options.RootProcArgs(); rootProc != "" {
			guestPath = rootProc
			argv = append([]string{rootProc}, rootArgs...)
		}

		code, err := sys.RunProgram(guestPath, argv, envs)
		if err != nil {
			return err
		}
		logging.Info("root process exited", "code", code)
		if code != 0 {
			os.Exit(code)
		}
		return nil
	},
}

// guestEnviron forwards the host environment with a default PATH
// prepended; the host's PATH entry is dropped.
func guestEnviron() []string {
	envs := []string{defaultPath}
	for _, env := range os.Environ() {
		if strings.HasPrefix(env, "PATH=") {
			continue
		}
		envs = append(envs, env)
	}
	return envs
}

func init() {
	rootCmd.AddCommand(runCmd)
}
