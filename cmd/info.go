package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"zcore-go/boot"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Boot the machine and print its description",
	Args:  cobra.NoArgs,
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

		w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
		fmt.Fprintf(w, "boot id\t%s\n", sys.BootID)
		fmt.Fprintf(w, "arch\t%s\n", machine.Arch)
		fmt.Fprintf(w, "memory\t%d MiB\n", machine.MemoryMiB)
		fmt.Fprintf(w, "controller\t%s\n", sys.Controller.Name())
		fmt.Fprintf(w, "free frames\t%d\n", sys.Alloc.FreeCount())
		fmt.Fprintf(w, "cmdline\t%s\n", machine.Cmdline)
		for _, dev := range sys.Devices {
			fmt.Fprintf(w, "device\t%s\n", dev)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(infoCmd)
}
