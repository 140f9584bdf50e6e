// zcore-go is a library operating system: a dual-personality kernel
// (Zircon object model + Linux syscall surface) hosted in an ordinary
// process. The run command boots the machine, loads a Linux ELF as the
// root process, and exits with its status.
//
// Commands:
//
//	run      - Boot and run a program as the root process
//	info     - Boot and print the machine description
//	version  - Print version information
package main

import (
	"fmt"
	"os"

	"zcore-go/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
