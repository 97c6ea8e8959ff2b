package server

import (
	"fmt"
	"strings"

	"github.com/mikekulinski/dwarfkeeper/pkg/dwarf"
)

// parseArgs verifies that the command received from the client carries enough arguments for its
// operation. On failure the returned stat is the reply to send back.
func parseArgs(cmd dwarf.Command, minArgs int) ([]string, *dwarf.Stat) {
	if minArgs == 0 {
		return cmd.Fields(), nil
	}
	if strings.TrimSpace(cmd.Args) == "" {
		return nil, dwarf.ErrorStat(fmt.Sprintf("Malformed/empty arguments to %s.", cmd.Op))
	}
	args := cmd.Fields()
	if len(args) < minArgs {
		return nil, dwarf.ErrorStat(fmt.Sprintf("Too few arguments provided to %s.", cmd.Op))
	}
	return args, nil
}

// pathAndData splits the arguments of a write into the node path and the data, which is everything
// after the path.
func pathAndData(args []string) (path, data string) {
	return args[0], strings.Join(args[1:], " ")
}
