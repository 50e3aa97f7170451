package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/asheshgoplani/shellpulse/internal/config"
	"github.com/asheshgoplani/shellpulse/internal/statedb"
)

const Version = "0.3.0"

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		printHelp()
		os.Exit(1)
	}

	var err error
	switch args[0] {
	case "version", "--version", "-v":
		fmt.Printf("shellpulse v%s\n", Version)
		return
	case "help", "--help", "-h":
		printHelp()
		return
	case "serve":
		err = handleServe(args[1:])
	case "services", "svc":
		err = handleServices(args[1:])
	case "logs":
		err = handleLogs(args[1:])
	case "status":
		err = handleStatus(args[1:])
	case "sanitize":
		err = handleSanitize(args[1:])
	case "classify":
		err = handleClassify(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n\n", args[0])
		printHelp()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printHelp() {
	fmt.Printf("shellpulse v%s - activity monitor for interactive shell sessions\n", Version)
	fmt.Println()
	fmt.Println("Usage: shellpulse <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                 Run the session host and web API")
	fmt.Println("  services add|list|rm  Manage service definitions")
	fmt.Println("  logs <service>        Print a running service's log tail")
	fmt.Println("  status                Show the last known state of live sessions")
	fmt.Println("  sanitize              Strip terminal control sequences from stdin")
	fmt.Println("  classify              Print the state timeline of stdin output")
	fmt.Println("  version               Show version")
	fmt.Println()
	fmt.Printf("Configuration: $%s/config.toml (default ~/.shellpulse)\n", config.HomeEnv)
}

// normalizeArgs moves flags ahead of positional arguments so the flag
// package accepts "services rm web --yes" as well as "services rm --yes web".
func normalizeArgs(fs *flag.FlagSet, args []string) []string {
	boolFlags := make(map[string]bool)
	fs.VisitAll(func(f *flag.Flag) {
		if bf, ok := f.Value.(interface{ IsBoolFlag() bool }); ok && bf.IsBoolFlag() {
			boolFlags[f.Name] = true
		}
	})

	var flags, positional []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			positional = append(positional, args[i+1:]...)
			break
		}
		if strings.HasPrefix(arg, "-") && arg != "-" {
			flags = append(flags, arg)
			name := strings.TrimLeft(arg, "-")
			if strings.Contains(name, "=") {
				continue
			}
			if !boolFlags[name] && i+1 < len(args) {
				i++
				flags = append(flags, args[i])
			}
		} else {
			positional = append(positional, arg)
		}
	}
	return append(flags, positional...)
}

// openStateDB opens and migrates the state database in the config dir.
func openStateDB() (*statedb.StateDB, error) {
	dir, err := config.Dir()
	if err != nil {
		return nil, err
	}
	db, err := statedb.Open(filepath.Join(dir, "state.db"))
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}
