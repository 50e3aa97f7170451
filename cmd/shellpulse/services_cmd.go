package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	xansi "github.com/charmbracelet/x/ansi"
	"golang.org/x/term"

	"github.com/asheshgoplani/shellpulse/internal/config"
	"github.com/asheshgoplani/shellpulse/internal/monitor"
	"github.com/asheshgoplani/shellpulse/internal/service"
	"github.com/asheshgoplani/shellpulse/internal/statedb"
)

const (
	colCommand = 40
	colDir     = 30
)

func handleServices(args []string) error {
	if len(args) == 0 {
		printServicesHelp()
		return nil
	}
	switch args[0] {
	case "add":
		return handleServiceAdd(args[1:])
	case "list", "ls":
		return handleServiceList(args[1:])
	case "rm", "remove":
		return handleServiceRemove(args[1:])
	case "runs":
		return handleServiceRuns(args[1:])
	case "help", "--help", "-h":
		printServicesHelp()
		return nil
	default:
		return fmt.Errorf("unknown services command %q", args[0])
	}
}

func printServicesHelp() {
	fmt.Println("Usage: shellpulse services <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  add --name <name> --command <cmd> [--dir <dir>] [--id <id>]")
	fmt.Println("  list                  List service definitions")
	fmt.Println("  rm <id>               Remove a service and its run history")
	fmt.Println("  runs <id>             Show recent runs of a service")
	fmt.Println()
	fmt.Println("Changes take effect the next time 'shellpulse serve' starts.")
}

func handleServiceAdd(args []string) error {
	fs := flag.NewFlagSet("services add", flag.ContinueOnError)
	id := fs.String("id", "", "Service id (default: generated)")
	name := fs.String("name", "", "Display name")
	command := fs.String("command", "", "Launch command")
	dir := fs.String("dir", "", "Working directory (default: current directory)")
	color := fs.String("color", "", "Display color")
	linked := fs.String("linked", "", "Linked name shown next to the display name")
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("flag parsing: %w", err)
	}

	workDir := *dir
	if workDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return err
		}
		workDir = wd
	}
	def := service.NewDefinition(*name, *command, workDir)
	if *id != "" {
		def.ID = *id
	}
	def.Color = *color
	def.LinkedName = *linked
	if err := def.Validate(); err != nil {
		return err
	}

	db, err := openStateDB()
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.SaveService(&statedb.ServiceRow{
		ID:            def.ID,
		DisplayName:   def.DisplayName,
		LaunchCommand: def.LaunchCommand,
		WorkingDir:    def.WorkingDir,
		Color:         def.Color,
		LinkedName:    def.LinkedName,
		CreatedAt:     def.CreatedAt,
	}); err != nil {
		return err
	}
	fmt.Printf("Added service %s (%s)\n", def.ID, def.Label())
	return nil
}

func handleServiceList(args []string) error {
	fs := flag.NewFlagSet("services list", flag.ContinueOnError)
	full := fs.Bool("full", false, "Do not truncate long columns")
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("flag parsing: %w", err)
	}

	db, err := openStateDB()
	if err != nil {
		return err
	}
	defer db.Close()
	rows, err := db.LoadServices()
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Println("No services defined.")
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tCOMMAND\tDIR")
	for _, r := range rows {
		def := monitor.DefinitionFromRow(r)
		cmd, dir := def.LaunchCommand, def.WorkingDir
		if !*full {
			cmd = xansi.Truncate(cmd, colCommand, "…")
			dir = truncateLeft(dir, colDir)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", def.ID, def.Label(), cmd, dir)
	}
	return tw.Flush()
}

// truncateLeft keeps the tail of s, which is the useful end of a path.
func truncateLeft(s string, width int) string {
	if xansi.StringWidth(s) <= width {
		return s
	}
	return xansi.TruncateLeft(s, xansi.StringWidth(s)-width+1, "…")
}

func handleServiceRemove(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: shellpulse services rm <id>")
	}
	db, err := openStateDB()
	if err != nil {
		return err
	}
	defer db.Close()
	ok, err := db.DeleteService(args[0])
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("service %q not found", args[0])
	}
	fmt.Printf("Removed service %s\n", args[0])
	return nil
}

func handleServiceRuns(args []string) error {
	fs := flag.NewFlagSet("services runs", flag.ContinueOnError)
	limit := fs.Int("n", 10, "Number of runs to show")
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("flag parsing: %w", err)
	}
	if fs.NArg() != 1 {
		return errors.New("usage: shellpulse services runs <id> [-n N]")
	}

	db, err := openStateDB()
	if err != nil {
		return err
	}
	defer db.Close()
	runs, err := db.ListRuns(fs.Arg(0), *limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded.")
		return nil
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTATUS\tSTARTED\tDURATION\tREASON")
	for _, r := range runs {
		dur := "-"
		if !r.StoppedAt.IsZero() {
			dur = r.StoppedAt.Sub(r.StartedAt).Round(time.Second).String()
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", r.ID, r.Status,
			r.StartedAt.Format("2006-01-02 15:04:05"), dur, r.ExitReason)
	}
	return tw.Flush()
}

// handleLogs prints the tail of a service log from a running server.
func handleLogs(args []string) error {
	fs := flag.NewFlagSet("logs", flag.ContinueOnError)
	server := fs.String("server", "", "Server address (default from config)")
	token := fs.String("token", "", "Bearer token (default from config)")
	lines := fs.Int("n", 50, "Number of lines to show")
	wrap := fs.Bool("wrap", false, "Do not truncate lines to the terminal width")
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("flag parsing: %w", err)
	}
	if fs.NArg() != 1 {
		return errors.New("usage: shellpulse logs <service> [-n N]")
	}

	cfg, _ := config.Load()
	addr := *server
	if addr == "" {
		addr = cfg.WebListen()
	}
	tok := *token
	if tok == "" {
		tok = cfg.Web.Token
	}

	u := url.URL{Scheme: "http", Host: addr, Path: "/api/services/" + url.PathEscape(fs.Arg(0)) + "/log"}
	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/plain")
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("is 'shellpulse serve' running? %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	width := 0
	if !*wrap && term.IsTerminal(int(os.Stdout.Fd())) {
		if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
			width = w
		}
	}
	for _, line := range tailLines(string(body), *lines) {
		if width > 0 {
			line = xansi.Truncate(line, width, "…")
		}
		fmt.Println(line)
	}
	return nil
}

// tailLines returns the last n lines of s, without a trailing empty line.
func tailLines(s string, n int) []string {
	s = strings.TrimSuffix(s, "\n")
	if s == "" {
		return nil
	}
	all := strings.Split(s, "\n")
	if n > 0 && len(all) > n {
		all = all[len(all)-n:]
	}
	return all
}

// handleStatus prints the state table a running server keeps in the
// state database.
func handleStatus(args []string) error {
	if len(args) > 0 {
		return fmt.Errorf("unexpected arguments: %v", args)
	}
	db, err := openStateDB()
	if err != nil {
		return err
	}
	defer db.Close()
	states, err := db.ReadSessionStates()
	if err != nil {
		return err
	}
	if len(states) == 0 {
		fmt.Println("No live sessions.")
		return nil
	}
	ids := make([]uint32, 0, len(states))
	for id := range states {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	color := term.IsTerminal(int(os.Stdout.Fd()))
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tOWNER\tSINCE\tSTATE")
	for _, id := range ids {
		st := states[id]
		owner := st.OwnerKind
		if st.OwnerID != "" {
			owner += ":" + st.OwnerID
		}
		// The colored column goes last so escapes don't skew alignment.
		fmt.Fprintf(tw, "s%d\t%s\t%s\t%s\n", id, owner,
			time.Since(st.ChangedAt).Round(time.Second), paintState(st.State, color))
	}
	return tw.Flush()
}
