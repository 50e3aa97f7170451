package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/term"

	"github.com/asheshgoplani/shellpulse/internal/ansi"
	"github.com/asheshgoplani/shellpulse/internal/config"
	"github.com/asheshgoplani/shellpulse/internal/sched"
	"github.com/asheshgoplani/shellpulse/internal/status"
)

func handleSanitize(args []string) error {
	if len(args) > 0 {
		return fmt.Errorf("unexpected arguments: %v", args)
	}
	return sanitizeStream(os.Stdin, os.Stdout, term.IsTerminal(int(os.Stdout.Fd())))
}

// sanitizeStream cleans r line by line. Control sequences never span a
// newline in practice, so a line is a safe unit for the stateless sanitizer.
func sanitizeStream(r io.Reader, w io.Writer, flushEachLine bool) error {
	br := bufio.NewReaderSize(r, 4096)
	bw := bufio.NewWriter(w)
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			if _, werr := bw.WriteString(ansi.SanitizeBytes(line)); werr != nil {
				return werr
			}
			if flushEachLine {
				if werr := bw.Flush(); werr != nil {
					return werr
				}
			}
		}
		if errors.Is(err, io.EOF) {
			return bw.Flush()
		}
		if err != nil {
			return err
		}
	}
}

func handleClassify(args []string) error {
	fs := flag.NewFlagSet("classify", flag.ContinueOnError)
	gap := fs.Duration("gap", 0, "Simulated time between input lines (default: debounce + 50ms)")
	fs.Usage = func() {
		fmt.Println("Usage: shellpulse classify [--gap 350ms] < output.log")
		fmt.Println()
		fmt.Println("Replay captured output through the classifier and print each state change.")
		fmt.Println()
		fs.PrintDefaults()
	}
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("flag parsing: %w", err)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v (using defaults)\n", err)
	}
	rules, err := cfg.StatusRules()
	if err != nil {
		return fmt.Errorf("status patterns: %w", err)
	}
	color := term.IsTerminal(int(os.Stdout.Fd()))
	return classifyStream(os.Stdin, os.Stdout, rules, cfg.StatusOptions(), *gap, color)
}

// classifyStream replays r on a simulated clock: each line is one output
// burst followed by gap of silence.
func classifyStream(r io.Reader, w io.Writer, rules *status.Rules, opts status.Options, gap time.Duration, color bool) error {
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = status.DefaultOptions().Debounce
	}
	if gap <= 0 {
		gap = debounce + 50*time.Millisecond
	}

	start := time.Unix(0, 0).UTC()
	clock := sched.NewManual(start)
	var werr error
	c := status.NewClassifier(1, clock, rules, opts, func(ch status.Change) {
		if werr != nil {
			return
		}
		rule := ch.Match.Rule
		if rule == "" {
			rule = "-"
		}
		_, werr = fmt.Fprintf(w, "%10s  %s -> %s  %s\n",
			ch.At.Sub(start).Round(time.Millisecond),
			paintState(string(ch.From), color), paintState(string(ch.To), color), rule)
	})
	defer c.Close()

	br := bufio.NewReader(r)
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			c.Feed(ansi.SanitizeBytes(line))
			clock.Advance(gap)
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
	}
	// Let the last burst settle, including any dwell hold.
	clock.Advance(debounce + max(opts.Dwell, status.DefaultOptions().Dwell))
	if werr != nil {
		return werr
	}
	_, err := fmt.Fprintf(w, "final: %s\n", paintState(string(c.State()), color))
	return err
}

func paintState(state string, color bool) string {
	if !color {
		return state
	}
	code := ""
	switch status.State(state) {
	case status.Working:
		code = "33"
	case status.Waiting:
		code = "35"
	case status.Completed:
		code = "32"
	default:
		code = "2"
	}
	return "\x1b[" + code + "m" + state + "\x1b[0m"
}
