// learnsync is a command line front end for the learnsync client. It loads a
// YAML configuration (see package config), boots the client from its cache
// and the gateway, runs one subcommand and flushes before exiting.
//
//	learnsync [--config file] <command> [flags]
package main

import (
	"context"
	"fmt"
	"io"
	"maps"
	"os"
	"os/signal"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/pflag"

	"github.com/learnsync/learnsync"
	"github.com/learnsync/learnsync/pkg/config"
)

type command struct {
	name    string
	summary string
	run     func(ctx context.Context, c *learnsync.Client, args []string, w io.Writer) error
}

var commands = []command{
	{"hydrate", "fetch every table from the gateway and report counts", runHydrate},
	{"participants", "list participants and their completed lessons", runParticipants},
	{"create-participant", "create a participant and print the access code", runCreateParticipant},
	{"progress", "record a playback position for a participant", runProgress},
	{"flush", "push pending participant writes now", runFlush},
}

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(argv []string, stdout, stderr io.Writer) error {
	var configPath string
	flagSet := pflag.NewFlagSet("learnsync", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", config.GetEnvOrDefault("LEARNSYNC_CONFIG", ""), "path to the YAML configuration")
	flagSet.SetInterspersed(false)
	flagSet.SetOutput(stderr)
	flagSet.Usage = func() { printHelp(stderr, flagSet) }
	if err := flagSet.Parse(argv); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	args := flagSet.Args()
	if len(args) == 0 {
		printHelp(stderr, flagSet)
		return fmt.Errorf("missing command")
	}
	var cmd *command
	for i := range commands {
		if commands[i].name == args[0] {
			cmd = &commands[i]
		}
	}
	if cmd == nil {
		return fmt.Errorf("unknown command %q", args[0])
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	client, err := learnsync.New(cfg)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Gateway.Timeout.Std())
		defer cancel()
		if err := client.Close(closeCtx); err != nil {
			fmt.Fprintf(stderr, "warning: %v\n", err)
		}
	}()

	if _, err := client.Boot(ctx); err != nil {
		fmt.Fprintf(stderr, "warning: working from the local cache: %v\n", err)
	}
	return cmd.run(ctx, client, args[1:], stdout)
}

func printHelp(w io.Writer, flagSet *pflag.FlagSet) {
	fmt.Fprintln(w, "usage: learnsync [--config file] <command> [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "commands:")
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, c := range commands {
		fmt.Fprintf(tw, "  %s\t%s\n", c.name, c.summary)
	}
	tw.Flush()
	fmt.Fprintln(w)
	fmt.Fprint(w, flagSet.FlagUsages())
}

func runHydrate(ctx context.Context, c *learnsync.Client, _ []string, out io.Writer) error {
	if !c.Configured() {
		return fmt.Errorf("no gateway configured")
	}
	rep, err := c.Hydrate(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TABLE\tROWS\tDROPPED")
	counts := c.Store().Counts()
	for _, table := range slices.Sorted(maps.Keys(counts)) {
		fmt.Fprintf(w, "%s\t%d\t%d\n", table, counts[table], rep.Dropped[table])
	}
	if len(rep.Skipped) > 0 {
		fmt.Fprintf(w, "skipped\t%s\t\n", strings.Join(rep.Skipped, ","))
	}
	return w.Flush()
}

func runParticipants(_ context.Context, c *learnsync.Client, args []string, out io.Writer) error {
	var asJSON bool
	flagSet := pflag.NewFlagSet("participants", pflag.ContinueOnError)
	flagSet.BoolVar(&asJSON, "json", false, "output as JSON instead of a table")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	participants := c.Store().Participants.List()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(participants)
	}
	dirty := make(map[string]bool)
	for _, code := range c.Dirty() {
		dirty[code] = true
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CODE\tNAME\tCOMPLETED\tLAST UPDATE\tPENDING")
	for _, p := range participants {
		last := "-"
		if t := p.LessonProgress.LatestUpdate(); !t.IsZero() {
			last = t.Local().Format(time.DateTime)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%v\n", p.Code, p.DisplayName, p.LessonProgress.CompletedCount(), last, dirty[p.Code])
	}
	return w.Flush()
}

func runCreateParticipant(ctx context.Context, c *learnsync.Client, args []string, out io.Writer) error {
	var in learnsync.ParticipantInput
	flagSet := pflag.NewFlagSet("create-participant", pflag.ContinueOnError)
	flagSet.StringVar(&in.FirstName, "first-name", "", "first name")
	flagSet.StringVar(&in.LastName, "last-name", "", "last name")
	flagSet.StringVar(&in.PreferredName, "preferred-name", "", "name shown instead of first and last")
	flagSet.StringVar(&in.Email, "email", "", "email address")
	flagSet.StringVar(&in.Phone, "phone", "", "phone number")
	flagSet.StringVar(&in.BirthDate, "birth-date", "", "birth date as YYYY-MM-DD")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	p, err := c.CreateParticipant(ctx, in)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, p.Code)
	return nil
}

func runProgress(ctx context.Context, c *learnsync.Client, args []string, out io.Writer) error {
	var upd learnsync.ProgressUpdate
	var code string
	flagSet := pflag.NewFlagSet("progress", pflag.ContinueOnError)
	flagSet.StringVar(&code, "code", "", "participant access code")
	flagSet.StringVar(&upd.LessonID, "lesson", "", "lesson id")
	flagSet.Float64Var(&upd.Position, "position", 0, "playback position in seconds")
	flagSet.Float64Var(&upd.Duration, "duration", 0, "lesson duration in seconds, when the store does not know it")
	flagSet.BoolVar(&upd.Completed, "completed", false, "mark the lesson complete")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	upd.Immediate = true
	rec, err := c.RecordProgress(ctx, code, upd)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s %s position=%.0f/%.0f completed=%v\n", strings.ToUpper(code), rec.LessonID, rec.LastPosition, rec.Duration, rec.Completed)
	return nil
}

func runFlush(ctx context.Context, c *learnsync.Client, _ []string, out io.Writer) error {
	pending := c.Dirty()
	if err := c.Flush(ctx); err != nil {
		return err
	}
	fmt.Fprintf(out, "flushed %d participant(s), %d still pending\n", len(pending), len(c.Dirty()))
	return nil
}
