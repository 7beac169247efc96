package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/ggoodman/dropdesk/dropapi"
	"github.com/ggoodman/dropdesk/gateway"
	"github.com/ggoodman/dropdesk/search"
	"github.com/ggoodman/dropdesk/session"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	var (
		envFile string
		a       *app
	)
	root := &cobra.Command{
		Use:          "dropdesk",
		Short:        "Search drop records and chat with the assistant",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			a, err = newApp(cmd.Context(), envFile)
			return err
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a == nil {
				return nil
			}
			return a.Close()
		},
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", "", "load settings from this .env file instead of ./.env")

	get := func() *app { return a }
	root.AddCommand(
		newLoginCmd(get),
		newLogoutCmd(get),
		newWhoamiCmd(get),
		newSearchCmd(get),
		newHistoryCmd(get),
		newDevModeCmd(get),
		newChatCmd(get),
		newShowCmd(get),
		newAddCmd(get),
		newEditCmd(get),
		newNamesCmd(get),
	)
	return root
}

func newLoginCmd(get func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Sign in through the browser",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, ctx := get(), cmd.Context()
			a.sessions.Initialize(ctx)
			if a.sessions.Phase() == session.PhaseAuthenticated {
				fmt.Fprintf(cmd.OutOrStdout(), "Already signed in as %s\n", displayName(a.sessions.Session()))
				return nil
			}
			events, cancel := a.sessions.Subscribe()
			defer cancel()
			a.sessions.Login(ctx)
			if err := awaitLogin(ctx, events); err != nil {
				return err
			}
			a.scope(ctx)
			fmt.Fprintf(cmd.OutOrStdout(), "Signed in as %s\n", displayName(a.sessions.Session()))
			return nil
		},
	}
}

func newLogoutCmd(get func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and forget the stored token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, ctx := get(), cmd.Context()
			a.sessions.Initialize(ctx)
			events, cancel := a.sessions.Subscribe()
			defer cancel()
			a.sessions.Logout(ctx)
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case ev, ok := <-events:
					if !ok {
						return errors.New("session closed")
					}
					if ev.Kind == session.EventLoggedOut {
						fmt.Fprintln(cmd.OutOrStdout(), "Signed out")
						return nil
					}
				}
			}
		},
	}
}

func newWhoamiCmd(get func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, ctx := get(), cmd.Context()
			a.sessions.Initialize(ctx)
			s := a.sessions.Session()
			if !s.Authenticated {
				fmt.Fprintln(cmd.OutOrStdout(), "Not signed in")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "User:\t%s\n", displayName(s))
			if s.Profile != nil && s.Profile.Email != "" {
				fmt.Fprintf(w, "Email:\t%s\n", s.Profile.Email)
			}
			fmt.Fprintf(w, "Token expires:\t%s\n", s.ExpiresAt.Local().Format("2006-01-02 15:04:05"))
			return w.Flush()
		},
	}
}

func newSearchCmd(get func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "search [term]",
		Short: "Search drop records; without a term, repeat the last search",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, ctx := get(), cmd.Context()
			a.sessions.Initialize(ctx)
			term := strings.Join(args, " ")

			events, cancel := a.sessions.Subscribe()
			defer cancel()

			run := func() search.State {
				if term != "" {
					a.search.SetTerm(ctx, term)
					return a.search.Search(ctx, term)
				}
				if a.search.EnsureDefaultSearch(ctx) {
					return a.search.State()
				}
				return a.search.Search(ctx, "")
			}
			st := run()
			if st.Error == search.MsgSessionExpired {
				fmt.Fprintln(cmd.ErrOrStderr(), st.Error)
				if err := awaitLogin(ctx, events); err != nil {
					return err
				}
				a.scope(ctx)
				st = run()
			}
			return printState(cmd.OutOrStdout(), st)
		},
	}
}

func newHistoryCmd(get func() *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent search terms, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for i, term := range get().search.State().History {
				fmt.Fprintf(cmd.OutOrStdout(), "%2d  %s\n", i+1, term)
			}
			return nil
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "rm <term>",
		Short: "Remove a term from the history",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			term := strings.Join(args, " ")
			if !get().search.DeleteHistoryEntry(cmd.Context(), term) {
				return fmt.Errorf("%q is not in the history", term)
			}
			return nil
		},
	})
	return cmd
}

func newDevModeCmd(get func() *app) *cobra.Command {
	return &cobra.Command{
		Use:       "devmode [on|off|toggle]",
		Short:     "Show or change whether searches use the augmented backend",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"on", "off", "toggle"},
		RunE: func(cmd *cobra.Command, args []string) error {
			a, ctx := get(), cmd.Context()
			var err error
			if len(args) == 1 {
				switch args[0] {
				case "on":
					err = a.routing.Set(ctx, true)
				case "off":
					err = a.routing.Set(ctx, false)
				case "toggle":
					_, err = a.routing.Toggle(ctx)
				}
			}
			if err != nil {
				return err
			}
			state := "off"
			if a.routing.Enabled() {
				state = "on"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "dev mode %s\n", state)
			return nil
		},
	}
}

func newChatCmd(get func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "chat [prompt]",
		Short: "Ask the assistant; without a prompt, start an interactive chat",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, ctx := get(), cmd.Context()
			a.sessions.Initialize(ctx)
			events, cancel := a.sessions.Subscribe()
			defer cancel()

			send := func(prompt string) error {
				err := a.chat.Send(ctx, prompt)
				if gateway.IsAuthError(err) {
					fmt.Fprintln(cmd.ErrOrStderr(), "Signing in...")
					if lerr := awaitLogin(ctx, events); lerr != nil {
						return lerr
					}
					err = a.chat.Send(ctx, prompt)
				}
				fmt.Fprintln(cmd.OutOrStdout())
				return err
			}

			if len(args) > 0 {
				return send(strings.Join(args, " "))
			}

			in := bufio.NewScanner(cmd.InOrStdin())
			for {
				fmt.Fprint(cmd.OutOrStdout(), "> ")
				if !in.Scan() {
					fmt.Fprintln(cmd.OutOrStdout())
					return in.Err()
				}
				if err := send(in.Text()); err != nil {
					fmt.Fprintln(cmd.ErrOrStderr(), err)
				}
			}
		},
	}
}

// withLogin runs fn and, when it failed for lack of a session, waits for the
// login the gateway started and runs it once more.
func withLogin(ctx context.Context, cmd *cobra.Command, a *app, fn func() error) error {
	events, cancel := a.sessions.Subscribe()
	defer cancel()

	err := fn()
	if !gateway.IsAuthError(err) {
		return err
	}
	fmt.Fprintln(cmd.ErrOrStderr(), "Signing in...")
	if lerr := awaitLogin(ctx, events); lerr != nil {
		return lerr
	}
	a.scope(ctx)
	return fn()
}

func newShowCmd(get func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one drop record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, ctx := get(), cmd.Context()
			return withLogin(ctx, cmd, a, func() error {
				rec, err := a.api.GetDrop(ctx, args[0])
				if err != nil {
					return err
				}
				return printRecord(cmd.OutOrStdout(), rec)
			})
		},
	}
}

// recordFlags binds the editable Record fields to flags.
type recordFlags struct {
	source, target, min, max, quest int
	chance                          float64
}

func (f *recordFlags) bind(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.IntVar(&f.source, "source", 0, "source (dropper) id")
	fs.IntVar(&f.target, "target", 0, "target (item) id")
	fs.IntVar(&f.min, "min", 0, "minimum quantity")
	fs.IntVar(&f.max, "max", 0, "maximum quantity")
	fs.IntVar(&f.quest, "quest", 0, "quest id, 0 for none")
	fs.Float64Var(&f.chance, "chance", 0, "drop chance")
}

// apply copies the flags the user set onto rec.
func (f *recordFlags) apply(cmd *cobra.Command, rec *dropapi.Record) {
	fs := cmd.Flags()
	if fs.Changed("source") {
		rec.SourceID = f.source
	}
	if fs.Changed("target") {
		rec.TargetID = f.target
	}
	if fs.Changed("min") {
		rec.MinQuantity = f.min
	}
	if fs.Changed("max") {
		rec.MaxQuantity = f.max
	}
	if fs.Changed("quest") {
		rec.QuestID = f.quest
	}
	if fs.Changed("chance") {
		rec.Chance = f.chance
	}
}

func newAddCmd(get func() *app) *cobra.Command {
	var f recordFlags
	cmd := &cobra.Command{
		Use:   "add --source ID --target ID [--min N] [--max N] [--quest ID] [--chance P]",
		Short: "Add a drop record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, ctx := get(), cmd.Context()
			var rec dropapi.Record
			f.apply(cmd, &rec)
			return withLogin(ctx, cmd, a, func() error {
				raw, err := a.api.AddDrop(ctx, rec)
				if err != nil {
					return err
				}
				return printWriteResult(cmd.OutOrStdout(), raw, "Added")
			})
		},
	}
	f.bind(cmd)
	_ = cmd.MarkFlagRequired("source")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

func newEditCmd(get func() *app) *cobra.Command {
	var f recordFlags
	cmd := &cobra.Command{
		Use:   "edit <id> [--source ID] [--target ID] [--min N] [--max N] [--quest ID] [--chance P]",
		Short: "Change fields of a drop record; unset flags keep their current value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, ctx := get(), cmd.Context()
			id := args[0]
			return withLogin(ctx, cmd, a, func() error {
				rec, err := a.api.GetDrop(ctx, id)
				if err != nil {
					return err
				}
				f.apply(cmd, &rec)
				raw, err := a.api.UpdateDrop(ctx, id, rec)
				if err != nil {
					return err
				}
				return printWriteResult(cmd.OutOrStdout(), raw, "Updated")
			})
		},
	}
	f.bind(cmd)
	return cmd
}

func newNamesCmd(get func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "names [prefix]",
		Short: "List known source and target names, optionally those starting with prefix",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, ctx := get(), cmd.Context()
			prefix := ""
			if len(args) == 1 {
				prefix = args[0]
			}
			return withLogin(ctx, cmd, a, func() error {
				names, err := a.api.Names(ctx)
				if err != nil {
					return err
				}
				for _, n := range matchNames(names, prefix) {
					fmt.Fprintln(cmd.OutOrStdout(), n)
				}
				return nil
			})
		},
	}
}

// matchNames keeps the names starting with prefix, ignoring case.
func matchNames(names []string, prefix string) []string {
	prefix = strings.ToLower(prefix)
	var out []string
	for _, n := range names {
		if strings.HasPrefix(strings.ToLower(n), prefix) {
			out = append(out, n)
		}
	}
	return out
}

func printRecord(out io.Writer, r dropapi.Record) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "ID:\t%s\n", r.ID)
	fmt.Fprintf(w, "Source:\t%s (%d)\n", r.SourceName, r.SourceID)
	fmt.Fprintf(w, "Target:\t%s (%d)\n", r.TargetName, r.TargetID)
	fmt.Fprintf(w, "Quantity:\t%d-%d\n", r.MinQuantity, r.MaxQuantity)
	fmt.Fprintf(w, "Chance:\t%.4g%%\n", r.Chance*100)
	fmt.Fprintf(w, "Quest:\t%d\n", r.QuestID)
	return w.Flush()
}

func printWriteResult(out io.Writer, raw json.RawMessage, verb string) error {
	var res dropapi.WriteResult
	if err := json.Unmarshal(raw, &res); err != nil || res.ID == "" {
		fmt.Fprintf(out, "%s: %s\n", verb, strings.TrimSpace(string(raw)))
		return nil
	}
	fmt.Fprintf(out, "%s drop %s\n", verb, res.ID)
	return nil
}

func displayName(s session.Session) string {
	if s.Profile == nil {
		return "(unknown user)"
	}
	if s.Profile.DisplayName != "" {
		return s.Profile.DisplayName
	}
	if s.Profile.Email != "" {
		return s.Profile.Email
	}
	return s.Profile.Subject
}

func printState(out io.Writer, st search.State) error {
	switch st.Outcome {
	case search.OutcomeError:
		return errors.New(st.Error)
	case search.OutcomeIdle:
		fmt.Fprintln(out, "Nothing to search for")
		return nil
	case search.OutcomeEmptyNoAlternatives:
		fmt.Fprintf(out, "No drops found for %q\n", st.Term)
		return nil
	case search.OutcomeEmptyWithAlternatives:
		fmt.Fprintf(out, "No drops found for %q. Known identifiers:\n", st.Term)
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tKIND\tIMAGE\tDROPS")
		for _, e := range st.Alternatives {
			fmt.Fprintf(w, "%d\t%s\t%t\t%t\n", e.ID, e.Kind, e.ImageExists, e.RecordExists)
		}
		return w.Flush()
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSOURCE\tTARGET\tQTY\tCHANCE\tQUEST")
	for _, r := range st.Results {
		fmt.Fprintf(w, "%s\t%s (%d)\t%s (%d)\t%d-%d\t%.4g%%\t%d\n",
			r.ID, r.SourceName, r.SourceID, r.TargetName, r.TargetID,
			r.MinQuantity, r.MaxQuantity, r.Chance*100, r.QuestID)
	}
	return w.Flush()
}
