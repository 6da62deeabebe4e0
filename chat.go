package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"masterclassdev/academy"
	"masterclassdev/catalog"
	"masterclassdev/coach"
	"masterclassdev/config"
	"masterclassdev/logger"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var (
	sapphire = lipgloss.Color("#74c7ec")
	green    = lipgloss.Color("#a6e3a1")
	peach    = lipgloss.Color("#fab387")
	subtext  = lipgloss.Color("#a6adc8")

	titleStyle  = lipgloss.NewStyle().Foreground(sapphire).Bold(true)
	coachStyle  = lipgloss.NewStyle().Foreground(sapphire)
	youStyle    = lipgloss.NewStyle().Foreground(peach).Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(subtext)
	syncedStyle = lipgloss.NewStyle().
			Foreground(green).
			Bold(true).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(green).
			Padding(0, 1)
)

type cliFlags struct {
	learner string
	verbose bool
}

func (f *cliFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.learner, "learner", "local", "learner id progress is stored under")
	cmd.Flags().BoolVar(&f.verbose, "verbose", false, "write development logs to stderr")
}

// loadCLI connects the app for a one-shot terminal command.
func loadCLI(ctx context.Context, f cliFlags) (*app, error) {
	cfg, err := config.Load(ctx)
	if err != nil {
		return nil, err
	}
	log := logger.Nop()
	if f.verbose {
		log = logger.Connect(logger.LoggerConnectProps{})
	}
	return connectApp(ctx, cfg, log)
}

func newChatCmd() *cobra.Command {
	var flags cliFlags
	var seriesID string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Run a coaching chat for your current chapter in the terminal",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := loadCLI(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer app.Close()

			if seriesID == "" {
				list := app.catalog.List()
				if len(list) == 0 {
					return errNoSeries
				}
				seriesID = list[0].ID
			}
			return runChat(cmd.Context(), app.academy, flags.learner, seriesID, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&seriesID, "series", "", "series to chat in (default: first in catalog)")
	return cmd
}

func runChat(ctx context.Context, a *academy.Academy, learnerID, seriesID string, in io.Reader, out io.Writer) error {
	profile, err := a.Profile(ctx, learnerID, seriesID)
	if err != nil {
		return err
	}

	finished := make(chan academy.Finished, 1)
	session, err := a.Open(ctx, academy.OpenArgs{
		LearnerID:  learnerID,
		SeriesID:   seriesID,
		OnFinished: func(f academy.Finished) { finished <- f },
	})
	if err != nil {
		return err
	}

	fmt.Fprintln(out, titleStyle.Render(fmt.Sprintf("%s · Chapter %d/%d: %s",
		profile.Series.Title, profile.Current.ID, len(profile.Series.Episodes), profile.Current.Title)))
	fmt.Fprintln(out, mutedStyle.Render("/skip to end the chat, /quit to exit"))
	fmt.Fprintln(out, coachStyle.Render(session.Transcript()[0].Text))

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, youStyle.Render("you › "))
		if !scanner.Scan() {
			_, err := a.Close(ctx, session.ID())
			if err == nil {
				printFinished(out, <-finished)
			}
			return scanner.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/quit":
			if _, err := a.Close(ctx, session.ID()); err != nil {
				return err
			}
			printFinished(out, <-finished)
			return nil
		case "/skip":
			if _, err := a.Skip(ctx, session.ID()); err != nil {
				return err
			}
			printFinished(out, <-finished)
			return nil
		}

		res, err := a.Submit(ctx, session.ID(), line)
		if err != nil {
			if errors.Is(err, academy.ErrUnknownSession) || errors.Is(err, coach.ErrSessionClosed) {
				printFinished(out, <-finished)
				return nil
			}
			fmt.Fprintln(out, mutedStyle.Render(err.Error()))
			continue
		}
		if res.Reply != nil {
			fmt.Fprintln(out, coachStyle.Render(res.Reply.Text))
		}
		if res.State != coach.Active {
			fmt.Fprintln(out, mutedStyle.Render(fmt.Sprintf("locking in… %d%%", res.Progress)))
			printFinished(out, <-finished)
			return nil
		}
	}
}

func printFinished(out io.Writer, f academy.Finished) {
	switch {
	case f.Err != nil:
		fmt.Fprintln(out, mutedStyle.Render("could not save progress: "+f.Err.Error()))
	case !coach.IsCommitment(f.Outcome):
		fmt.Fprintln(out, mutedStyle.Render("Chat closed. Progress unchanged."))
	case f.Unlocked():
		next, err := f.Series.Episode(f.Record.Episode)
		msg := "Mastery Synced\nNext Episode Unlocked"
		if err == nil {
			msg += ": " + next.Title
		}
		fmt.Fprintln(out, syncedStyle.Render(msg))
	default:
		fmt.Fprintln(out, syncedStyle.Render("Mastery Synced"))
	}
}

func newCatalogCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Print the series catalog",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if path == "" {
				path = os.Getenv("CATALOG_PATH")
			}
			cat, err := catalog.Load(path)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, s := range cat.List() {
				fmt.Fprintln(out, titleStyle.Render(fmt.Sprintf("%s (%s)", s.Title, s.ID)))
				fmt.Fprintln(out, mutedStyle.Render(fmt.Sprintf("%s · coach: %s", s.Tagline, s.Character)))
				for _, ep := range s.Episodes {
					fmt.Fprintf(out, "  %d. %s: %s\n", ep.ID, ep.Title, mutedStyle.Render(ep.ChatGoal))
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "file", "", "catalog file (default: CATALOG_PATH or the built-in catalog)")
	return cmd
}

func newProgressCmd() *cobra.Command {
	var flags cliFlags
	cmd := &cobra.Command{
		Use:   "progress",
		Short: "Show a learner's progress in every series",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := loadCLI(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer app.Close()

			list, err := app.academy.Progress(cmd.Context(), flags.learner)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, p := range list {
				fmt.Fprintf(out, "%s  chapter %d/%d · %d%% · %d XP · streak %d\n",
					titleStyle.Render(p.Series.Title), p.Current.ID, len(p.Series.Episodes), p.Percent, p.Record.XP, p.Record.Streak)
				if g := p.Record.Goal; g != nil {
					fmt.Fprintf(out, "  %s %s\n", mutedStyle.Render("goal:"), fmt.Sprintf("%s (%d%%)", g.Title, g.OverallProgressPercent))
					for _, m := range g.Milestones {
						mark := "[ ]"
						if m.Completed {
							mark = "[x]"
						}
						fmt.Fprintf(out, "    %s %s\n", mark, m.Text)
					}
				}
			}
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}
