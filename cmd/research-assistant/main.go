package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/mikeboe/research-assistant/pkg/app"
	"github.com/mikeboe/research-assistant/pkg/chat"
	"github.com/mikeboe/research-assistant/pkg/config"
	"github.com/mikeboe/research-assistant/pkg/ingest"
	"github.com/spf13/cobra"
)

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var sessionID string

	root := &cobra.Command{
		Use:   "research-assistant",
		Short: "A conversational research assistant",
		Long: `research-assistant answers questions using live web search and your private
document index. Without a subcommand it starts an interactive chat.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				sess, err := openSession(ctx, a, sessionID)
				if err != nil {
					return err
				}

				loop := newChatLoop(a.Chat, sess, cmd.InOrStdin(), cmd.OutOrStdout())
				loop.ask = func(ctx context.Context, question string) (chat.Answer, error) {
					var answer chat.Answer
					err := withSpinner(ctx, cmd.ErrOrStderr(), "Researching...", func(ctx context.Context) error {
						var err error
						answer, err = a.Chat.Ask(ctx, sess, question)
						return err
					})
					return answer, err
				}
				err = loop.run(ctx)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
		},
	}
	root.Flags().StringVarP(&sessionID, "session", "s", "", "resume a saved conversation by id")

	root.AddCommand(newAskCmd(), newSearchCmd(), newIndexCmd(), newSessionsCmd())
	return root
}

func newAskCmd() *cobra.Command {
	var web, files bool

	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask a single question",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				// One-off questions are not saved.
				svc := chat.NewService(a.Chat.Executor, nil, nil)
				sess := chat.NewSession()
				svc.SetTools(ctx, sess, &web, &files)

				var answer chat.Answer
				err := withSpinner(ctx, cmd.ErrOrStderr(), "Researching...", func(ctx context.Context) error {
					var err error
					answer, err = svc.Ask(ctx, sess, strings.Join(args, " "))
					return err
				})
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				fmt.Fprintln(out, answer.Text)
				if s := renderSources(answer); s != "" {
					fmt.Fprintln(out, "\n"+s)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&web, "web", true, "use web search")
	cmd.Flags().BoolVar(&files, "files", true, "use the document index")
	return cmd
}

func newSearchCmd() *cobra.Command {
	var source, kind string

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the document index directly",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				results, err := a.Searcher.Search(ctx, a.SearchParams(), chat.FileSearchArgs{
					Query:  strings.Join(args, " "),
					Source: source,
					Kind:   kind,
				})
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), chat.FormatResults(results))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "restrict results to one source")
	cmd.Flags().StringVar(&kind, "kind", "", "restrict results to file, url or arxiv documents")
	return cmd
}

func newIndexCmd() *cobra.Command {
	var replace bool
	var maxResults int

	index := &cobra.Command{
		Use:   "index",
		Short: "Add documents to the document index",
	}
	index.PersistentFlags().BoolVar(&replace, "replace", false, "re-index sources that are already indexed")

	run := func(kind ingest.SourceKind) func(cmd *cobra.Command, args []string) error {
		return func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				var sources []ingest.Source
				if kind == ingest.SourceArxiv {
					sources = []ingest.Source{{Kind: kind, Location: strings.Join(args, " "), MaxResults: maxResults}}
				} else {
					for _, arg := range args {
						sources = append(sources, ingest.Source{Kind: kind, Location: arg})
					}
				}

				ix := a.NewIndexer(slog.Default())
				ix.Replace = replace
				report, err := ix.Run(ctx, sources)
				printReport(cmd.OutOrStdout(), report)
				if err != nil {
					return err
				}
				if len(report.Failed) > 0 && len(report.Indexed) == 0 && len(report.Skipped) == 0 {
					return fmt.Errorf("no source could be indexed")
				}
				return nil
			})
		}
	}

	index.AddCommand(
		&cobra.Command{
			Use:   "files <path>...",
			Short: "Index local text, markdown or HTML files",
			Args:  cobra.MinimumNArgs(1),
			RunE:  run(ingest.SourceFile),
		},
		&cobra.Command{
			Use:   "urls <url>...",
			Short: "Index web pages and PDFs",
			Args:  cobra.MinimumNArgs(1),
			RunE:  run(ingest.SourceURL),
		},
	)

	arxiv := &cobra.Command{
		Use:   "arxiv <query>",
		Short: "Index the papers an arXiv search returns",
		Args:  cobra.MinimumNArgs(1),
		RunE:  run(ingest.SourceArxiv),
	}
	arxiv.Flags().IntVar(&maxResults, "max", 5, "number of papers to index")
	index.AddCommand(arxiv, newRemoveCmd())

	return index
}

func newRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <source>...",
		Short: "Remove sources from the document index",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				out := cmd.OutOrStdout()
				for _, source := range args {
					n, err := a.Store.DeleteBySource(ctx, source)
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "%s %s: %d chunks\n", sourceStyle.Render("removed"), source, n)
				}
				return nil
			})
		},
	}
}

func newSessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List saved conversations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				convs, err := a.Repo.ListConversations(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, c := range convs {
					fmt.Fprintf(out, "%s  %s  %s\n", c.ID, c.UpdatedAt.Format("2006-01-02 15:04"), c.Title)
				}
				return nil
			})
		},
	}
}

// withApp loads the configuration, wires the application and runs fn.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	app.SetupLogging(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogJSON)

	ctx := cmd.Context()
	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(ctx, a)
}

func openSession(ctx context.Context, a *app.App, id string) (*chat.Session, error) {
	if id != "" {
		parsed, err := uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("invalid session id: %w", err)
		}
		return a.Repo.LoadSession(ctx, parsed)
	}

	sess := chat.NewSession()
	if _, err := a.Repo.CreateConversation(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func printReport(out io.Writer, report ingest.Report) {
	for _, s := range report.Indexed {
		label := s.Source
		if s.Title != "" {
			label = fmt.Sprintf("%s (%s)", s.Title, s.Source)
		}
		fmt.Fprintf(out, "%s %s: %d chunks\n", promptStyle.Render("indexed"), label, s.Chunks)
	}
	for _, s := range report.Skipped {
		fmt.Fprintf(out, "%s %s: already indexed\n", sourceStyle.Render("skipped"), s)
	}
	for _, f := range report.Failed {
		fmt.Fprintf(out, "%s %s: %s\n", errorStyle.Render("failed "), f.Source, f.Error)
	}
	fmt.Fprintf(out, "%d indexed, %d skipped, %d failed, %d chunks\n",
		len(report.Indexed), len(report.Skipped), len(report.Failed), report.Chunks())
}
