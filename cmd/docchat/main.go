// Package main provides the docchat CLI for ingesting documents and asking
// questions about them.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/bull/docchat/internal/app"
	"github.com/bull/docchat/internal/chat"
	"github.com/bull/docchat/internal/config"
	"github.com/bull/docchat/internal/document"
	"github.com/bull/docchat/internal/ingest"
)

var (
	configPath string
	projectID  string
	userID     string
)

var rootCmd = &cobra.Command{
	Use:   "docchat",
	Short: "Chat with your scanned documents",
	Long: `CLI tool for ingesting PDFs into a per-project vector index and asking
questions answered from them.

Configuration is read from --config (YAML) and the environment:
  QDRANT_HOST      Qdrant hostname (default: localhost)
  QDRANT_PORT      Qdrant gRPC port (default: 6334)
  OPENAI_API_KEY   OpenAI API key for embeddings and completion
  GEMINI_API_KEY   Gemini API key when completion.provider is gemini
  GITHUB_TOKEN     GitHub token for github:// references (optional)`,
	SilenceUsage: true,
}

var ingestCmd = &cobra.Command{
	Use:   "ingest <ref>...",
	Short: "Ingest PDFs from paths or github://owner/repo/path@ref references",
	Long: `Runs each document through splitting, OCR, chunking and embedding,
then stores its vectors in the project's collection.

Ingesting the same reference again re-ingests the same document.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runIngest,
}

var statusCmd = &cobra.Command{
	Use:   "status [document-id]",
	Short: "Show a document's ingestion status, or every document of the project",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStatus,
}

var deleteCmd = &cobra.Command{
	Use:   "delete <document-id>",
	Short: "Remove a document and all of its vectors",
	Args:  cobra.ExactArgs(1),
	RunE:  runDelete,
}

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a question about the project's documents",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAsk,
}

var historyCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Print a conversation",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistory,
}

var watchCmd = &cobra.Command{
	Use:   "watch [dir]",
	Short: "Ingest PDFs dropped into an inbox directory until interrupted",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runWatch,
}

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Re-ingest every document of the project with the current embedding model",
	Long: `Re-ingests every settled document of the project. When all of them
succeed, vectors of older embedding models are removed.`,
	Args: cobra.NoArgs,
	RunE: runReindex,
}

var (
	conversationID string
	documentIDs    []string
	historyLast    int
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "docchat.yaml", "config file")
	rootCmd.PersistentFlags().StringVarP(&projectID, "project", "p", "default", "project id")
	rootCmd.PersistentFlags().StringVarP(&userID, "user", "u", "", "user id (defaults to $USER)")

	askCmd.Flags().StringVar(&conversationID, "conversation", "", "conversation to continue (default: new conversation)")
	askCmd.Flags().StringSliceVar(&documentIDs, "document", nil, "restrict retrieval to these document ids")
	historyCmd.Flags().IntVarP(&historyLast, "last", "n", 0, "only the last n messages")

	rootCmd.AddCommand(ingestCmd, statusCmd, deleteCmd, askCmd, historyCmd, watchCmd, reindexCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// withApp loads the configuration, wires the components and runs fn. The
// context is cancelled on SIGINT/SIGTERM.
func withApp(fn func(ctx context.Context, a *app.App) error) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := cfg.Log.Logger(os.Stderr)

	a, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func currentUser() string {
	if userID != "" {
		return userID
	}
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "local"
}

func runIngest(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app.App) error {
		start := time.Now()
		failed := 0
		for _, ref := range args {
			fmt.Printf("Ingesting %s...\n", ref)
			result, err := a.Ingest.Ingest(ctx, ref, currentUser(), projectID)
			if err != nil {
				failed++
				fmt.Printf("  Failed: %v\n", err)
				continue
			}
			fmt.Printf("  Document: %s\n", result.DocumentID)
			fmt.Printf("  Pages: %d\n", result.Pages)
			fmt.Printf("  Chunks: %d\n", result.Chunks)
			if result.FailedPages > 0 || result.LowConfidence > 0 {
				fmt.Printf("  Unreadable pages: %d, low confidence: %d (see status)\n", result.FailedPages, result.LowConfidence)
			}
			fmt.Printf("  Duration: %s\n", result.Duration.Round(time.Millisecond))
		}

		fmt.Println()
		fmt.Printf("Ingested %d/%d documents in %s\n", len(args)-failed, len(args), time.Since(start).Round(time.Second))
		if failed > 0 {
			return fmt.Errorf("%d documents failed", failed)
		}
		return nil
	})
}

func runStatus(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app.App) error {
		if len(args) == 1 {
			doc, err := a.Ingest.Status(ctx, args[0])
			if err != nil {
				return err
			}
			printDocument(*doc)
			return nil
		}

		docs, err := a.Ingest.List(ctx, projectID)
		if err != nil {
			return err
		}
		if len(docs) == 0 {
			fmt.Printf("No documents in project %s\n", projectID)
			return nil
		}
		for _, doc := range docs {
			printDocument(doc)
		}
		return nil
	})
}

func runDelete(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app.App) error {
		if err := a.Ingest.Delete(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Deleted %s\n", args[0])
		return nil
	})
}

func runAsk(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app.App) error {
		svc, err := a.Chat(ctx)
		if err != nil {
			return err
		}

		// A continued conversation keeps its scope unless --project is given.
		convID, project := conversationID, projectID
		if convID == "" {
			convID = uuid.NewString()
		} else if !cmd.Flags().Changed("project") {
			project = ""
		}
		reply, err := svc.Ask(ctx, chat.AskRequest{
			ConversationID: convID,
			UserID:         currentUser(),
			Query:          strings.Join(args, " "),
			Scope:          document.Scope{ProjectID: project, DocumentIDs: documentIDs},
		})
		if err != nil {
			return err
		}

		fmt.Println(reply.Answer.Content)
		if len(reply.Sources) > 0 {
			fmt.Println()
			fmt.Println("Sources:")
			for _, s := range reply.Sources {
				fmt.Printf("  [%d] %s pages %s (score %.3f)\n", s.Rank, s.DocumentID,
					document.FormatPageRange(s.FirstPage, s.LastPage), s.Score)
			}
		}
		fmt.Println()
		fmt.Printf("Conversation: %s\n", convID)
		return nil
	})
}

func runHistory(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app.App) error {
		svc, err := a.Chat(ctx)
		if err != nil {
			return err
		}
		msgs, err := svc.History(ctx, args[0], historyLast)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			marker := ""
			if m.Failed {
				marker = " (failed: " + m.Error + ")"
			}
			fmt.Printf("#%d %s%s\n%s\n\n", m.Sequence, m.Role, marker, m.Content)
		}
		return nil
	})
}

func runWatch(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app.App) error {
		dir := a.Config.Watch.Dir
		if len(args) == 1 {
			dir = args[0]
		}
		if dir == "" {
			return fmt.Errorf("%w: no inbox directory; pass one or set watch.dir", document.ErrInvalidInput)
		}
		project := projectID
		if !cmd.Flags().Changed("project") && a.Config.Watch.ProjectID != "" {
			project = a.Config.Watch.ProjectID
		}
		user := currentUser()
		if userID == "" && a.Config.Watch.UserID != "" {
			user = a.Config.Watch.UserID
		}

		// The watcher is the only writer while it runs.
		if _, err := a.Ingest.Recover(ctx); err != nil {
			return err
		}
		w := ingest.NewWatcher(a.Ingest, dir, user, project, a.Config.Watch.SettleDelay, a.Logger)
		return w.Run(ctx)
	})
}

func runReindex(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app.App) error {
		fmt.Printf("Reindexing project %s with %s...\n", projectID, a.Vectorizer.ModelVersion())
		result, err := a.Ingest.Reindex(ctx, projectID)
		if err != nil {
			return err
		}

		fmt.Println()
		fmt.Println("Reindex complete!")
		fmt.Printf("  Documents: %d\n", result.Succeeded)
		fmt.Printf("  Old model vectors pruned: %t\n", result.Pruned)
		fmt.Printf("  Duration: %s\n", result.Duration.Round(time.Second))

		if len(result.FailedDocs) > 0 {
			fmt.Println()
			fmt.Println("Failed documents:")
			for _, failed := range result.FailedDocs {
				fmt.Printf("  - %s (%s): %s\n", failed.DocumentID, failed.Ref, failed.Reason)
			}
		}
		return nil
	})
}

func printDocument(doc document.Document) {
	fmt.Printf("%s  %-11s  %s\n", doc.ID, doc.Status, doc.SourceRef)
	if doc.PageCount > 0 {
		fmt.Printf("  Pages: %d\n", doc.PageCount)
	}
	if doc.FailureReason != "" {
		fmt.Printf("  Reason: %s\n", doc.FailureReason)
	}
	for _, p := range doc.Pages {
		switch {
		case p.Error != "":
			fmt.Printf("  Page %d: %s\n", p.PageNumber, p.Error)
		case p.LowConfidence:
			fmt.Printf("  Page %d: low confidence (%.0f)\n", p.PageNumber, p.Confidence)
		}
	}
}
