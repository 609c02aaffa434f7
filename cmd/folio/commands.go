package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/folio/internal/archive"
	"github.com/kalambet/folio/internal/inbox"
	"github.com/kalambet/folio/internal/ingest"
	"github.com/kalambet/folio/internal/reconcile"
	"github.com/kalambet/folio/internal/valorize"
)

// --- ingest ---

var ingestCmd = &cobra.Command{
	Use:   "ingest [pdf]",
	Short: "Stage a PDF for ingestion, or commit/discard a staged proposal",
	Long: `Stage a PDF for ingestion, or commit/discard a staged proposal.

Examples:
  folio ingest ~/inbox/paper.pdf
  folio ingest --list
  folio ingest --commit 3f2a... --key doe2024study --title "A Study"
  folio ingest --discard 3f2a...`,
	RunE: func(cmd *cobra.Command, args []string) error {
		list, _ := cmd.Flags().GetBool("list")
		commitID, _ := cmd.Flags().GetString("commit")
		discardID, _ := cmd.Flags().GetString("discard")

		v, err := openVault()
		if err != nil {
			return err
		}
		defer v.Close()
		pipeline := v.pipeline()

		switch {
		case list:
			return listStaged(pipeline)
		case discardID != "":
			if err := pipeline.Discard(discardID); err != nil {
				return err
			}
			printSuccess("Discarded proposal %s", discardID)
			return nil
		case commitID != "":
			return commitProposal(cmd, v, pipeline, commitID)
		case len(args) == 1:
			return proposePDF(cmd, pipeline, args[0])
		default:
			return fmt.Errorf("a PDF path, --list, --commit, or --discard is required")
		}
	},
}

func proposePDF(cmd *cobra.Command, pipeline *ingest.Pipeline, path string) error {
	prop, err := pipeline.Propose(cmd.Context(), path)
	if err != nil {
		return err
	}

	printSuccess("Staged %s", prop.SourceName)
	printStatus("Proposal", "%s", prop.ID)
	printStatus("Key", "%s", prop.SuggestedKey)
	if prop.Title != "" {
		printStatus("Title", "%s", prop.Title)
	}
	if prop.Author != "" {
		printStatus("Author", "%s", prop.Author)
	}
	if prop.Year != 0 {
		printStatus("Year", "%d", prop.Year)
	}
	if prop.Journal != "" {
		printStatus("Journal", "%s", prop.Journal)
	}
	if prop.DOI != "" {
		printStatus("DOI", "%s", prop.DOI)
	}
	printStatus("Pages", "%d", prop.PageCount)
	if prop.Quality.Suspect() {
		printWarning("Extracted text looks poor (%.0f chars/page); review before committing", prop.Quality.CharsPerPage)
	}
	if prop.ExistingKey != "" {
		printWarning("Identical content already archived as %s; commit will refuse", prop.ExistingKey)
		return nil
	}

	printStep("Commit with: folio ingest --commit %s", prop.ID)
	return nil
}

func commitProposal(cmd *cobra.Command, v *vault, pipeline *ingest.Pipeline, id string) error {
	input := ingest.CommitInput{}
	input.Key, _ = cmd.Flags().GetString("key")
	input.Title, _ = cmd.Flags().GetString("title")
	input.Year, _ = cmd.Flags().GetInt("year")
	input.Journal, _ = cmd.Flags().GetString("journal")
	input.DOI, _ = cmd.Flags().GetString("doi")
	if authors, _ := cmd.Flags().GetString("authors"); authors != "" {
		input.Authors = splitList(authors)
	}
	if tags, _ := cmd.Flags().GetString("tags"); tags != "" {
		input.Tags = splitList(tags)
	}

	key, err := pipeline.Commit(cmd.Context(), id, input)
	var dup *archive.DuplicateContentError
	if errors.As(err, &dup) {
		printError("Already archived as %s", dup.ExistingKey)
		return err
	}
	if err != nil {
		return err
	}
	printSuccess("Archived as %s", key)

	// Valorize inline when the embedder is reachable; otherwise the queued
	// job waits for the next serve run.
	if v.embedder.IsRunning(cmd.Context()) {
		printStep("Valorizing...")
		worker := valorize.NewWorker(v.cat, v.archives, v.embedder, v.index, 0)
		if err := drainJobs(cmd, worker); err != nil {
			printWarning("Valorization failed (job stays queued): %v", err)
			return nil
		}
		printSuccess("Valorized %s", key)
	} else {
		printWarning("Ollama not reachable; valorization queued for the next serve run")
	}
	return nil
}

func drainJobs(cmd *cobra.Command, worker *valorize.Worker) error {
	for {
		claimed, err := worker.RunOnce(cmd.Context())
		if err != nil {
			return err
		}
		if !claimed {
			return nil
		}
	}
}

func listStaged(pipeline *ingest.Pipeline) error {
	staged, err := pipeline.ListStaged()
	if err != nil {
		return err
	}
	if len(staged) == 0 {
		fmt.Println("No staged proposals.")
		return nil
	}
	for _, p := range staged {
		fmt.Printf("%s  %s  %s (%d pages)\n",
			colorize(colorCyan, p.ID),
			colorize(colorBold, p.SuggestedKey),
			p.Title,
			p.PageCount,
		)
	}
	return nil
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func init() {
	ingestCmd.Flags().Bool("list", false, "list staged proposals")
	ingestCmd.Flags().String("commit", "", "commit the staged proposal with this ID")
	ingestCmd.Flags().String("discard", "", "discard the staged proposal with this ID")
	ingestCmd.Flags().String("key", "", "override the document key")
	ingestCmd.Flags().String("title", "", "override the title")
	ingestCmd.Flags().String("authors", "", "comma-separated author list")
	ingestCmd.Flags().Int("year", 0, "override the publication year")
	ingestCmd.Flags().String("journal", "", "journal or venue")
	ingestCmd.Flags().String("doi", "", "DOI")
	ingestCmd.Flags().String("tags", "", "comma-separated tags")
}

// --- inbox ---

var inboxCmd = &cobra.Command{
	Use:   "inbox",
	Short: "List PDFs waiting in the inbox directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := openVault()
		if err != nil {
			return err
		}
		defer v.Close()

		entries, err := inbox.Scan(v.cfg.InboxDir())
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("Inbox is empty.")
			return nil
		}
		for _, e := range entries {
			fmt.Printf("%s  %8d  %s\n",
				e.ModTime.Format("2006-01-02 15:04"),
				e.Size,
				colorize(colorBold, e.Name),
			)
		}
		return nil
	},
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Semantic search over the library",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		limit, _ := cmd.Flags().GetInt("limit")
		key, _ := cmd.Flags().GetString("key")

		v, err := openVault()
		if err != nil {
			return err
		}
		defer v.Close()

		if !v.embedder.IsRunning(cmd.Context()) {
			return fmt.Errorf("ollama not reachable at %s; search needs the embedding model", v.cfg.Embed.OllamaURL)
		}

		hits, err := v.service().Search(cmd.Context(), query, limit, key)
		if err != nil {
			return err
		}
		if len(hits) == 0 {
			fmt.Println("No results found.")
			return nil
		}

		for i, h := range hits {
			header := fmt.Sprintf("%s p.%d", h.Key, h.Page)
			fmt.Printf("\n%s [score: %.3f]\n", colorize(colorBold, fmt.Sprintf("%d. %s", i+1, header)), h.Score)
			if h.Title != "" {
				fmt.Printf("  %s\n", h.Title)
			}
			text := h.Text
			if len(text) > 500 {
				text = text[:500] + "..."
			}
			fmt.Printf("  %s\n", text)
		}
		return nil
	},
}

func init() {
	searchCmd.Flags().Int("limit", 5, "maximum number of results")
	searchCmd.Flags().String("key", "", "restrict the search to one document key")
}

// --- page ---

var pageCmd = &cobra.Command{
	Use:   "page <key> <page>",
	Short: "Print the text of one page of a document",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		page, err := strconv.Atoi(args[1])
		if err != nil || page < 1 {
			return fmt.Errorf("page must be a positive integer, got %q", args[1])
		}

		v, err := openVault()
		if err != nil {
			return err
		}
		defer v.Close()

		text, err := v.service().Page(args[0], page)
		if err != nil {
			return err
		}
		fmt.Println(text)
		return nil
	},
}

// --- list ---

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all documents in the library",
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := openVault()
		if err != nil {
			return err
		}
		defer v.Close()

		docs, err := v.cat.List()
		if err != nil {
			return err
		}
		if len(docs) == 0 {
			fmt.Println("Library is empty.")
			return nil
		}
		for _, d := range docs {
			mark := " "
			if d.Valorized() {
				mark = colorize(colorGreen, "*")
			}
			if d.Inconsistent {
				mark = colorize(colorRed, "!")
			}
			fmt.Printf("%s %s  %s (%d)\n", mark, colorize(colorBold, d.Key), d.Title, d.Year)
		}
		return nil
	},
}

// --- rebuild ---

var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Rebuild the catalog and vector index from the archives",
	Long: `Rebuild the catalog and vector index from the archives.

The archives are the source of truth; this regenerates every derived row
and vector from them. Embeddings stored in the archives are reused, no
document is re-embedded.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, _ := cmd.Flags().GetString("key")

		v, err := openVault()
		if err != nil {
			return err
		}
		defer v.Close()

		scope := key
		if scope == "" {
			scope = reconcile.ScopeAll
		}
		printStep("Rebuilding %s...", scope)
		res, err := v.service().RunRebuild(scope)
		if err != nil {
			return err
		}

		printSuccess("Rebuilt %d catalog rows, %d vector entries", res.CatalogRows, res.VectorEntries)
		if res.MissingChunks > 0 {
			printWarning("%d documents have no chunks yet; run serve to valorize them", res.MissingChunks)
		}
		if res.Corrupt > 0 {
			printWarning("%d corrupt archives skipped (left in place)", res.Corrupt)
		}
		if res.Inconsistent > 0 {
			printWarning("%d bibliographic records have no archive (flagged, not deleted)", res.Inconsistent)
		}
		return nil
	},
}

func init() {
	rebuildCmd.Flags().String("key", "", "rebuild a single document instead of everything")
}

// --- stats ---

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show library summary counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := openVault()
		if err != nil {
			return err
		}
		defer v.Close()

		stats, err := v.cat.Stats()
		if err != nil {
			return err
		}

		printStatus("Archived", "%d", stats.Archived)
		printStatus("Valorized", "%d", stats.Valorized)
		printStatus("Pending", "%d", stats.Pending)
		printStatus("Inconsistent", "%d", stats.Inconsistent)
		return nil
	},
}

// --- remove ---

var removeCmd = &cobra.Command{
	Use:   "remove <key>",
	Short: "Remove a document and all its derived state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := args[0]
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			printWarning("This deletes the archive, PDF, record, and index entries for %s. Use --confirm to proceed.", key)
			return nil
		}

		v, err := openVault()
		if err != nil {
			return err
		}
		defer v.Close()

		if err := v.service().Remove(key); err != nil {
			return err
		}
		printSuccess("Removed %s", key)
		return nil
	},
}

func init() {
	removeCmd.Flags().Bool("confirm", false, "confirm removal")
}
