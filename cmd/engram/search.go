package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"engram/internal/config"
	"engram/internal/embedding"
	"engram/internal/memory"
	"engram/internal/qdrant"
	"engram/internal/retrieve"
	"engram/internal/store"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

var (
	searchCollection string
	searchTypes      []string
	searchIntent     string
	searchLimit      int
	searchPlain      bool
)

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search stored memories",
	Long: `Searches the memory collections semantically.

Without --collection the query is routed the same way prompt injection
routes it: decision phrasing goes to discussions, rule phrasing to the
shared conventions, file paths to code patterns. --intent routes on a
different text than the one searched.`,
	Args: minimumArgs(1),
	RunE: runSearch,
}

// searchSection groups hits per collection for rendering.
type searchSection struct {
	Collection string
	Records    []retrieve.Record
}

func runSearch(cmd *cobra.Command, args []string) error {
	cfg := config.Get()
	query := strings.Join(args, " ")

	var routes []retrieve.Route
	if searchCollection != "" {
		if !validCollectionName(searchCollection) {
			return usagef("unknown collection %q (one of %v)", searchCollection, memory.Collections())
		}
		routes = []retrieve.Route{{Collection: searchCollection}}
	} else {
		intent := searchIntent
		if intent == "" {
			intent = query
		}
		routes = retrieve.RouteCollections(intent)
	}

	embedder, err := embedding.NewService(cfg)
	if err != nil {
		return err
	}
	client := qdrant.NewClient(cfg.Store.URL, cfg.Store.APIKey, cfg.GetStoreTimeout())
	searcher := retrieve.NewSearcher(cfg, client, embedder)

	wd, _ := os.Getwd()
	groupID := store.ResolveGroupID(wd)

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.GetEmbeddingTimeout()+cfg.GetStoreTimeout())
	defer cancel()

	sections := make([]searchSection, 0, len(routes))
	for _, route := range routes {
		q := retrieve.Query{
			Text:       query,
			Collection: route.Collection,
			Limit:      searchLimit,
			Types:      searchTypes,
		}
		if !route.Shared {
			q.GroupID = groupID
		}
		records, err := searcher.Search(ctx, q)
		if err != nil {
			return err
		}
		sections = append(sections, searchSection{Collection: route.Collection, Records: records})
	}

	plain := searchPlain || !isatty.IsTerminal(os.Stdout.Fd())
	return renderSearch(os.Stdout, sections, plain)
}

func renderSearch(w io.Writer, sections []searchSection, plain bool) error {
	total := 0
	for _, s := range sections {
		total += len(s.Records)
	}
	if total == 0 {
		fmt.Fprintln(w, "no memories found")
		return nil
	}

	if plain {
		for _, s := range sections {
			if len(s.Records) == 0 {
				continue
			}
			fmt.Fprintf(w, "== %s (%d) ==\n", s.Collection, len(s.Records))
			for _, r := range s.Records {
				fmt.Fprintf(w, "[%.2f] %s %s\n%s\n\n", r.Score, r.Type, r.Timestamp, strings.TrimSpace(r.Content))
			}
		}
		return nil
	}

	header := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	meta := lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	renderer, rerr := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)

	for _, s := range sections {
		if len(s.Records) == 0 {
			continue
		}
		fmt.Fprintln(w, header.Render(fmt.Sprintf("%s (%d)", s.Collection, len(s.Records))))
		for _, r := range s.Records {
			fmt.Fprintln(w, meta.Render(fmt.Sprintf("  %.2f · %s · %s", r.Score, r.Type, r.Timestamp)))
			content := strings.TrimSpace(r.Content)
			if renderer != nil && rerr == nil {
				if out, err := renderer.Render(content); err == nil {
					content = strings.TrimRight(out, "\n")
				}
			}
			fmt.Fprintln(w, content)
			fmt.Fprintln(w)
		}
	}
	return nil
}

func validCollectionName(name string) bool {
	for _, c := range memory.Collections() {
		if c == name {
			return true
		}
	}
	return false
}

func init() {
	searchCmd.Flags().StringVar(&searchCollection, "collection", "", "Search a single collection")
	searchCmd.Flags().StringSliceVar(&searchTypes, "type", nil, "Filter by memory type (repeatable)")
	searchCmd.Flags().StringVar(&searchIntent, "intent", "", "Route collections on this text instead of the query")
	searchCmd.Flags().IntVar(&searchLimit, "limit", 5, "Max results per collection")
	searchCmd.Flags().BoolVar(&searchPlain, "plain", false, "Print raw text without styling")
	rootCmd.AddCommand(searchCmd)
}
