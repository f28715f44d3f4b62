package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lazypower/spiral/internal/engine"
	"github.com/lazypower/spiral/internal/store"
)

var (
	storeType      string
	storeFilePath  string
	storeLanguage  string
	storeTags      []string
	storeRelations []string

	queryMaxTokens int
	queryLevels    []int

	relateWeight float64

	compactAggressive bool
)

func init() {
	storeCmd.Flags().StringVar(&storeType, "type", "code", "Node type (code, decision, error, pattern, architecture, module, summary)")
	storeCmd.Flags().StringVar(&storeFilePath, "file-path", "", "Source file path metadata")
	storeCmd.Flags().StringVar(&storeLanguage, "language", "", "Language metadata")
	storeCmd.Flags().StringSliceVar(&storeTags, "tags", nil, "Tag metadata")
	storeCmd.Flags().StringSliceVar(&storeRelations, "relate", nil, "Node ids to link with related_to edges")

	queryCmd.Flags().IntVar(&queryMaxTokens, "max-tokens", 0, "Token budget (default from config)")
	queryCmd.Flags().IntSliceVar(&queryLevels, "levels", nil, "Tiers to search (default all five)")

	relateCmd.Flags().Float64Var(&relateWeight, "weight", 1.0, "Edge weight in [0,1]")

	compactCmd.Flags().BoolVar(&compactAggressive, "aggressive", false, "Also evict stale low-relevance archive nodes")
}

var storeCmd = &cobra.Command{
	Use:   "store [content]",
	Short: "Store a context node",
	Long:  "Store content as a new Focus-tier node. Reads content from stdin when no argument is given.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		content, err := contentArg(args)
		if err != nil {
			return err
		}

		cfg, db, eng, err := openEngine()
		if err != nil {
			return err
		}
		defer db.Close()

		if engine.ProbeOllama(cfg.Embedding.OllamaURL, cfg.Embedding.Model) {
			eng.SetEmbedder(engine.NewOllamaEmbedder(cfg.Embedding.OllamaURL, cfg.Embedding.Model, cfg.Embedding.Dimensions))
		}

		result, err := eng.Store(context.Background(), engine.StoreInput{
			Content: content,
			Type:    storeType,
			Metadata: store.Metadata{
				FilePath: storeFilePath,
				Language: storeLanguage,
				Tags:     storeTags,
			},
			Relations: storeRelations,
		})
		if err != nil {
			return err
		}
		return printJSON(result)
	},
}

var queryCmd = &cobra.Command{
	Use:   "query <text>",
	Short: "Search stored context by similarity",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, db, eng, err := openEngine()
		if err != nil {
			return err
		}
		defer db.Close()

		if engine.ProbeOllama(cfg.Embedding.OllamaURL, cfg.Embedding.Model) {
			eng.SetEmbedder(engine.NewOllamaEmbedder(cfg.Embedding.OllamaURL, cfg.Embedding.Model, cfg.Embedding.Dimensions))
		} else {
			fmt.Fprintf(os.Stderr, "warning: ollama unreachable at %s, results will be empty\n", cfg.Embedding.OllamaURL)
		}

		result, err := eng.Query(context.Background(), strings.Join(args, " "), queryMaxTokens, queryLevels)
		if err != nil {
			return err
		}
		printQueryResult(result)
		return nil
	},
}

var relateCmd = &cobra.Command{
	Use:   "relate <source-id> <target-id> <relation-type>",
	Short: "Create a typed edge between two nodes",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, db, eng, err := openEngine()
		if err != nil {
			return err
		}
		defer db.Close()

		edge, err := eng.Relate(args[0], args[1], args[2], relateWeight)
		if err != nil {
			return err
		}
		return printJSON(edge)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show node counts, storage size, and embedding state",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, db, eng, err := openEngine()
		if err != nil {
			return err
		}
		defer db.Close()

		status, err := eng.Status()
		if err != nil {
			return err
		}
		return printJSON(status)
	},
}

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Summarize archive-tier nodes and reclaim tokens",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, db, eng, err := openEngine()
		if err != nil {
			return err
		}
		defer db.Close()

		result, err := eng.Compact(compactAggressive)
		if err != nil {
			return err
		}
		return printJSON(result)
	},
}

func contentArg(args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	content := strings.TrimSpace(string(data))
	if content == "" {
		return "", fmt.Errorf("no content given")
	}
	return content, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printQueryResult(result *engine.QueryResult) {
	levelNames := map[int]string{
		store.LevelFocus:       "Focus",
		store.LevelActive:      "Active",
		store.LevelReference:   "Reference",
		store.LevelArchive:     "Archive",
		store.LevelDeepArchive: "Deep Archive",
	}

	levels := make([]int, 0, len(result.Levels))
	for l := range result.Levels {
		levels = append(levels, l)
	}
	sort.Ints(levels)

	for _, l := range levels {
		nodes := result.Levels[l]
		if len(nodes) == 0 {
			continue
		}
		fmt.Printf("== Level %d (%s) ==\n", l, levelNames[l])
		for _, n := range nodes {
			fmt.Printf("  [%s] %s (distance %.3f, %d tokens)\n", n.Type, n.ID, n.Distance, n.TokenCount)
			for _, line := range strings.Split(n.Content, "\n") {
				fmt.Printf("    %s\n", line)
			}
		}
	}
	fmt.Printf("%d nodes, %d tokens\n", result.NodeCount, result.TotalTokens)
}
