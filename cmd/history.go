package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/crewline/relay/core/comms"
	"github.com/crewline/relay/core/history"
)

var (
	historyDBPath       string
	historyIndexPath    string
	historySquad        string
	historySender       string
	historyRecipient    string
	historyConversation string
	historyKind         string
	historySince        string
	historySearch       string
	historyLimit        int
	historyCursor       string
	historyJSON         bool
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Query the message log",
	Long: `Query recorded messages. Filters combine with AND; passing both
--sender and --recipient returns the conversation thread between the
two agents in either direction.

Examples:
  relay history --squad backend --limit 50
  relay history --sender dev-1 --recipient lead-1
  relay history --search "database migration"
  relay history --kind question --since 24h`,
	RunE: runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)

	historyCmd.Flags().StringVar(&historyDBPath, "db", "relay.db", "Path to the history database")
	historyCmd.Flags().StringVar(&historyIndexPath, "index", "", "Path to the content search index")
	historyCmd.Flags().StringVar(&historySquad, "squad", "", "Filter by squad")
	historyCmd.Flags().StringVar(&historySender, "sender", "", "Filter by sender agent")
	historyCmd.Flags().StringVar(&historyRecipient, "recipient", "", "Filter by recipient agent")
	historyCmd.Flags().StringVar(&historyConversation, "conversation", "", "Filter by conversation")
	historyCmd.Flags().StringVar(&historyKind, "kind", "", "Filter by message kind")
	historyCmd.Flags().StringVar(&historySince, "since", "", "Only messages newer than this duration (e.g. 24h)")
	historyCmd.Flags().StringVar(&historySearch, "search", "", "Full-text search over message content")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "l", history.DefaultQueryLimit, "Maximum number of results")
	historyCmd.Flags().StringVar(&historyCursor, "cursor", "", "Resume from a previous page")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output results as JSON")
}

func runHistory(cmd *cobra.Command, args []string) error {
	store, err := history.NewStore(history.StoreConfig{
		Path:          historyDBPath,
		IndexPath:     historyIndexPath,
		DisableSearch: historySearch == "" && historyIndexPath == "",
	})
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	defer store.Close()

	filter := history.Filter{
		SquadID:        historySquad,
		SenderID:       historySender,
		RecipientID:    historyRecipient,
		ConversationID: historyConversation,
		SearchText:     historySearch,
		Limit:          historyLimit,
		Cursor:         historyCursor,
	}
	if historyKind != "" {
		filter.Kinds = []comms.Kind{comms.Kind(historyKind)}
	}
	if historySince != "" {
		d, err := time.ParseDuration(historySince)
		if err != nil {
			return fmt.Errorf("parse --since: %w", err)
		}
		filter.Since = time.Now().Add(-d)
	}

	page, err := store.Query(cmd.Context(), filter)
	if err != nil {
		return fmt.Errorf("query history: %w", err)
	}

	if historyJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(page)
	}

	for _, msg := range page.Messages {
		recipient := msg.RecipientID
		if msg.IsBroadcast() {
			recipient = "*"
		}
		fmt.Printf("%s  %-18s  %s -> %s  %s\n",
			msg.CreatedAt.Format(time.RFC3339),
			msg.Kind,
			msg.SenderID,
			recipient,
			msg.Content)
	}
	if page.NextCursor != "" {
		fmt.Printf("\nmore results: --cursor %s\n", page.NextCursor)
	}
	return nil
}
