package cmd

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/duynguyen-ops/chatloom/internal/config"
	"github.com/duynguyen-ops/chatloom/internal/thread"
)

func stateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "state",
		Short: "Inspect persisted thread state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}

			store, err := thread.NewFileStore(config.ExpandHome(cfg.Storage.DataDir))
			if err != nil {
				return err
			}
			threads, pending, err := store.LoadSnapshot()
			if err != nil {
				return err
			}

			if len(threads) == 0 && len(pending) == 0 {
				fmt.Println("no persisted thread state")
				return nil
			}

			list := make([]*thread.Thread, 0, len(threads))
			for _, t := range threads {
				list = append(list, t)
			}
			sort.Slice(list, func(i, j int) bool {
				return list[i].Updated.After(list[j].Updated)
			})

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%-10s %-24s %-9s %5s %7s  %s\n",
				"THREAD", "CONVERSATION", "STATE", "MSGS", "REPLIED", "TOPIC")
			for _, t := range list {
				id := t.ID
				if len(id) > 8 {
					id = id[:8]
				}
				fmt.Fprintf(w, "%-10s %-24s %-9s %5d %7t  %s\n",
					id, t.ConversationKey, t.State, len(t.Messages),
					t.HasReplied, strings.Join(t.TopicKeywords, " "))
			}
			fmt.Fprintf(w, "\n%d threads, %d pending messages\n", len(list), len(pending))
			return nil
		},
	}
}
