// ABOUTME: chats command: list, delete, export and import stored conversations
// ABOUTME: Also reports token usage per chat or overall

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/2389/chatgate/internal/store"
)

func newChatsCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chats",
		Short: "Manage stored chats",
	}

	// withStore opens the configured database for one subcommand.
	withStore := func(fn func(ctx context.Context, st *store.SQLiteStore, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(flags)
			if err != nil {
				return err
			}
			st, err := store.NewSQLiteStore(cfg.Database.Path)
			if err != nil {
				return fmt.Errorf("opening store: %w", err)
			}
			defer st.Close()
			return fn(cmd.Context(), st, cmd, args)
		}
	}

	var outPath string
	exportCmd := &cobra.Command{
		Use:   "export ID",
		Short: "Write a chat as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: withStore(func(ctx context.Context, st *store.SQLiteStore, cmd *cobra.Command, args []string) error {
			w := cmd.OutOrStdout()
			if outPath != "" {
				f, err := os.Create(outPath)
				if err != nil {
					return fmt.Errorf("creating %s: %w", outPath, err)
				}
				defer f.Close()
				w = f
			}
			return exportChat(ctx, st, args[0], w)
		}),
	}
	exportCmd.Flags().StringVarP(&outPath, "out", "o", "", "write to file instead of stdout")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List chats, most recent first",
			Args:  cobra.NoArgs,
			RunE: withStore(func(ctx context.Context, st *store.SQLiteStore, cmd *cobra.Command, _ []string) error {
				return listChats(ctx, st, cmd.OutOrStdout())
			}),
		},
		&cobra.Command{
			Use:   "delete ID",
			Short: "Delete a chat",
			Args:  cobra.ExactArgs(1),
			RunE: withStore(func(ctx context.Context, st *store.SQLiteStore, cmd *cobra.Command, args []string) error {
				if err := st.DeleteChat(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
				return nil
			}),
		},
		exportCmd,
		&cobra.Command{
			Use:   "import FILE",
			Short: "Import a chat exported as JSON",
			Args:  cobra.ExactArgs(1),
			RunE: withStore(func(ctx context.Context, st *store.SQLiteStore, cmd *cobra.Command, args []string) error {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				id, err := importChat(ctx, st, f)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "imported as %s\n", id)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "usage [ID]",
			Short: "Show token usage for one chat or all chats",
			Args:  cobra.MaximumNArgs(1),
			RunE: withStore(func(ctx context.Context, st *store.SQLiteStore, cmd *cobra.Command, args []string) error {
				var filter store.UsageFilter
				if len(args) == 1 {
					filter.ChatID = &args[0]
				}
				return printUsage(ctx, st, filter, cmd.OutOrStdout())
			}),
		},
	)
	return cmd
}

func listChats(ctx context.Context, st store.Store, w io.Writer) error {
	chats, err := st.ListChats(ctx)
	if err != nil {
		return err
	}
	if len(chats) == 0 {
		fmt.Fprintln(w, "no chats")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tUPDATED\tMESSAGES\tDESCRIPTION")
	for _, c := range chats {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", c.ID, c.UpdatedAt.Local().Format(time.DateTime), c.MessageCount, c.Description)
	}
	return tw.Flush()
}

func exportChat(ctx context.Context, st store.Store, chatID string, w io.Writer) error {
	exp, err := st.ExportChat(ctx, chatID)
	if err != nil {
		return fmt.Errorf("exporting %s: %w", chatID, err)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(exp)
}

func importChat(ctx context.Context, st store.Store, r io.Reader) (string, error) {
	var exp store.ChatExport
	if err := json.NewDecoder(r).Decode(&exp); err != nil {
		return "", fmt.Errorf("%w: %v", store.ErrInvalidExport, err)
	}
	return st.ImportChat(ctx, &exp)
}

func printUsage(ctx context.Context, st store.UsageStore, filter store.UsageFilter, w io.Writer) error {
	stats, err := st.GetUsageStats(ctx, filter)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "requests\t%d\n", stats.RequestCount)
	fmt.Fprintf(tw, "prompt tokens\t%d\n", stats.PromptTokens)
	fmt.Fprintf(tw, "completion tokens\t%d\n", stats.CompletionTokens)
	fmt.Fprintf(tw, "total tokens\t%d\n", stats.TotalTokens)
	return tw.Flush()
}
