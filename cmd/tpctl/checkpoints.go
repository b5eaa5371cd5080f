package main

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	taskhttp "github.com/fyrsmithlabs/taskpilot/internal/http"
)

func (c *cli) checkpointsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "checkpoints",
		Aliases: []string{"cp"},
		Short:   "List and restore thread checkpoints",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list <thread-id>",
		Short: "List checkpoints of a thread, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/v1/threads/" + url.PathEscape(args[0]) + "/checkpoints"
			if limit > 0 {
				path += "?limit=" + strconv.Itoa(limit)
			}
			var resp taskhttp.CheckpointListResponse
			if err := c.do(cmd.Context(), http.MethodGet, path, nil, &resp); err != nil {
				return err
			}
			if c.json() {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			if len(resp.Checkpoints) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No checkpoints")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SEQ\tID\tNODE\tCREATED\tPREVIEW")
			for _, cp := range resp.Checkpoints {
				node := cp.SourceNode
				if cp.IsUserOriginated {
					node += "*"
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n",
					cp.Sequence, cp.ID, node, cp.CreatedAt.Local().Format(time.DateTime), truncate(cp.MessagePreview, 60))
			}
			return tw.Flush()
		},
	}
	list.Flags().IntVar(&limit, "limit", 0, "maximum checkpoints to list (0 = all)")

	restore := &cobra.Command{
		Use:   "restore <thread-id> <checkpoint-id>",
		Short: "Make a checkpoint the head of its thread",
		Long: `Restore a checkpoint. The next "tpctl run --continue" on the thread
branches from it. History after the checkpoint is kept.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/v1/threads/" + url.PathEscape(args[0]) + "/checkpoints/" + url.PathEscape(args[1]) + "/restore"
			var resp taskhttp.RestoreResponse
			if err := c.do(cmd.Context(), http.MethodPost, path, nil, &resp); err != nil {
				return err
			}
			if c.json() {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Restored %s on thread %s\n", resp.CheckpointID, resp.ThreadID)
			if resp.State != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "Status: %s  Messages: %d\n", resp.State.Status, len(resp.State.Messages))
			}
			return nil
		},
	}

	conversation := &cobra.Command{
		Use:   "conversation <thread-id>",
		Short: "Print the message history of a thread",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp taskhttp.ConversationResponse
			if err := c.do(cmd.Context(), http.MethodGet, "/api/v1/threads/"+url.PathEscape(args[0])+"/conversation", nil, &resp); err != nil {
				return err
			}
			if c.json() {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			for _, m := range resp.Messages {
				fmt.Fprintf(cmd.OutOrStdout(), "%-6s %s\n", m.Role()+":", m.Text())
			}
			return nil
		},
	}

	cmd.AddCommand(list, restore, conversation)
	return cmd
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
