package main

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	taskhttp "github.com/fyrsmithlabs/taskpilot/internal/http"
)

func (c *cli) factsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "facts",
		Short: "Manage long-term facts",
	}

	var source string
	var confidence float64
	add := &cobra.Command{
		Use:   "add <content>",
		Short: "Save a fact",
		Long: `Save a fact to long-term memory. Saving known content again bumps its
use count instead of adding a duplicate.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := taskhttp.FactRequest{Content: strings.Join(args, " "), Source: source}
			if cmd.Flags().Changed("confidence") {
				req.Confidence = &confidence
			}
			var resp taskhttp.FactResponse
			if err := c.do(cmd.Context(), http.MethodPost, "/api/v1/facts", req, &resp); err != nil {
				return err
			}
			if c.json() {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			verb := "Updated"
			if resp.Created {
				verb = "Saved"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s fact %s (uses: %d)\n", verb, resp.Fact.ID, resp.Fact.UseCount)
			return nil
		},
	}
	add.Flags().StringVar(&source, "source", "", "where the fact came from (default user)")
	add.Flags().Float64Var(&confidence, "confidence", 1, "confidence between 0 and 1")

	var limit int
	var query string
	list := &cobra.Command{
		Use:   "list",
		Short: "List facts, or recall those related to --query",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := "/api/v1/facts?limit=" + strconv.Itoa(limit)
			if query != "" {
				path = "/api/v1/facts/recall?q=" + url.QueryEscape(query) + "&k=" + strconv.Itoa(limit)
			}
			var resp taskhttp.FactListResponse
			if err := c.do(cmd.Context(), http.MethodGet, path, nil, &resp); err != nil {
				return err
			}
			if c.json() {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			if len(resp.Facts) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No facts")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tUSES\tCONF\tSOURCE\tCONTENT")
			for _, f := range resp.Facts {
				fmt.Fprintf(tw, "%s\t%d\t%.2f\t%s\t%s\n", f.ID, f.UseCount, f.Confidence, f.Source, truncate(f.Content, 70))
			}
			return tw.Flush()
		},
	}
	list.Flags().IntVar(&limit, "limit", 20, "maximum facts to return")
	list.Flags().StringVarP(&query, "query", "q", "", "recall facts related to this text")

	cmd.AddCommand(add, list)
	return cmd
}
