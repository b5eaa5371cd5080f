package main

import (
	"fmt"
	"net/http"
	"net/url"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	taskhttp "github.com/fyrsmithlabs/taskpilot/internal/http"
)

func (c *cli) sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Manage sessions",
	}

	var req taskhttp.SessionRequest
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp taskhttp.SessionResponse
			if err := c.do(cmd.Context(), http.MethodPost, "/api/v1/sessions", req, &resp); err != nil {
				return err
			}
			if c.json() {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created session %s (%s)\n", resp.Session.ID, resp.Session.Mode)
			return nil
		},
	}
	create.Flags().StringVar(&req.ID, "id", "", "session ID (generated when empty)")
	create.Flags().StringVar(&req.Title, "title", "", "session title")
	create.Flags().StringVar(&req.Mode, "mode", "", "execution mode: linear or graph")

	list := &cobra.Command{
		Use:   "list",
		Short: "List sessions, most recently updated first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp taskhttp.SessionListResponse
			if err := c.do(cmd.Context(), http.MethodGet, "/api/v1/sessions", nil, &resp); err != nil {
				return err
			}
			if c.json() {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			if len(resp.Sessions) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No sessions")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTITLE\tMODE\tSTATUS\tUPDATED")
			for _, s := range resp.Sessions {
				status := string(s.Status)
				if status == "" {
					status = "-"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					s.ID, truncate(s.Title, 40), s.Mode, status, s.UpdatedAt.Local().Format(time.DateTime))
			}
			return tw.Flush()
		},
	}

	show := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show a session and its head state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp taskhttp.SessionResponse
			if err := c.do(cmd.Context(), http.MethodGet, "/api/v1/sessions/"+url.PathEscape(args[0]), nil, &resp); err != nil {
				return err
			}
			if c.json() {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			w := cmd.OutOrStdout()
			s := resp.Session
			fmt.Fprintf(w, "Session: %s\n", s.ID)
			fmt.Fprintf(w, "Title:   %s\n", s.Title)
			fmt.Fprintf(w, "Mode:    %s\n", s.Mode)
			if s.Goal != "" {
				fmt.Fprintf(w, "Goal:    %s\n", s.Goal)
			}
			if resp.State != nil {
				fmt.Fprintf(w, "Status:  %s\n", resp.State.Status)
				fmt.Fprintf(w, "Head:    %s\n", s.HeadCheckpointID)
				if resp.State.Result != "" {
					fmt.Fprintf(w, "Result:  %s\n", resp.State.Result)
				}
			}
			return nil
		},
	}

	del := &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a session and its checkpoints",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.do(cmd.Context(), http.MethodDelete, "/api/v1/sessions/"+url.PathEscape(args[0]), nil, nil); err != nil {
				return err
			}
			if !c.json() {
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted session %s\n", args[0])
			}
			return nil
		},
	}

	cmd.AddCommand(create, list, show, del)
	return cmd
}
