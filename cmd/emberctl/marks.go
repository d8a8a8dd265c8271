package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nidhogg/ember/internal/store"
)

func newMarksCmd(logger func() *zap.Logger) *cobra.Command {
	var db string
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "marks <ci-id>",
		Short: "List the retained history marks of a CI",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := store.OpenSQLite(db, logger())
			if err != nil {
				return err
			}
			defer s.Close()

			marks, err := s.LoadMarks(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(marks)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SEQ\tID\tSALIENCE\tTRIGGER\tAT")
			for _, m := range marks {
				fmt.Fprintf(tw, "%d\t%s\t%.4f\t%s\t%s\n",
					m.Seq, m.ID, m.Salience, m.TriggerSummary, m.Timestamp.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&db, "db", "ember.db", "SQLite store path")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func newAvatarsCmd(logger func() *zap.Logger) *cobra.Command {
	var db string
	cmd := &cobra.Command{
		Use:   "avatars",
		Short: "List the avatars stored in a SQLite store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := store.OpenSQLite(db, logger())
			if err != nil {
				return err
			}
			defer s.Close()

			ids, err := s.ListAvatars(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "CI\tVERSION\tMODE\tVISIBILITY\tSTYLE\tMARKS")
			for _, id := range ids {
				snap, err := s.LoadState(cmd.Context(), id)
				if err != nil {
					return err
				}
				marks, err := s.LoadMarks(cmd.Context(), id)
				if err != nil {
					return err
				}
				fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%d\n",
					id, snap.Version, snap.State.Mode, snap.State.Visibility, snap.State.Style, len(marks))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&db, "db", "ember.db", "SQLite store path")
	return cmd
}
