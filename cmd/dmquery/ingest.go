package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/rpattn/dmquery/internal/domain"
	"github.com/rpattn/dmquery/internal/ingestion"
)

func ingestCmd(flags *globalFlags) *cobra.Command {
	var (
		view     string
		space    string
		idColumn string
	)
	cmd := &cobra.Command{
		Use:   "ingest FILE",
		Short: "Load a .csv or .xlsx file as nodes of a view",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := domain.ParseViewReference(view)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer a.Close()

			store, ok := a.store.(ingestion.Store)
			if !ok {
				return fmt.Errorf("store backend %q is read-only", a.cfg.Store.Backend)
			}
			file, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer file.Close()

			summary, err := ingestion.NewService(store, a.logger).Ingest(cmd.Context(), ingestion.Request{
				View:             ref,
				Space:            space,
				FileName:         filepath.Base(args[0]),
				ExternalIDColumn: idColumn,
				Data:             file,
			})
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), summary)
		},
	}
	cmd.Flags().StringVar(&view, "view", "", "View reference, space:externalId/version")
	cmd.Flags().StringVar(&space, "space", "", "Space of the created nodes; defaults to the view's space")
	cmd.Flags().StringVar(&idColumn, "id-column", ingestion.ExternalIDColumn, "Column holding node external ids")
	_ = cmd.MarkFlagRequired("view")
	return cmd
}
