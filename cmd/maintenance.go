package cmd

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/GrainArc/GeoRef/errs"
	"github.com/GrainArc/GeoRef/gcp"
	"github.com/GrainArc/GeoRef/models"
	"github.com/GrainArc/GeoRef/services"
)

func refreshLookupsCommand() *cobra.Command {
	var collection uint
	cmd := &cobra.Command{
		Use:   "refresh-lookups",
		Short: "Regenerate the lookup cache of a collection, or of everything.",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			n, err := a.cache.Rebuild(cmd.Context(), collection)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d lookup entries written\n", n)
			return nil
		},
	}
	cmd.Flags().UintVar(&collection, "collection", 0, "collection id, 0 for all items")
	return cmd
}

func exportPointsCommand() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export-points <document id>",
		Short: "Write the control points of a document as a points file.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return errors.Wrapf(errs.ErrInvalidInput, "document id %q", args[0])
			}
			a, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			db := a.db.WithContext(cmd.Context())
			doc, err := models.GetDocument(db, uint(id))
			if err != nil {
				return err
			}
			set, err := gcp.SetForDocument(db, doc.ID)
			if err != nil {
				return err
			}
			if set == nil {
				return errors.Wrapf(errs.ErrNotFound, "document %d has no control points", doc.ID)
			}
			points, err := gcp.Points(db, set.ID)
			if err != nil {
				return err
			}
			body, err := gcp.PointsFile(set, points)
			if err != nil {
				return err
			}
			if out == "" {
				_, err = fmt.Fprint(cmd.OutOrStdout(), body)
				return err
			}
			return os.WriteFile(out, []byte(body), 0o644)
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file, stdout when empty")
	return cmd
}

func previewsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "previews",
		Short: "List the preview layers registered in the mapfile registry.",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			return printPreviews(cmd.OutOrStdout(), a.preview)
		},
	}
}

var previewStatus = map[int]string{
	models.PreviewStopped: "stopped",
	models.PreviewActive:  "active",
	models.PreviewError:   "error",
}

// printPreviews writes one row per registry entry. SERVED tells whether the
// layer is in the current mapfile.
func printPreviews(w io.Writer, m *services.PreviewManager) error {
	rows, err := m.ListServices()
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSTATUS\tSERVED\tPATH\tERROR")
	for _, row := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\n", row.Name, previewStatus[row.Status], m.Has(row.Name), row.SourcePath, row.ErrorMsg)
	}
	return tw.Flush()
}
