package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telhawk-trap/common/httputil"
	"github.com/telhawk-systems/telhawk-trap/trap/internal/models"
)

var (
	exportFormat  string
	exportOutput  string
	exportType    string
	exportSource  string
	exportSession string
	exportLevel   string
	exportSince   string
	exportUntil   string
)

func exportFilter() (models.Filter, error) {
	f := models.Filter{EventType: exportType, SourceIdentifier: exportSource, SessionID: exportSession}
	var err error
	if exportLevel != "" {
		if f.ThreatLevel, err = models.ParseThreatLevel(exportLevel); err != nil {
			return f, err
		}
	}
	if f.Since, err = httputil.ParseTimeParam(exportSince); err != nil {
		return f, fmt.Errorf("--since: %w", err)
	}
	if f.Until, err = httputil.ParseTimeParam(exportUntil); err != nil {
		return f, fmt.Errorf("--until: %w", err)
	}
	return f, nil
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Download an on-demand export from a running engine",
	Long: `Flush the matching sink and download the retained events as a JSON
document or SQL dump. Without filters every retained event is exported.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := exportFilter()
		if err != nil {
			return err
		}
		d, err := apiClient().Export(cmd.Context(), exportFormat, f)
		if err != nil {
			return err
		}
		if d.FlushError != "" {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: sink flush failed: %s\n", d.FlushError)
		}

		if exportOutput == "-" {
			_, err := cmd.OutOrStdout().Write(d.Body)
			return err
		}
		path := exportOutput
		if path == "" {
			path = d.Filename
		}
		if err := os.WriteFile(path, d.Body, 0o644); err != nil {
			return fmt.Errorf("write export: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d bytes)\n", path, len(d.Body))
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportFormat, "format", "json", "export format: json or sql")
	exportCmd.Flags().StringVar(&exportType, "type", "", "only events of this type")
	exportCmd.Flags().StringVar(&exportSource, "source", "", "only events from this source address")
	exportCmd.Flags().StringVar(&exportSession, "session", "", "only events of this session")
	exportCmd.Flags().StringVar(&exportLevel, "level", "", "only events at this threat level")
	exportCmd.Flags().StringVar(&exportSince, "since", "", "only events at or after this time (RFC3339 or unix seconds)")
	exportCmd.Flags().StringVar(&exportUntil, "until", "", "only events before this time (RFC3339 or unix seconds)")
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", `output file ("-" for stdout, default: server-suggested name)`)
}
