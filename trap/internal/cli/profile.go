package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/telhawk-systems/telhawk-trap/trap/internal/risk"
)

var (
	profileFile   string
	profileOutput string
)

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Show the port risk profile",
	Long:  "Print the port attack-frequency table and the risk weight derived for each port.",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := profileFile
		if path == "" && cmd.Flags().Changed("config") {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			path = cfg.Risk.ProfilePath
		}

		profile := risk.DefaultProfile()
		if path != "" {
			p, err := risk.LoadProfileFile(path)
			if err != nil {
				return err
			}
			profile = p
		}
		return writeProfile(cmd.OutOrStdout(), profile, profileOutput)
	},
}

func writeProfile(w io.Writer, p *risk.Profile, format string) error {
	entries := p.Entries()
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	case "yaml":
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(entries)
	case "table", "":
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "PORT\tATTACKS\tWEIGHT\tLEVEL")
		for _, e := range entries {
			fmt.Fprintf(tw, "%d\t%d\t%d\t%s\n", e.Port, e.AttackCount, e.RiskWeight, risk.LevelFor(e.RiskWeight))
		}
		return tw.Flush()
	}
	return fmt.Errorf("unknown output format %q", format)
}

func init() {
	profileCmd.Flags().StringVar(&profileFile, "file", "", "profile file (port<TAB>count per line)")
	profileCmd.Flags().StringVar(&profileOutput, "output", "table", "output format: table, json, yaml")
}
