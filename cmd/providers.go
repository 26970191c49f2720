package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "List providers, their formatter and capabilities",
	RunE:  runProviders,
}

func init() {
	providersCmd.Flags().StringP("model", "m", "", "resolve model specific capabilities")
}

func runProviders(cmd *cobra.Command, _ []string) error {
	cfg, reg, err := loadRegistry()
	if err != nil {
		return err
	}

	model, _ := cmd.Flags().GetString("model")

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PROVIDER\tFORMATTER\tCAPABILITIES")

	for _, name := range reg.List() {
		label := name
		if name == strings.ToLower(cfg.DefaultProvider) {
			label = color.GreenString("%s*", name)
		}

		caps, err := reg.Capabilities(name, model)
		if err != nil {
			fmt.Fprintf(w, "%s\t%s\t%s\n", label, reg.Dialect(name), color.RedString("%v", err))
			continue
		}

		var flags []string
		if caps.Vision {
			flags = append(flags, "vision")
		}

		if caps.Files {
			if len(caps.FileMIMETypes) > 0 {
				flags = append(flags, "files("+strings.Join(caps.FileMIMETypes, ",")+")")
			} else {
				flags = append(flags, "files")
			}
		}

		if caps.SystemRole {
			flags = append(flags, "system")
		}

		if caps.Tools {
			flags = append(flags, "tools")
		}

		if len(flags) == 0 {
			flags = append(flags, "text")
		}

		fmt.Fprintf(w, "%s\t%s\t%s\n", label, reg.Dialect(name), strings.Join(flags, " "))
	}

	return w.Flush()
}
