package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"firestige.xyz/lowpan/internal/config"
)

var validatePrint bool

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	Long: `Load and validate the configuration without starting the node.

With --print the effective configuration, defaults included, is written
as YAML.

Examples:
  lowpan validate -c lowpan.yml
  lowpan validate -c lowpan.yml --print`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runValidate(configFile, validatePrint, cmd.OutOrStdout())
	},
}

func init() {
	validateCmd.Flags().BoolVar(&validatePrint, "print", false, "print the effective configuration")
}

func runValidate(path string, print bool, out io.Writer) error {
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("INVALID: %w", err)
	}
	if print {
		b, err := config.Marshal(cfg)
		if err != nil {
			return err
		}
		_, err = out.Write(b)
		return err
	}

	role := "host"
	switch {
	case cfg.Node.Prefix.IsValid():
		role = "router " + cfg.Node.Prefix.String()
	case cfg.Node.BorderRouter:
		role = "border router"
	}
	fmt.Fprintf(out, "VALID: node %s (%s), %s link, mtu %d, %d context(s)\n",
		cfg.Node.Addr, role, cfg.Link.Type, cfg.Link.MTU, len(cfg.Contexts))
	return nil
}
