package main

import (
	"fmt"
	"net/url"

	"github.com/filevault/filevault/internal/quota"
	"github.com/filevault/filevault/internal/vault"
	"github.com/filevault/filevault/pkg/bytesize"
	"github.com/filevault/filevault/pkg/proto"
	"github.com/spf13/cobra"
)

func newVaultCmd() *cobra.Command {
	vaultCmd := &cobra.Command{
		Use:   "vault",
		Short: "Manage vaults",
		Long: `Create vaults and inspect their quota usage.

Examples:
  # Create a vault with the server's default quota
  filevault vault create team

  # Create a vault with a 500 MB quota
  filevault vault create team --quota 500MB

  # Show quota usage
  filevault vault usage <vault-id>`,
	}

	var (
		id        string
		quotaSize bytesize.Size
		unlimited bool
	)
	createCmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a vault",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if unlimited && quotaSize != 0 {
				return fmt.Errorf("--quota and --unlimited are mutually exclusive")
			}
			var v vault.Vault
			err := newAdminClient().do("POST", "/v1/vaults", proto.CreateVaultRequest{
				ID:         id,
				Name:       args[0],
				QuotaBytes: quotaSize,
				Unlimited:  unlimited,
			}, &v)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Vault %q created\n", v.Name)
			fmt.Fprintf(cmd.OutOrStdout(), "ID:    %s\n", v.ID)
			fmt.Fprintf(cmd.OutOrStdout(), "Quota: %s\n", formatQuota(v.QuotaBytes))
			return nil
		},
	}
	createCmd.Flags().StringVar(&id, "id", "", "vault id (default: random UUID)")
	createCmd.Flags().Var(&quotaSize, "quota", "quota, e.g. 10Gi or 500MB (default: server default)")
	createCmd.Flags().BoolVar(&unlimited, "unlimited", false, "create the vault without a quota")
	vaultCmd.AddCommand(createCmd)

	vaultCmd.AddCommand(&cobra.Command{
		Use:   "usage <vault-id>",
		Short: "Show quota usage of a vault",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var u quota.Usage
			if err := newAdminClient().do("GET", "/v1/vaults/"+url.PathEscape(args[0])+"/usage", nil, &u); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Vault:     %s\n", u.VaultID)
			fmt.Fprintf(out, "Quota:     %s\n", formatQuota(u.QuotaBytes))
			fmt.Fprintf(out, "Used:      %s\n", bytesize.Format(u.UsedBytes))
			fmt.Fprintf(out, "Reserved:  %s\n", bytesize.Format(u.ReservedBytes))
			if u.AvailableBytes >= 0 {
				fmt.Fprintf(out, "Available: %s (%.1f%% used)\n", bytesize.Format(u.AvailableBytes), u.UsedPercent)
			}
			return nil
		},
	})
	return vaultCmd
}

func formatQuota(n int64) string {
	if n == 0 {
		return "unlimited"
	}
	return bytesize.Format(n)
}
