// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dotandev/cilpatch/internal/certsync"
)

var (
	certsyncStoreFlag     string
	certsyncBTLSStoreFlag string
	certsyncSystemFlag    bool
)

var certsyncCmd = &cobra.Command{
	Use:     "certsync [bundle]",
	GroupID: "host",
	Short:   "Mirror a PEM CA bundle into the Mono certificate trust stores",
	Long: `Add every certificate of the bundle missing from the trust stores and remove
trusted certificates that are no longer in the bundle.

Two stores are synced for the selected scope. The legacy store holds one DER
file per certificate named by its SHA-1 thumbprint. The BTLS store holds PEM
files named by the OpenSSL subject-name hash. Passing --store syncs only the
given legacy directory unless --btls-store is passed too.`,
	Example: `  cilpatch certsync
  cilpatch certsync ./roots.pem --store ./Trust --btls-store ./new-certs
  sudo cilpatch certsync --system`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		bundle := certsync.DefaultBundle
		if len(args) == 1 {
			bundle = args[0]
		}
		opts := certsync.DefaultOptions()
		opts.System = certsyncSystemFlag
		if certsyncStoreFlag != "" {
			opts.UserStore, opts.SystemStore = certsyncStoreFlag, certsyncStoreFlag
			opts.BTLSUserStore, opts.BTLSSystemStore = certsyncBTLSStoreFlag, certsyncBTLSStoreFlag
		} else if certsyncBTLSStoreFlag != "" {
			opts.BTLSUserStore, opts.BTLSSystemStore = certsyncBTLSStoreFlag, certsyncBTLSStoreFlag
		}

		results, err := certsync.ImportCertificates(bundle, opts)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(results) == 0 {
			fmt.Fprintf(out, "%s No certificates were found in %s\n", warn("!"), bundle)
			return nil
		}
		for _, r := range results {
			mark := faint("=")
			if r.Changed() {
				mark = ok("✓")
			}
			fmt.Fprintf(out, "%s Certificate store updated [%s]: added %d, removed %d\n",
				mark, r.Store, len(r.Added), len(r.Removed))
		}
		return nil
	},
}

func init() {
	certsyncCmd.Flags().StringVar(&certsyncStoreFlag, "store", "", "Legacy trust store directory (default: the Mono store)")
	certsyncCmd.Flags().StringVar(&certsyncBTLSStoreFlag, "btls-store", "", "BTLS trust store directory (default: the Mono new-certs store)")
	certsyncCmd.Flags().BoolVar(&certsyncSystemFlag, "system", false, "Use the system store instead of the user store")
	rootCmd.AddCommand(certsyncCmd)
}
