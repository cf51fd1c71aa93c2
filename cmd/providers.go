package cmd

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/mediagen/internal/account"
	"github.com/JakeFAU/mediagen/internal/config"
)

type accountView struct {
	ID       string `json:"id"`
	Tier     string `json:"tier"`
	Active   bool   `json:"active"`
	Capacity int    `json:"capacity"`
}

type providerView struct {
	ID           string        `json:"id"`
	Kind         string        `json:"kind"`
	MultiAccount bool          `json:"supports_multi_account"`
	Operations   []string      `json:"operations"`
	Accounts     []accountView `json:"accounts"`
}

// newProvidersCmd creates the 'providers' subcommand, which prints the loaded
// provider manifests and each account's effective concurrency.
func newProvidersCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "providers",
		Short: "Lists configured providers and account capacity",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			views := providerViews(rt.cfg.Providers)
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(views)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PROVIDER\tKIND\tOPERATIONS\tACCOUNT\tTIER\tACTIVE\tCAPACITY")
			for _, p := range views {
				for _, a := range p.Accounts {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%t\t%d\n",
						p.ID, p.Kind, strings.Join(p.Operations, ","), a.ID, a.Tier, a.Active, a.Capacity)
				}
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func providerViews(providers []config.ProviderConfig) []providerView {
	views := make([]providerView, 0, len(providers))
	for _, pc := range providers {
		limits := pc.Capabilities.Limits(pc.ID)
		view := providerView{
			ID:           pc.ID,
			Kind:         pc.Kind,
			MultiAccount: pc.Capabilities.SupportsMultiAccount,
			Operations:   pc.Capabilities.Operations,
		}
		for _, ac := range pc.Accounts {
			acct := ac.Account(pc.ID)
			view.Accounts = append(view.Accounts, accountView{
				ID:       acct.ID,
				Tier:     string(acct.Tier),
				Active:   acct.Active,
				Capacity: account.EffectiveCapacity(acct, limits),
			})
		}
		views = append(views, view)
	}
	return views
}
