package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/injectwatch/internal/state"
	"github.com/user/injectwatch/internal/types"
)

func init() {
	rootCmd.AddCommand(profileCmd)
	profileCmd.AddCommand(profileAddCmd, profileListCmd, profileRemoveCmd, profileImportCmd)

	profileAddCmd.Flags().String("name", "", "profile name (required)")
	profileAddCmd.Flags().String("site", "", "expected injection site: abdomen, thigh, upper_arm or buttock")
	profileAddCmd.Flags().String("sensitivity", "", "feedback sensitivity: low, medium or high")
	_ = profileAddCmd.MarkFlagRequired("name")
}

func profileStore() *state.ProfileStore {
	return state.NewProfileStore(loadConfig().ProfilesPath())
}

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Manage user profiles",
}

var profileAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add or replace a profile",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		site, _ := cmd.Flags().GetString("site")
		sensitivity, _ := cmd.Flags().GetString("sensitivity")

		profile := &types.Profile{
			Name:         name,
			ExpectedSite: types.Site(site),
			Sensitivity:  types.Sensitivity(sensitivity),
		}
		if err := profileStore().Put(context.Background(), profile); err != nil {
			return fmt.Errorf("add profile: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Profile %q saved.\n", name)
		return nil
	},
}

var profileListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all profiles",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		profiles, err := profileStore().List(context.Background())
		if err != nil {
			return fmt.Errorf("list profiles: %w", err)
		}
		if len(profiles) == 0 {
			fmt.Println("No profiles found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tSITE\tSENSITIVITY")
		for _, p := range profiles {
			site, sens := string(p.ExpectedSite), string(p.Sensitivity)
			if site == "" {
				site = "-"
			}
			if sens == "" {
				sens = "default"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", p.Name, site, sens)
		}
		return w.Flush()
	},
}

var profileRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove a profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := profileStore().Delete(context.Background(), args[0]); err != nil {
			return fmt.Errorf("remove profile: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Profile %q removed.\n", args[0])
		return nil
	},
}

var profileImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Import a YAML list of profiles",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := profileStore().Import(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("import profiles: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Imported %d profiles.\n", n)
		return nil
	},
}
