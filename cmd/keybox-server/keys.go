package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cesi-keybox/keybox/server/internal/config"
	"github.com/cesi-keybox/keybox/server/internal/keybox/directory"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Inspect the key directory",
}

// keysCheckCmd validates the directory file and prints its assignments.
var keysCheckCmd = &cobra.Command{
	Use:   "check [file]",
	Short: "Validate a key directory file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := ""
		if len(args) == 1 {
			path = args[0]
		} else {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			path = cfg.Keys.File
		}

		dir, err := directory.Load(path)
		if err != nil {
			return err
		}

		quiet, _ := cmd.Flags().GetBool("quiet")
		if !quiet {
			all := dir.All()
			sort.Slice(all, func(i, j int) bool { return all[i].KeyID < all[j].KeyID })
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "KEY\tROOM\tNAME")
			for _, a := range all {
				fmt.Fprintf(w, "%s\t%s\t%s\n", a.KeyID, a.RoomID, a.DisplayName)
			}
			_ = w.Flush()
		}
		fmt.Printf("%s: %d keys OK\n", path, dir.Len())
		return nil
	},
}

func init() {
	keysCheckCmd.Flags().BoolP("quiet", "q", false, "only print the summary line")
	keysCmd.AddCommand(keysCheckCmd)
}
