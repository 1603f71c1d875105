package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"southwinds.dev/keepsafe"
)

var addID string

var addCmd = &cobra.Command{
	Use:   "add <collection> [field=value ...]",
	Short: "Add a record to a collection",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		record, err := parseFieldArgs(args[1:])
		if err != nil {
			return err
		}
		if addID != "" {
			record["id"] = addID
		}
		if err = session.Add(cmd.Context(), args[0], record); err != nil {
			return err
		}
		fmt.Printf("added record to %s\n", args[0])
		return nil
	},
}

var getCmd = &cobra.Command{
	Use:   "get <collection> [id]",
	Short: "Show the records of a collection",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		records, err := session.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if len(args) == 2 {
			for _, r := range records {
				if id, _ := r["id"].(string); id == args[1] {
					return printRecords([]keepsafe.Record{r})
				}
			}
			return fmt.Errorf("record %q not found in collection %q", args[1], args[0])
		}
		return printRecords(records)
	},
}

var updateCmd = &cobra.Command{
	Use:   "update <collection> <id> field=value [field=value ...]",
	Short: "Patch fields of an existing record",
	Args:  cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		patch, err := parseFieldArgs(args[2:])
		if err != nil {
			return err
		}
		if err = session.Update(cmd.Context(), args[0], args[1], patch); err != nil {
			return err
		}
		fmt.Printf("updated record %s in %s\n", args[1], args[0])
		return nil
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm <collection> <id>",
	Short: "Delete a record (no error if already gone)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return session.Delete(cmd.Context(), args[0], args[1])
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the vault's collections",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		names, err := session.Collections(cmd.Context())
		if err != nil {
			return err
		}
		if len(names) == 0 {
			fmt.Println("(no collections)")
			return nil
		}
		for _, name := range names {
			fmt.Println(name)
		}
		return nil
	},
}

func init() {
	addCmd.Flags().StringVar(&addID, "id", "", "record id (generated when omitted)")
	rootCmd.AddCommand(addCmd, getCmd, updateCmd, rmCmd, listCmd)
}
