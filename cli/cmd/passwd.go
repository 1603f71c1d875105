package cmd

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"southwinds.dev/keepsafe"
)

var passwdCmd = &cobra.Command{
	Use:   "passwd",
	Short: "Change the master password",
	Long: `Change the master password. Every collection is re-encrypted under a key
derived from the new password; the operation either completes for the whole
vault or leaves it untouched.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		current, err := promptPassword("Current password: ")
		if err != nil {
			return err
		}
		next, err := promptPassword("New password: ")
		if err != nil {
			return err
		}

		score := keepsafe.Score(next)
		fmt.Fprintf(os.Stderr, "Strength: %s\n", colorizeStrength(score))

		confirm, err := promptPassword("Confirm new password: ")
		if err != nil {
			return err
		}

		if err = session.ChangePassword(cmd.Context(), current, next, confirm); err != nil {
			return err
		}
		if err = forgetPassword(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: could not clear remembered password: %v\n", err)
		}
		fmt.Println("master password changed")
		return nil
	},
}

var strengthCmd = &cobra.Command{
	Use:   "strength [password]",
	Short: "Score a password from Very Weak to Very Strong",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var password string
		if len(args) == 1 {
			password = args[0]
		} else {
			var err error
			if password, err = promptPassword("Password to score: "); err != nil {
				return err
			}
		}
		score := keepsafe.Score(password)
		fmt.Printf("%d/4 %s\n", score, colorizeStrength(score))
		return nil
	},
}

var strengthPalette = map[string]*color.Color{
	"red":    color.New(color.FgRed),
	"orange": color.New(color.FgRed, color.Bold),
	"yellow": color.New(color.FgYellow),
	"lime":   color.New(color.FgGreen),
	"green":  color.New(color.FgGreen, color.Bold),
}

func colorizeStrength(score int) string {
	label := keepsafe.LabelFor(score)
	if c, ok := strengthPalette[keepsafe.ColorFor(score)]; ok {
		return c.Sprint(label)
	}
	return label
}

func init() {
	rootCmd.AddCommand(passwdCmd, strengthCmd)
}
