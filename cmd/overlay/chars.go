package main

import (
	"fmt"
	"strings"

	"better-planetside/internal/storage/sqlite"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var charsCmd = &cobra.Command{
	Use:   "chars",
	Short: "Manage the characters tracked as yours",
}

var charsAddCmd = &cobra.Command{
	Use:   "add <character_id> <name>",
	Short: "Track a character",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()
		name := strings.Join(args[1:], " ")
		if err := store.AddMyCharacter(cmd.Context(), args[0], name); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s)\n", color.GreenString("✓ tracking"), name, args[0])
		return nil
	},
}

var charsRemoveCmd = &cobra.Command{
	Use:   "remove <character_id>",
	Short: "Stop tracking a character",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()
		removed, err := store.RemoveMyCharacter(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if !removed {
			fmt.Fprintln(cmd.OutOrStdout(), color.YellowString("not tracked: %s", args[0]))
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), color.GreenString("✓ removed %s", args[0]))
		return nil
	},
}

var charsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tracked characters",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()
		chars, err := store.MyCharacters(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(chars) == 0 {
			fmt.Fprintln(out, color.YellowString("no tracked characters"))
			return nil
		}
		for _, c := range chars {
			fmt.Fprintf(out, "%s  %s  %s\n",
				color.CyanString("%-20s", c.CharacterID),
				color.New(color.Bold).Sprint(c.Name),
				color.HiBlackString(c.AddedAt.Local().Format("2006-01-02 15:04")))
		}
		return nil
	},
}

func init() {
	charsCmd.AddCommand(charsAddCmd, charsRemoveCmd, charsListCmd)
}

func openStore() (*sqlite.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return sqlite.Open(cfg.Storage.Path)
}
