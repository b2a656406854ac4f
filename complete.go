package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"kbcoder/buffer"
	"kbcoder/config"
	"kbcoder/engine"
	"kbcoder/types"

	"github.com/spf13/cobra"
)

func init() {
	completeCmd.Flags().String("file", "", "file to complete (required)")
	completeCmd.Flags().Int("line", 1, "cursor line, 1-based")
	completeCmd.Flags().Int("col", 0, "cursor column, 0-based byte offset")
	completeCmd.Flags().Bool("diff", false, "print a patch of the change instead of the inserted text")
	completeCmd.Flags().Bool("write", false, "save the completed file")
	completeCmd.Flags().String("settings", "", "settings file (default: config.toml in the kbcoder config dir)")
	_ = completeCmd.MarkFlagRequired("file")
}

var completeCmd = &cobra.Command{
	Use:   "complete",
	Short: "Stream one completion into a file without an editor",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		line, _ := cmd.Flags().GetInt("line")
		col, _ := cmd.Flags().GetInt("col")
		showDiff, _ := cmd.Flags().GetBool("diff")
		write, _ := cmd.Flags().GetBool("write")
		settingsFile, _ := cmd.Flags().GetString("settings")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		l := setupLogger(cfg.LogLevel)
		defer l.Close()
		if settingsFile == "" {
			settingsFile = cfg.settingsFile()
		}

		if line < 1 || col < 0 {
			return fmt.Errorf("invalid cursor %d:%d", line, col)
		}
		buf, err := buffer.LoadTextBuffer(file, types.Position{Line: line - 1, Character: col})
		if err != nil {
			return err
		}
		buf.Out = cmd.ErrOrStderr()

		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("get working directory: %w", err)
		}
		eng := engine.NewEngine(config.NewStore(), engine.EngineConfig{
			WorkspacePath: wd,
			SettingsFile:  settingsFile,
		})
		defer eng.Stop()
		eng.SetEditor(buf)
		eng.ReloadConfig()

		before := buf.Text()
		state, err := buf.Sync(wd)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		res, err := eng.Run(ctx, state)
		if err != nil {
			// already reported through the buffer
			return errors.New("completion failed")
		}

		out := cmd.OutOrStdout()
		switch {
		case showDiff:
			fmt.Fprint(out, buf.Diff(before))
		case !write:
			fmt.Fprintln(out, res.Text)
		}
		if write {
			if err := buf.WriteFile(); err != nil {
				return err
			}
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "%s: %d fragments, cursor %d:%d\n",
			res.Outcome, res.Fragments, res.Cursor.Line+1, res.Cursor.Character)
		return nil
	},
}
