package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/emanueleielo/ciana-parrot/internal/bridge"
)

func init() {
	rootCmd.AddCommand(sessionsCmd)
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions [project]",
	Short: "Browse code-assistant projects and conversations",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runSessions,
}

func runSessions(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()

	mgr, err := bridge.NewManager(bridge.Config{
		CLIPath:     cfg.ClaudeCode.CLIPath,
		ProjectsDir: cfg.ClaudeCode.ProjectsDir,
		StateFile:   cfg.ClaudeCode.StateFile,
	})
	if err != nil {
		return err
	}

	if len(args) == 0 {
		projects, err := mgr.ListProjects()
		if err != nil {
			return err
		}
		if len(projects) == 0 {
			fmt.Println("No projects found.")
			return nil
		}
		for _, p := range projects {
			fmt.Printf("%-40s %3d conversations  last active %s\n",
				p.DisplayName, p.ConversationCount, p.LastActivity.Format("2006-01-02 15:04"))
			fmt.Printf("  %s\n", p.EncodedName)
		}
		return nil
	}

	conversations, err := mgr.ListConversations(args[0])
	if err != nil {
		return err
	}
	if len(conversations) == 0 {
		fmt.Println("No conversations found.")
		return nil
	}
	for _, c := range conversations {
		branch := c.GitBranch
		if branch == "" {
			branch = "-"
		}
		fmt.Printf("%s  %s  %3d msgs  [%s]\n  %s\n",
			c.SessionID, c.Timestamp.Format("2006-01-02 15:04"), c.MessageCount, branch, c.FirstMessage)
	}
	return nil
}
