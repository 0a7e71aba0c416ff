package main

import (
	"github.com/spf13/cobra"

	appconfig "github.com/manthysbr/quickloan-kb/internal/config"
)

var (
	configPath string
	verbose    bool
	sessionArg string
	showSteps  bool

	rootCmd = &cobra.Command{
		Use:           "kb",
		Short:         "Ask questions about the Quick Loan platform from the terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	chatCmd = &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive session with the knowledge base agent",
		RunE:  runChatCommand, // cmd_chat.go
	}

	askCmd = &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask a single question and print the answer",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runAskCommand, // cmd_chat.go
	}

	sessionsCmd = &cobra.Command{
		Use:   "sessions",
		Short: "List stored sessions",
		RunE:  runSessionsCommand, // cmd_chat.go
	}

	toolsCmd = &cobra.Command{
		Use:   "tools",
		Short: "List the tools the agent can use",
		RunE:  runToolsList, // cmd_tools.go
	}

	toolsRunCmd = &cobra.Command{
		Use:   "run [tool] [input]",
		Short: "Invoke one tool directly and print its result",
		Args:  cobra.MinimumNArgs(2),
		RunE:  runToolsRun, // cmd_tools.go
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the YAML config file (default $"+appconfig.EnvConfigPath+")")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log at debug level to stderr")

	chatCmd.Flags().StringVarP(&sessionArg, "session", "s", "", "resume an existing session")
	chatCmd.Flags().BoolVar(&showSteps, "steps", false, "print the tool steps of each run")
	askCmd.Flags().StringVarP(&sessionArg, "session", "s", "", "ask within an existing session")
	askCmd.Flags().BoolVar(&showSteps, "steps", false, "print the tool steps of the run")

	toolsCmd.AddCommand(toolsRunCmd)
	rootCmd.AddCommand(chatCmd, askCmd, sessionsCmd, toolsCmd)
}
