package main

import (
	clay "github.com/go-go-golems/clay/pkg"
	"github.com/go-go-golems/glazed/pkg/cmds/logging"
	"github.com/go-go-golems/glazed/pkg/help"
	help_cmd "github.com/go-go-golems/glazed/pkg/help/cmd"
	"github.com/spf13/cobra"

	coursechat_cmds "github.com/go-go-golems/coursechat/cmd/coursechat/cmds"
)

var rootCmd = &cobra.Command{
	Use:          "coursechat",
	Short:        "coursechat serves and talks to the course chat API",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return logging.InitLoggerFromCobra(cmd)
	},
}

func main() {
	if err := clay.InitGlazed("coursechat", rootCmd); err != nil {
		cobra.CheckErr(err)
	}

	helpSystem := help.NewHelpSystem()
	help_cmd.SetupCobraRootCommand(helpSystem, rootCmd)

	cobra.CheckErr(coursechat_cmds.RegisterCommands(rootCmd))
	cobra.CheckErr(rootCmd.Execute())
}
