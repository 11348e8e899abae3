package commands

import (
	"github.com/spf13/cobra"
	"github.com/veritas-net/veritas/src/config"
)

var (
	_config = config.NewDefaultConfig()
)

//RootCmd is the root command for Veritas
var RootCmd = &cobra.Command{
	Use:              "veritas",
	Short:            "veritas rumor verification",
	TraverseChildren: true,
}
