package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stratum-storage/stratum/pkg/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a sample configuration file",
	Long: `Initialize a sample Stratum configuration file.

By default, the configuration file is created at
$XDG_CONFIG_HOME/stratum/config.yaml. Use --config to specify a custom
path.

Examples:
  # Initialize with default location
  stratum init

  # Initialize with custom path
  stratum init --config /etc/stratum/config.yaml

  # Force overwrite existing config
  stratum init --force`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Force overwrite existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	configFile := GetConfigFile()

	var configPath string
	var err error
	if configFile != "" {
		err = config.InitConfigToPath(configFile, initForce)
		configPath = configFile
	} else {
		configPath, err = config.InitConfig(initForce)
	}
	if err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	fmt.Printf("Configuration file created at: %s\n", configPath)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Edit the device list to point at real backing files")
	fmt.Printf("  2. Run a load test: stratum bench --config %s\n", configPath)
	return nil
}
