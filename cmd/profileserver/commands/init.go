package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/marmos91/profileserver/pkg/config"
	"github.com/marmos91/profileserver/pkg/identity"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a sample configuration file and server keypair",
	Long: `Initialize a sample profileserver configuration file and generate the
node's Ed25519 identity keypair.

By default, the configuration file is created at
$XDG_CONFIG_HOME/profileserver/config.yaml, and the private key at the path
the generated configuration's server.private_key_path points to. Use --config
to pick a different configuration path.

Examples:
  # Initialize with default location
  profileserver init

  # Initialize with custom path
  profileserver init --config /etc/profileserver/config.yaml

  # Force overwrite an existing config file
  profileserver init --force`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Force overwrite an existing config file and key")
}

func runInit(cmd *cobra.Command, args []string) error {
	configPath := GetConfigFile()
	if configPath == "" {
		configPath = config.DefaultConfigPath()
	}

	if !initForce {
		if _, err := os.Stat(configPath); err == nil {
			return fmt.Errorf("configuration file already exists at %s (use --force to overwrite)", configPath)
		}
	}

	cfg := config.DefaultConfig()
	if err := config.Save(cfg, configPath); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	if _, err := identity.GeneratePrivateKeyFile(cfg.Server.PrivateKeyPath); err != nil {
		return fmt.Errorf("generate server keypair: %w", err)
	}

	fmt.Printf("Configuration file created at: %s\n", configPath)
	fmt.Printf("Server keypair created at:    %s\n", cfg.Server.PrivateKeyPath)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Edit the configuration file: set server_id, TLS certificates, and database DSN")
	fmt.Println("  2. Set admin_api.jwt_secret (32+ random characters) and admin_api.admin_password_hash")
	fmt.Println("     (generate the hash with: profileserver admin password-hash)")
	fmt.Println("  3. Start the server with: profileserver start")
	fmt.Printf("  4. Or specify a custom config: profileserver start --config %s\n", configPath)

	return nil
}
