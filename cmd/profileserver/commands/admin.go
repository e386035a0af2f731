package commands

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/marmos91/profileserver/pkg/adminapi/auth"
)

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Operator utilities for the admin API",
}

var adminPasswordHashCmd = &cobra.Command{
	Use:   "password-hash",
	Short: "Bcrypt-hash a password for admin_api.admin_password_hash in the config file",
	Long: `Prompts for a password (not echoed on a terminal) and prints its bcrypt
hash, for pasting into admin_api.admin_password_hash. The admin API never
stores or accepts a plaintext password.`,
	RunE: runAdminPasswordHash,
}

func init() {
	adminCmd.AddCommand(adminPasswordHashCmd)
}

func runAdminPasswordHash(cmd *cobra.Command, args []string) error {
	password, err := promptPassword("Password: ")
	if err != nil {
		return fmt.Errorf("read password: %w", err)
	}
	confirm, err := promptPassword("Confirm password: ")
	if err != nil {
		return fmt.Errorf("read password confirmation: %w", err)
	}
	if password != confirm {
		return fmt.Errorf("passwords do not match")
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), hash)
	return nil
}

// promptPassword reads a password without echoing when stdin is a
// terminal, falling back to a plain line read for piped input.
func promptPassword(prompt string) (string, error) {
	fmt.Print(prompt)

	if term.IsTerminal(int(syscall.Stdin)) {
		password, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			return "", err
		}
		return string(password), nil
	}

	reader := bufio.NewReader(os.Stdin)
	password, err := reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(password), nil
}
