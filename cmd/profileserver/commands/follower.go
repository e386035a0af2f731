package commands

import (
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/marmos91/profileserver/internal/cli/output"
	"github.com/marmos91/profileserver/internal/cli/prompt"
	"github.com/marmos91/profileserver/pkg/store"
)

var followerCmd = &cobra.Command{
	Use:   "follower",
	Short: "Inspect and manage follower servers",
}

var followerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List servers that mirror this node's profiles",
	RunE:  runFollowerList,
}

var followerRemoveForce bool

var followerRemoveCmd = &cobra.Command{
	Use:   "remove <server-id>",
	Short: "Drop a follower and stop sending it further profile updates",
	Args:  cobra.ExactArgs(1),
	RunE:  runFollowerRemove,
}

func init() {
	followerRemoveCmd.Flags().BoolVar(&followerRemoveForce, "force", false, "Skip the confirmation prompt")
	followerCmd.AddCommand(followerListCmd, followerRemoveCmd)
}

func runFollowerList(cmd *cobra.Command, args []string) error {
	db, err := openStoreForCLI()
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	rows, err := db.ListFollowers(cmd.Context())
	if err != nil {
		return fmt.Errorf("list followers: %w", err)
	}

	table := output.NewTableData("SERVER ID", "ADDRESS", "INITIALIZED", "SHARED PROFILES")
	for _, f := range rows {
		addr := net.JoinHostPort(f.IPAddress, strconv.FormatUint(uint64(f.PrimaryPort), 10))
		table.AddRow(f.ServerID, addr, cmdBoolToYesNo(f.Initialized), strconv.FormatInt(f.SharedProfilesCount, 10))
	}
	return output.PrintTable(os.Stdout, table)
}

func runFollowerRemove(cmd *cobra.Command, args []string) error {
	serverID := args[0]

	confirmed, err := prompt.ConfirmWithForce(fmt.Sprintf("Drop follower %s", serverID), followerRemoveForce)
	if err != nil {
		if prompt.IsAborted(err) {
			fmt.Println("Aborted")
			return nil
		}
		return err
	}
	if !confirmed {
		fmt.Println("Aborted")
		return nil
	}

	db, err := openStoreForCLI()
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	if err := db.DeleteFollower(cmd.Context(), serverID); err != nil {
		if err == store.ErrFollowerNotFound {
			return fmt.Errorf("no follower with server id %s", serverID)
		}
		return err
	}

	fmt.Printf("Removed follower %s\n", serverID)
	return nil
}
