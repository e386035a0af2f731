package commands

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/marmos91/profileserver/internal/cli/output"
	"github.com/marmos91/profileserver/internal/cli/prompt"
	"github.com/marmos91/profileserver/pkg/identity"
	"github.com/marmos91/profileserver/pkg/neighborhood"
	"github.com/marmos91/profileserver/pkg/store"
)

var neighborCmd = &cobra.Command{
	Use:   "neighbor",
	Short: "Inspect and manage neighbor servers",
}

var neighborListCmd = &cobra.Command{
	Use:   "list",
	Short: "List neighbor servers this node mirrors",
	RunE:  runNeighborList,
}

var neighborAddCmd = &cobra.Command{
	Use:   "add <server-id> <ip-address> <primary-port> <public-key-hex>",
	Short: "Enqueue an AddNeighbor action to initiate mirroring a peer server",
	Long: `Enqueue an AddNeighbor action for the neighborhood engine to pick up on
its next scan (spec.md §4.F.2). The engine dials the peer's Primary port,
announces this server, and streams the peer's hosted profiles back over
the SrNeighbor conversation.

public-key-hex is the peer's hex-encoded ed25519 public key, out of band
from this server. Every outbound dial to this neighbor verifies the
remote side's Start/VerifyIdentity challenge signature against this key;
a mismatch deletes the neighbor and drops its pending actions rather
than risk replicating from an impersonator.`,
	Args: cobra.ExactArgs(4),
	RunE: runNeighborAdd,
}

var neighborRemoveForce bool

var neighborRemoveCmd = &cobra.Command{
	Use:   "remove <server-id>",
	Short: "Stop mirroring a neighbor and remove its mirrored identities",
	Args:  cobra.ExactArgs(1),
	RunE:  runNeighborRemove,
}

func init() {
	neighborRemoveCmd.Flags().BoolVar(&neighborRemoveForce, "force", false, "Skip the confirmation prompt")
	neighborCmd.AddCommand(neighborListCmd, neighborAddCmd, neighborRemoveCmd)
}

func runNeighborList(cmd *cobra.Command, args []string) error {
	db, err := openStoreForCLI()
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	rows, err := db.ListNeighbors(cmd.Context())
	if err != nil {
		return fmt.Errorf("list neighbors: %w", err)
	}

	table := output.NewTableData("SERVER ID", "ADDRESS", "INITIALIZED", "SHARED PROFILES")
	for _, n := range rows {
		addr := net.JoinHostPort(n.IPAddress, strconv.FormatUint(uint64(n.PrimaryPort), 10))
		table.AddRow(n.ServerID, addr, cmdBoolToYesNo(n.Initialized), strconv.FormatInt(n.SharedProfilesCount, 10))
	}
	return output.PrintTable(os.Stdout, table)
}

func runNeighborAdd(cmd *cobra.Command, args []string) error {
	serverID, ipAddress := args[0], args[1]
	port, err := strconv.ParseUint(args[2], 10, 32)
	if err != nil {
		return fmt.Errorf("invalid primary port %q: %w", args[2], err)
	}
	publicKey, err := hex.DecodeString(args[3])
	if err != nil {
		return fmt.Errorf("invalid public key %q: %w", args[3], err)
	}
	if len(publicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(publicKey))
	}

	db, err := openStoreForCLI()
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	action := &identity.NeighborhoodAction{
		ServerID:       serverID,
		Type:           identity.ActionAddNeighbor,
		Timestamp:      time.Now(),
		AdditionalData: neighborhood.EncodeAddNeighborData(ipAddress, uint32(port), ed25519.PublicKey(publicKey)),
	}
	if err := db.EnqueueActions(cmd.Context(), action); err != nil {
		return fmt.Errorf("enqueue add-neighbor action: %w", err)
	}

	fmt.Printf("Enqueued AddNeighbor for %s (%s:%d)\n", serverID, ipAddress, port)
	return nil
}

func runNeighborRemove(cmd *cobra.Command, args []string) error {
	serverID := args[0]

	confirmed, err := prompt.ConfirmWithForce(fmt.Sprintf("Stop mirroring neighbor %s and delete its mirrored identities", serverID), neighborRemoveForce)
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

	if err := db.DeleteNeighborCascade(cmd.Context(), serverID); err != nil {
		if err == store.ErrNeighborNotFound {
			return fmt.Errorf("no neighbor with server id %s", serverID)
		}
		return err
	}

	fmt.Printf("Removed neighbor %s\n", serverID)
	return nil
}
