package commands

import (
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/marmos91/profileserver/internal/cli/output"
	"github.com/marmos91/profileserver/internal/cli/prompt"
	"github.com/marmos91/profileserver/internal/cli/timeutil"
	"github.com/marmos91/profileserver/pkg/config"
	"github.com/marmos91/profileserver/pkg/identity"
	"github.com/marmos91/profileserver/pkg/store"
)

// identityCancellationGracePeriod mirrors the grace period
// pkg/server applies to ClCustomer's CancelHostingAgreement, so an
// operator-initiated cancellation leaves the same redirect window.
const identityCancellationGracePeriod = 30 * 24 * time.Hour

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Inspect and manage hosted identities",
}

var identityListCmd = &cobra.Command{
	Use:   "list",
	Short: "List hosted identities",
	RunE:  runIdentityList,
}

var identityShowCmd = &cobra.Command{
	Use:   "show <identity-id-hex>",
	Short: "Show a hosted identity's profile record",
	Args:  cobra.ExactArgs(1),
	RunE:  runIdentityShow,
}

var identityCancelForce bool

var identityCancelCmd = &cobra.Command{
	Use:   "cancel <identity-id-hex>",
	Short: "Cancel a hosted identity's hosting agreement",
	Args:  cobra.ExactArgs(1),
	RunE:  runIdentityCancel,
}

func init() {
	identityCancelCmd.Flags().BoolVar(&identityCancelForce, "force", false, "Skip the confirmation prompt")
	identityCmd.AddCommand(identityListCmd, identityShowCmd, identityCancelCmd)
}

func runIdentityList(cmd *cobra.Command, args []string) error {
	db, err := openStoreForCLI()
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	rows, err := db.ListInitializedHostedIdentities(cmd.Context())
	if err != nil {
		return fmt.Errorf("list hosted identities: %w", err)
	}

	table := output.NewTableData("IDENTITY ID", "TYPE", "NAME", "CANCELLED")
	for _, h := range rows {
		table.AddRow(h.ID.String(), h.Type, h.Name, cmdBoolToYesNo(h.Cancelled))
	}
	return output.PrintTable(os.Stdout, table)
}

func runIdentityShow(cmd *cobra.Command, args []string) error {
	id, err := parseIdentityID(args[0])
	if err != nil {
		return err
	}

	db, err := openStoreForCLI()
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	h, err := db.GetHostedIdentity(cmd.Context(), id)
	if err != nil {
		if err == store.ErrHostedIdentityNotFound {
			return fmt.Errorf("no hosted identity with id %s", id)
		}
		return err
	}

	hostingServerID := ""
	if h.HostingServerID != nil {
		hostingServerID = *h.HostingServerID
	}

	pairs := [][2]string{
		{"ID", h.ID.String()},
		{"Type", h.Type},
		{"Name", h.Name},
		{"Version", fmt.Sprintf("%d.%d.%d", h.VersionMajor, h.VersionMinor, h.VersionPatch)},
		{"Initialized", cmdBoolToYesNo(h.Initialized)},
		{"Cancelled", cmdBoolToYesNo(h.Cancelled)},
		{"Redirect server", hostingServerID},
	}
	if h.ExpirationDate != nil {
		pairs = append(pairs, [2]string{"Expires", timeutil.FormatTime(h.ExpirationDate.Format(time.RFC3339))})
	}
	return output.SimpleTable(os.Stdout, pairs)
}

func runIdentityCancel(cmd *cobra.Command, args []string) error {
	id, err := parseIdentityID(args[0])
	if err != nil {
		return err
	}

	confirmed, err := prompt.ConfirmWithForce(fmt.Sprintf("Cancel hosting agreement for %s", id), identityCancelForce)
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

	err = db.UpdateHostedIdentity(cmd.Context(), id, func(h *identity.HostedIdentity) error {
		h.Cancelled = true
		expiration := time.Now().Add(identityCancellationGracePeriod)
		h.ExpirationDate = &expiration
		return nil
	})
	if err != nil {
		if err == store.ErrHostedIdentityNotFound {
			return fmt.Errorf("no hosted identity with id %s", id)
		}
		return err
	}

	followers, err := db.ListFollowers(cmd.Context())
	if err != nil {
		return fmt.Errorf("list followers: %w", err)
	}
	actions := make([]*identity.NeighborhoodAction, 0, len(followers))
	for _, f := range followers {
		target := id
		actions = append(actions, &identity.NeighborhoodAction{
			ServerID: f.ServerID, Type: identity.ActionRemoveProfile, TargetIdentityID: &target, Timestamp: time.Now(),
		})
	}
	if err := db.EnqueueActions(cmd.Context(), actions...); err != nil {
		return fmt.Errorf("enqueue follower removals: %w", err)
	}

	fmt.Printf("Cancelled hosting agreement for %s\n", id)
	return nil
}

func parseIdentityID(s string) (identity.ID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return identity.ID{}, fmt.Errorf("invalid identity id %q: %w", s, err)
	}
	id, ok := identity.IDFromBytes(b)
	if !ok {
		return identity.ID{}, fmt.Errorf("identity id %q must be 32 bytes hex-encoded", s)
	}
	return id, nil
}

func openStoreForCLI() (*store.Store, error) {
	cfg, err := config.Load(GetConfigFile())
	if err != nil {
		return nil, err
	}
	db, err := store.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

func cmdBoolToYesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
