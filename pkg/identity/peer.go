package identity

import "time"

// Neighbor is a peer server whose profiles this server mirrors.
type Neighbor struct {
	ServerID string `gorm:"primaryKey;size:64"`

	IPAddress       string `gorm:"size:64"`
	PrimaryPort     uint32
	SrNeighborPort  uint32 // 0 when not yet discovered
	PublicKey       []byte `gorm:"size:32"` // expected ed25519 key, bound at add-time and verified on every dial

	LastRefreshTime time.Time
	Initialized     bool
	SharedProfilesCount int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Follower is a peer server that mirrors this server's profiles.
type Follower struct {
	ServerID string `gorm:"primaryKey;size:64"`

	IPAddress      string `gorm:"size:64"`
	PrimaryPort    uint32
	SrNeighborPort uint32
	PublicKey      []byte `gorm:"size:32"` // captured from the authenticated session at announce time

	LastRefreshTime time.Time
	Initialized     bool
	SharedProfilesCount int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ActionType enumerates a NeighborhoodAction's kind.
type ActionType uint32

const (
	ActionAddNeighbor ActionType = iota + 1
	ActionRemoveNeighbor
	ActionStopNeighborhoodUpdates
	ActionAddProfile
	ActionChangeProfile
	ActionRemoveProfile
	ActionRefreshNeighborStatus
	ActionInitializationProcessInProgress
)

// IsProfileClass reports whether the action belongs to the profile class
// (AddProfile, ChangeProfile, RemoveProfile, RefreshNeighborStatus), as
// opposed to the server class (everything else).
func (t ActionType) IsProfileClass() bool {
	switch t {
	case ActionAddProfile, ActionChangeProfile, ActionRemoveProfile, ActionRefreshNeighborStatus:
		return true
	default:
		return false
	}
}

func (t ActionType) String() string {
	switch t {
	case ActionAddNeighbor:
		return "add_neighbor"
	case ActionRemoveNeighbor:
		return "remove_neighbor"
	case ActionStopNeighborhoodUpdates:
		return "stop_neighborhood_updates"
	case ActionAddProfile:
		return "add_profile"
	case ActionChangeProfile:
		return "change_profile"
	case ActionRemoveProfile:
		return "remove_profile"
	case ActionRefreshNeighborStatus:
		return "refresh_neighbor_status"
	case ActionInitializationProcessInProgress:
		return "initialization_process_in_progress"
	default:
		return "unknown"
	}
}

// NeighborhoodAction is a queued unit of work toward one peer server.
type NeighborhoodAction struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"`

	ServerID         string `gorm:"size:64;index"`
	Type             ActionType
	TargetIdentityID *ID `gorm:"type:bytes;size:32"`

	Timestamp    time.Time
	ExecuteAfter *time.Time

	AdditionalData string `gorm:"type:text"`
}

// IsRunnable reports whether the action's execute_after has passed.
func (a *NeighborhoodAction) IsRunnable(now time.Time) bool {
	return a.ExecuteAfter == nil || !now.Before(*a.ExecuteAfter)
}
