package neighborhood

import (
	"time"

	"github.com/marmos91/profileserver/pkg/identity"
	"github.com/marmos91/profileserver/pkg/proto"
)

// stagedInitialization accumulates the Add items a neighbor streams to us
// during an AddNeighbor handshake (spec.md §4.F.2): nothing is written to
// the NeighborIdentity store until FinishNeighborhoodInitialization
// arrives, so a connection drop mid-stream leaves no partial state
// behind beyond the blobs written for rollback accounting.
type stagedInitialization struct {
	items         map[identity.ID]*proto.ProfileInformationBody
	writtenHashes map[string][]byte // hex hash -> bytes, for rollback dereference
	startedAt     time.Time
}

func newStagedInitialization() *stagedInitialization {
	return &stagedInitialization{
		items:         make(map[identity.ID]*proto.ProfileInformationBody),
		writtenHashes: make(map[string][]byte),
	}
}
