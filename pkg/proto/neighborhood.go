package proto

import (
	"bytes"

	"github.com/marmos91/profileserver/internal/wire"
)

// StartNeighborhoodInitializationBody is the StartNeighborhoodInitialization
// request body: sent by the server that wants to start following the
// recipient's hosted profiles, identifying itself so the recipient can
// dial back on its SrNeighbor port.
type StartNeighborhoodInitializationBody struct {
	ServerID       string
	IPAddress      string
	PrimaryPort    uint32
	SrNeighborPort uint32
}

func (b *StartNeighborhoodInitializationBody) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := wire.WriteString(&buf, b.ServerID); err != nil {
		return nil, err
	}
	if err := wire.WriteString(&buf, b.IPAddress); err != nil {
		return nil, err
	}
	if err := wire.WriteUint32(&buf, b.PrimaryPort); err != nil {
		return nil, err
	}
	if err := wire.WriteUint32(&buf, b.SrNeighborPort); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func DecodeStartNeighborhoodInitializationBody(data []byte) (*StartNeighborhoodInitializationBody, error) {
	r := bytes.NewReader(data)
	b := &StartNeighborhoodInitializationBody{}
	var err error
	if b.ServerID, err = wire.ReadString(r); err != nil {
		return nil, err
	}
	if b.IPAddress, err = wire.ReadString(r); err != nil {
		return nil, err
	}
	if b.PrimaryPort, err = wire.ReadUint32(r); err != nil {
		return nil, err
	}
	if b.SrNeighborPort, err = wire.ReadUint32(r); err != nil {
		return nil, err
	}
	return b, nil
}

// FinishNeighborhoodInitializationBody carries no fields: the provider
// side sends it after its last initialization batch, telling the
// receiving side to commit what it has staged and go live.
type FinishNeighborhoodInitializationBody struct{}

func (b *FinishNeighborhoodInitializationBody) Encode() ([]byte, error) { return nil, nil }

func DecodeFinishNeighborhoodInitializationBody(data []byte) (*FinishNeighborhoodInitializationBody, error) {
	return &FinishNeighborhoodInitializationBody{}, nil
}

// ProfileUpdateOp discriminates one item of a shared-profile-update batch.
type ProfileUpdateOp uint32

const (
	ProfileUpdateAdd ProfileUpdateOp = iota + 1
	ProfileUpdateChange
	ProfileUpdateRemove
)

// ProfileUpdateItem is one entry of a NeighborhoodSharedProfileUpdate
// batch. Info is nil for Remove. ThumbnailData/ProfileImageData carry
// the raw blob bytes alongside their hash (already present in Info)
// only when the sending side believes the receiver has not seen that
// hash before; the receiver writes them to its blob store by hash
// before accepting the item (spec.md §4.F.2, §4.F.3).
type ProfileUpdateItem struct {
	Op               ProfileUpdateOp
	IdentityID       []byte
	Info             *ProfileInformationBody
	ProfileImageData []byte
	ThumbnailData    []byte
}

// NeighborhoodSharedProfileUpdateBody carries a batch of profile
// mutations a neighbor is pushing to a follower, either as part of the
// initialization staging batch (Initialization=true) or a live update.
type NeighborhoodSharedProfileUpdateBody struct {
	Items          []ProfileUpdateItem
	Initialization bool
}

func (b *NeighborhoodSharedProfileUpdateBody) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := wire.WriteUint32(&buf, uint32(len(b.Items))); err != nil {
		return nil, err
	}
	for _, item := range b.Items {
		if err := wire.WriteUint32(&buf, uint32(item.Op)); err != nil {
			return nil, err
		}
		if err := wire.WriteBytes(&buf, item.IdentityID); err != nil {
			return nil, err
		}
		hasInfo := item.Info != nil
		if err := wire.WriteBool(&buf, hasInfo); err != nil {
			return nil, err
		}
		if hasInfo {
			if err := item.Info.Encode(&buf); err != nil {
				return nil, err
			}
		}
		if err := wire.WriteBytes(&buf, item.ProfileImageData); err != nil {
			return nil, err
		}
		if err := wire.WriteBytes(&buf, item.ThumbnailData); err != nil {
			return nil, err
		}
	}
	if err := wire.WriteBool(&buf, b.Initialization); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func DecodeNeighborhoodSharedProfileUpdateBody(data []byte) (*NeighborhoodSharedProfileUpdateBody, error) {
	r := bytes.NewReader(data)
	count, err := wire.ReadUint32(r)
	if err != nil {
		return nil, err
	}
	b := &NeighborhoodSharedProfileUpdateBody{Items: make([]ProfileUpdateItem, 0, count)}
	for i := uint32(0); i < count; i++ {
		var item ProfileUpdateItem
		op, err := wire.ReadUint32(r)
		if err != nil {
			return nil, err
		}
		item.Op = ProfileUpdateOp(op)
		if item.IdentityID, err = wire.ReadBytes(r); err != nil {
			return nil, err
		}
		hasInfo, err := wire.ReadBool(r)
		if err != nil {
			return nil, err
		}
		if hasInfo {
			info, err := decodeProfileInformationFrom(r)
			if err != nil {
				return nil, err
			}
			item.Info = info
		}
		if item.ProfileImageData, err = wire.ReadBytes(r); err != nil {
			return nil, err
		}
		if item.ThumbnailData, err = wire.ReadBytes(r); err != nil {
			return nil, err
		}
		b.Items = append(b.Items, item)
	}
	if b.Initialization, err = wire.ReadBool(r); err != nil {
		return nil, err
	}
	return b, nil
}

// StopNeighborhoodUpdatesBody carries no fields: the session identifies
// which relationship is being torn down.
type StopNeighborhoodUpdatesBody struct{}

func (b *StopNeighborhoodUpdatesBody) Encode() ([]byte, error) { return nil, nil }

func DecodeStopNeighborhoodUpdatesBody(data []byte) (*StopNeighborhoodUpdatesBody, error) {
	return &StopNeighborhoodUpdatesBody{}, nil
}
