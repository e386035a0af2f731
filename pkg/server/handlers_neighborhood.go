package server

import (
	"context"

	"github.com/marmos91/profileserver/internal/wire"
	"github.com/marmos91/profileserver/pkg/proto"
	"github.com/marmos91/profileserver/pkg/session"
)

// handleStartNeighborhoodInitialization delegates to the neighborhood
// engine's passive-side handshake entry point (spec.md §4.F.2).
func handleStartNeighborhoodInitialization(ctx context.Context, d *Deps, sess *session.Session, req *wire.Request) ([]byte, error) {
	body, err := proto.DecodeStartNeighborhoodInitializationBody(req.Body)
	if err != nil {
		return nil, wrapProtoViolation("decode start-neighborhood-initialization body", err)
	}
	return d.Neighborhood.HandleStartNeighborhoodInitialization(ctx, sess, body)
}

// handleNeighborhoodSharedProfileUpdate delegates to the neighborhood
// engine's live-update ingestion entry point (spec.md §4.F.3).
func handleNeighborhoodSharedProfileUpdate(ctx context.Context, d *Deps, sess *session.Session, req *wire.Request) ([]byte, error) {
	body, err := proto.DecodeNeighborhoodSharedProfileUpdateBody(req.Body)
	if err != nil {
		return nil, wrapProtoViolation("decode neighborhood-shared-profile-update body", err)
	}
	return d.Neighborhood.HandleNeighborhoodSharedProfileUpdate(ctx, sess, body)
}

// handleStopNeighborhoodUpdates delegates to the neighborhood engine's
// teardown entry point (spec.md §4.F.4).
func handleStopNeighborhoodUpdates(ctx context.Context, d *Deps, sess *session.Session, req *wire.Request) ([]byte, error) {
	if _, err := proto.DecodeStopNeighborhoodUpdatesBody(req.Body); err != nil {
		return nil, wrapProtoViolation("decode stop-neighborhood-updates body", err)
	}
	return d.Neighborhood.HandleStopNeighborhoodUpdates(ctx, sess)
}
