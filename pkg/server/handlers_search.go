package server

import (
	"context"

	"github.com/marmos91/profileserver/internal/wire"
	"github.com/marmos91/profileserver/pkg/proto"
	"github.com/marmos91/profileserver/pkg/session"
)

// handleProfileSearch runs a fresh search, installing any overflow in
// the session's pagination cache for a subsequent ProfileSearchPart
// (spec.md §4.E).
func handleProfileSearch(ctx context.Context, d *Deps, sess *session.Session, req *wire.Request) ([]byte, error) {
	body, err := proto.DecodeProfileSearchBody(req.Body)
	if err != nil {
		return nil, wrapProtoViolation("decode profile-search body", err)
	}
	resp, pe := d.Search.Search(ctx, sess, body)
	if pe != nil {
		return nil, pe
	}
	return resp.Encode()
}

// handleProfileSearchPart serves the next slice of the session's cached
// search results from a prior ProfileSearch.
func handleProfileSearchPart(ctx context.Context, d *Deps, sess *session.Session, req *wire.Request) ([]byte, error) {
	body, err := proto.DecodeProfileSearchPartBody(req.Body)
	if err != nil {
		return nil, wrapProtoViolation("decode profile-search-part body", err)
	}
	resp, pe := d.Search.Part(ctx, sess, body)
	if pe != nil {
		return nil, pe
	}
	return resp.Encode()
}
