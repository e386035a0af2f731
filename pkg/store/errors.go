package store

import "errors"

var (
	ErrHostedIdentityNotFound = errors.New("store: hosted identity not found")
	ErrHostedIdentityExists   = errors.New("store: hosted identity already exists")
	ErrNeighborNotFound       = errors.New("store: neighbor not found")
	ErrNeighborExists         = errors.New("store: neighbor already exists")
	ErrFollowerNotFound       = errors.New("store: follower not found")
	ErrFollowerExists         = errors.New("store: follower already exists")
	ErrNeighborIdentityNotFound = errors.New("store: neighbor identity not found")
	ErrNeighborIdentityExists   = errors.New("store: neighbor identity already exists")
	ErrRelatedIdentityNotFound  = errors.New("store: related identity not found")
)
