package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Common attribute keys for profile server operations, following
// OpenTelemetry semantic conventions where applicable.
const (
	// ========================================================================
	// Client attributes
	// ========================================================================
	AttrClientIP   = "client.ip"
	AttrClientAddr = "client.address"

	// ========================================================================
	// Dispatch attributes (pkg/server)
	// ========================================================================
	AttrRequestType = "dispatch.request_type"
	AttrRole        = "dispatch.role"
	AttrStatus      = "dispatch.status"

	// ========================================================================
	// Neighborhood replication attributes (pkg/neighborhood)
	// ========================================================================
	AttrActionType = "neighborhood.action_type"
	AttrServerID   = "neighborhood.server_id"

	// ========================================================================
	// Search attributes (pkg/search)
	// ========================================================================
	AttrSearchKind = "search.kind"

	// ========================================================================
	// Storage backend attributes
	// ========================================================================
	AttrContentID = "content.id"
	AttrStoreName = "store.name"
	AttrStoreType = "store.type"
	AttrBucket    = "storage.bucket"
	AttrKey       = "storage.key"
	AttrRegion    = "storage.region"
)

// ClientIP returns an attribute for client IP address.
func ClientIP(ip string) attribute.KeyValue {
	return attribute.String(AttrClientIP, ip)
}

// ClientAddr returns an attribute for full client address.
func ClientAddr(addr string) attribute.KeyValue {
	return attribute.String(AttrClientAddr, addr)
}

// RequestType returns an attribute for a dispatched wire request type.
func RequestType(name string) attribute.KeyValue {
	return attribute.String(AttrRequestType, name)
}

// Role returns an attribute for a session's role.
func Role(name string) attribute.KeyValue {
	return attribute.String(AttrRole, name)
}

// Status returns an attribute for a response status code.
func Status(name string) attribute.KeyValue {
	return attribute.String(AttrStatus, name)
}

// ActionType returns an attribute for a neighborhood action's type.
func ActionType(name string) attribute.KeyValue {
	return attribute.String(AttrActionType, name)
}

// ServerID returns an attribute for the peer server a neighborhood
// action targets.
func ServerID(id string) attribute.KeyValue {
	return attribute.String(AttrServerID, id)
}

// SearchKind returns an attribute distinguishing a full search from a
// follow-up page request.
func SearchKind(kind string) attribute.KeyValue {
	return attribute.String(AttrSearchKind, kind)
}

// ContentID returns an attribute for content ID.
func ContentID(id string) attribute.KeyValue {
	return attribute.String(AttrContentID, id)
}

// Bucket returns an attribute for S3 bucket name.
func Bucket(name string) attribute.KeyValue {
	return attribute.String(AttrBucket, name)
}

// StorageKey returns an attribute for S3 object key.
func StorageKey(key string) attribute.KeyValue {
	return attribute.String(AttrKey, key)
}

// StartDispatchSpan starts a span for one inbound request passing
// through pkg/server's Dispatch, tagged with the request type and the
// session's role.
func StartDispatchSpan(ctx context.Context, requestType, role string) (context.Context, trace.Span) {
	return StartSpan(ctx, "dispatch."+requestType, trace.WithAttributes(
		RequestType(requestType),
		Role(role),
	))
}

// StartNeighborhoodActionSpan starts a span for one NeighborhoodAction
// drained by the replication engine's worker pool, tagged with the
// action's type and the peer server it targets.
func StartNeighborhoodActionSpan(ctx context.Context, actionType, serverID string) (context.Context, trace.Span) {
	return StartSpan(ctx, "neighborhood."+actionType, trace.WithAttributes(
		ActionType(actionType),
		ServerID(serverID),
	))
}

// StartSearchSpan starts a span for a profile search or search-part
// request.
func StartSearchSpan(ctx context.Context, kind string) (context.Context, trace.Span) {
	return StartSpan(ctx, "search."+kind, trace.WithAttributes(SearchKind(kind)))
}

// StartContentSpan starts a span for a blob store operation.
func StartContentSpan(ctx context.Context, operation string, contentID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := []attribute.KeyValue{ContentID(contentID)}
	allAttrs = append(allAttrs, attrs...)
	return StartSpan(ctx, "content."+operation, trace.WithAttributes(allAttrs...))
}
