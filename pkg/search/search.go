// Package search implements the streaming bounded profile search
// described in spec.md §4.E: pull candidate batches from the local
// customer base and, if requested, the mirrored neighbor population,
// apply geo/extraData predicates under a wall-clock and per-profile
// time budget, and paginate the overflow through the session's result
// cache.
package search

import (
	"bytes"
	"context"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/marmos91/profileserver/internal/logger"
	"github.com/marmos91/profileserver/internal/telemetry"
	"github.com/marmos91/profileserver/internal/wire"
	"github.com/marmos91/profileserver/pkg/config"
	"github.com/marmos91/profileserver/pkg/identity"
	"github.com/marmos91/profileserver/pkg/metrics"
	"github.com/marmos91/profileserver/pkg/proto"
	"github.com/marmos91/profileserver/pkg/protoerr"
	"github.com/marmos91/profileserver/pkg/session"
	"github.com/marmos91/profileserver/pkg/store"
)

// Engine runs ProfileSearch/ProfileSearchPart requests over the store.
type Engine struct {
	store    *store.Store
	cfg      config.SearchConfig
	serverID string
	metrics  *metrics.Metrics
}

func New(s *store.Store, cfg config.SearchConfig, serverID string, m *metrics.Metrics) *Engine {
	return &Engine{store: s, cfg: cfg, serverID: serverID, metrics: m}
}

const earthRadiusMeters = 6371000.0

// greatCircleDistance returns the distance in meters between two
// fixed-point coordinates using the haversine formula.
func greatCircleDistance(a, b identity.Location) float64 {
	lat1, long1 := a.Lat()*math.Pi/180, a.Long()*math.Pi/180
	lat2, long2 := b.Lat()*math.Pi/180, b.Long()*math.Pi/180
	dLat := lat2 - lat1
	dLong := long2 - long1

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLong/2)*math.Sin(dLong/2)
	return 2 * earthRadiusMeters * math.Asin(math.Sqrt(h))
}

// wildcardToRegexp compiles a protocol wildcard pattern (only "*" is a
// special character, meaning "any run of characters") into a regexp
// anchored at both ends.
func wildcardToRegexp(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, nil
	}
	var b strings.Builder
	b.WriteString("^")
	for _, part := range strings.Split(pattern, "*") {
		b.WriteString(regexp.QuoteMeta(part))
		b.WriteString(".*")
	}
	s := b.String()
	s = strings.TrimSuffix(s, ".*") + "$"
	// Re-add the trailing .* if the pattern itself ended in "*".
	if strings.HasSuffix(pattern, "*") {
		s = strings.TrimSuffix(s, "$") + ".*$"
	}
	return regexp.Compile(s)
}

func matchWildcard(re *regexp.Regexp, value string) bool {
	if re == nil {
		return true
	}
	return re.MatchString(value)
}

// candidate is the normalized shape this engine filters, built from
// either a HostedIdentity or a NeighborIdentity row.
type candidate struct {
	info proto.ProfileInformationBody
	loc  identity.Location
}

func fromHosted(h identity.HostedIdentity, serverID string) candidate {
	return candidate{
		info: proto.ProfileInformationBody{
			IdentityID:         h.ID.Bytes(),
			PublicKey:          h.PublicKey,
			Version:            h.Version(),
			Name:               h.Name,
			Type:               h.Type,
			LatFixed:           h.LatFixed,
			LongFixed:          h.LongFixed,
			ExtraData:          h.ExtraData,
			ProfileImageHash:   h.ProfileImageHash,
			ThumbnailImageHash: h.ThumbnailImageHash,
			HostingServerID:    serverID,
		},
		loc: h.Location(),
	}
}

func fromNeighbor(n identity.NeighborIdentity) candidate {
	return candidate{
		info: proto.ProfileInformationBody{
			IdentityID:         n.IdentityID.Bytes(),
			PublicKey:          n.PublicKey,
			Version:            wire.SemVer{Major: n.VersionMajor, Minor: n.VersionMinor, Patch: n.VersionPatch},
			Name:               n.Name,
			Type:               n.Type,
			LatFixed:           n.LatFixed,
			LongFixed:          n.LongFixed,
			ExtraData:          n.ExtraData,
			ProfileImageHash:   n.ProfileImageHash,
			ThumbnailImageHash: n.ThumbnailImageHash,
			HostingServerID:    n.HostingServerID,
		},
		loc: identity.Location{LatFixed: n.LatFixed, LongFixed: n.LongFixed},
	}
}

// budget tracks the cumulative regex time spent so far, enforcing
// spec.md §5's "25 ms per profile, 1 s cumulative" caps.
type budget struct {
	perProfile time.Duration
	cumulative time.Duration
	spent      time.Duration
}

func (b *budget) allow(d time.Duration) bool {
	if d > b.perProfile {
		return false
	}
	return b.spent+d <= b.cumulative
}

// Search runs the full ProfileSearch algorithm of spec.md §4.E and
// returns the response body. When more records were accepted than fit
// in one response, every accepted record is installed in sess's
// pagination cache before this returns.
func (e *Engine) Search(ctx context.Context, sess *session.Session, req *proto.ProfileSearchBody) (*proto.ProfileSearchResponseBody, *protoerr.Error) {
	ctx, span := telemetry.StartSearchSpan(ctx, "search")
	defer span.End()

	start := time.Now()
	defer func() { e.metrics.RecordSearchQuery("search", time.Since(start)) }()

	maxTotal, maxResponse := e.limits(req.IncludeThumbnails)
	if req.MaxTotalRecords > 0 && req.MaxTotalRecords < uint32(maxTotal) {
		maxTotal = int(req.MaxTotalRecords)
	}
	if req.MaxResponseRecords > 0 && req.MaxResponseRecords < uint32(maxResponse) {
		maxResponse = int(req.MaxResponseRecords)
	}
	if maxResponse > maxTotal {
		maxResponse = maxTotal
	}

	typeRE, err := wildcardToRegexp(req.TypePattern)
	if err != nil {
		return nil, protoerr.InvalidValuef("type_pattern", "invalid wildcard: %v", err)
	}
	nameRE, err := wildcardToRegexp(req.NamePattern)
	if err != nil {
		return nil, protoerr.InvalidValuef("name_pattern", "invalid wildcard: %v", err)
	}
	var extraRE *regexp.Regexp
	if req.ExtraDataRegex != "" {
		extraRE, err = regexp.Compile(req.ExtraDataRegex)
		if err != nil {
			return nil, protoerr.InvalidValuef("extra_data_regex", "invalid regex: %v", err)
		}
	}

	center := identity.Location{LatFixed: req.CenterLatFixed, LongFixed: req.CenterLongFixed}
	deadline := time.Now().Add(e.cfg.WallClockBudget)
	regexBudget := &budget{
		perProfile: e.cfg.RegexPerProfileBudget,
		cumulative: e.cfg.RegexCumulativeBudget,
	}

	accepted := make([]candidate, 0, maxResponse)
	neighborStepRan := false

	accept := func(c candidate) bool {
		if !matchWildcard(typeRE, c.info.Type) || !matchWildcard(nameRE, c.info.Name) {
			return false
		}
		if req.HasLocation {
			if greatCircleDistance(center, c.loc) > req.RadiusMeters {
				return false
			}
		}
		if extraRE != nil {
			start := time.Now()
			matched := extraRE.Match(c.info.ExtraData)
			elapsed := time.Since(start)
			if !regexBudget.allow(elapsed) {
				return false
			}
			regexBudget.spent += elapsed
			if !matched {
				return false
			}
		}
		return true
	}

	batchSize := maxTotal * 10
	if batchSize < 1000 {
		batchSize = 1000
	}

	var afterID identity.ID
	for len(accepted) < maxTotal {
		if time.Now().After(deadline) {
			logger.DebugCtx(ctx, "search: wall clock budget exceeded during local scan")
			break
		}
		rows, err := e.store.SearchHostedIdentitiesBatch(ctx, afterID, batchSize, literalPrefix(req.TypePattern), literalPrefix(req.NamePattern))
		if err != nil {
			return nil, protoerr.Internalf(err, "search hosted identities")
		}
		for _, h := range rows {
			if c := fromHosted(h, e.serverID); accept(c) {
				accepted = append(accepted, c)
				if len(accepted) >= maxTotal {
					break
				}
			}
			afterID = h.ID
		}
		if len(rows) < batchSize {
			break // exhausted
		}
	}

	if !req.IncludeHostedOnly && len(accepted) < maxTotal {
		neighborStepRan = true
		var afterKey string
		for len(accepted) < maxTotal {
			if time.Now().After(deadline) {
				logger.DebugCtx(ctx, "search: wall clock budget exceeded during neighbor scan")
				break
			}
			rows, err := e.store.SearchNeighborIdentitiesBatch(ctx, afterKey, batchSize, literalPrefix(req.TypePattern), literalPrefix(req.NamePattern))
			if err != nil {
				return nil, protoerr.Internalf(err, "search neighbor identities")
			}
			for _, n := range rows {
				if c := fromNeighbor(n); accept(c) {
					accepted = append(accepted, c)
					if len(accepted) >= maxTotal {
						break
					}
				}
				afterKey = n.IdentityID.String() + "|" + n.HostingServerID
			}
			if len(rows) < batchSize {
				break
			}
		}
	}

	coveredServerIDs := []string{e.serverID}
	if neighborStepRan {
		neighbors, err := e.store.ListNeighbors(ctx)
		if err != nil {
			return nil, protoerr.Internalf(err, "list neighbors for covered server ids")
		}
		for _, n := range neighbors {
			coveredServerIDs = append(coveredServerIDs, n.ServerID)
		}
	}

	resp := &proto.ProfileSearchResponseBody{
		TotalRecordCount: uint32(len(accepted)),
		CoveredServerIDs: coveredServerIDs,
	}

	if len(accepted) > maxResponse {
		overflow := make([][]byte, 0, len(accepted))
		for _, c := range accepted {
			overflow = append(overflow, encodeCandidate(c))
		}
		sess.SetSearchCache(&session.SearchCache{
			Records:            overflow,
			IncludesThumbnails: req.IncludeThumbnails,
			CoveredServerIDs:   coveredServerIDs,
		})
		accepted = accepted[:maxResponse]
	}

	for _, c := range accepted {
		resp.Records = append(resp.Records, c.info)
	}

	return resp, nil
}

// Part serves a ProfileSearchPart request from the session's cache,
// installed by a prior Search call.
func (e *Engine) Part(ctx context.Context, sess *session.Session, req *proto.ProfileSearchPartBody) (*proto.ProfileSearchResponseBody, *protoerr.Error) {
	_, span := telemetry.StartSearchSpan(ctx, "search_part")
	defer span.End()

	start := time.Now()
	defer func() { e.metrics.RecordSearchQuery("search_part", time.Since(start)) }()

	cache := sess.SearchCache()
	if cache == nil {
		return nil, protoerr.New(protoerr.NotFound, "no cached search results for this session")
	}

	_, maxResponse := e.limits(cache.IncludesThumbnails)
	if req.RecordIndex < 0 {
		return nil, protoerr.InvalidValuef("record_index", "must be non-negative")
	}
	if req.RecordCount > uint32(maxResponse) {
		return nil, protoerr.InvalidValuef("record_count", "exceeds max response records for this search flavor")
	}
	first := req.RecordIndex
	if first > int64(len(cache.Records)) {
		return nil, protoerr.InvalidValuef("record_index", "out of range")
	}
	end := first + int64(req.RecordCount)
	if end > int64(len(cache.Records)) {
		end = int64(len(cache.Records))
	}

	resp := &proto.ProfileSearchResponseBody{
		TotalRecordCount: uint32(len(cache.Records)),
		CoveredServerIDs: cache.CoveredServerIDs,
	}
	for _, raw := range cache.Records[first:end] {
		info, err := decodeCandidate(raw)
		if err != nil {
			return nil, protoerr.Internalf(err, "decode cached search record")
		}
		resp.Records = append(resp.Records, *info)
	}
	return resp, nil
}

func (e *Engine) limits(includeThumbnails bool) (maxTotal, maxResponse int) {
	if includeThumbnails {
		return e.cfg.MaxTotalWithThumbnails, e.cfg.MaxResponseWithThumbnails
	}
	return e.cfg.MaxTotalNoThumbnails, e.cfg.MaxResponseNoThumbnails
}

// literalPrefix extracts the literal prefix of a wildcard pattern up to
// its first "*", for pushing a coarse filter down to SQL; the exact
// wildcard match is still re-applied in-process by accept().
func literalPrefix(pattern string) string {
	if i := strings.IndexByte(pattern, '*'); i >= 0 {
		return pattern[:i]
	}
	return pattern
}

// encodeCandidate/decodeCandidate serialize a ProfileInformationBody for
// the session's pagination cache, reusing the wire encoding rather than
// inventing a second in-memory representation.
func encodeCandidate(c candidate) []byte {
	var buf bytes.Buffer
	_ = c.info.Encode(&buf)
	return buf.Bytes()
}

func decodeCandidate(data []byte) (*proto.ProfileInformationBody, error) {
	return proto.DecodeProfileInformationBody(data)
}
