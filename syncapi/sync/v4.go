// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/element-hq/syncrooms/internal"
	"github.com/element-hq/syncrooms/internal/caching"
	"github.com/element-hq/syncrooms/internal/sqlutil"
	"github.com/element-hq/syncrooms/setup/config"
	"github.com/element-hq/syncrooms/syncapi/storage"
	"github.com/element-hq/syncrooms/syncapi/types"
	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/matrix-org/util"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// RoomListProvider resolves the room lists of sliding sync requests.
type RoomListProvider struct {
	cfg     *config.SyncAPI
	db      storage.Database
	caches  *caching.Caches
	dmRooms *caching.DMRoomsLoader

	newSnapshot func(ctx context.Context) (storage.DatabaseTransaction, error)
}

// NewRoomListProvider creates a provider. caches may be nil, in which case
// nothing is cached between requests.
func NewRoomListProvider(cfg *config.SyncAPI, db storage.Database, caches *caching.Caches) *RoomListProvider {
	p := &RoomListProvider{
		cfg:    cfg,
		db:     db,
		caches: caches,
	}
	if caches != nil {
		caches.SetDMRoomsMaxAge(cfg.RoomLists.DMCacheMaxAge)
		p.dmRooms = caching.NewDMRoomsLoader(caches)
	}
	p.newSnapshot = func(ctx context.Context) (storage.DatabaseTransaction, error) {
		snapshot, err := db.NewDatabaseSnapshot(ctx)
		if err != nil {
			return nil, err
		}
		return snapshot, nil
	}
	return p
}

// DMRooms returns the DM room loader, so account data updates can evict from
// it. It is nil when the provider has no caches.
func (p *RoomListProvider) DMRooms() *caching.DMRoomsLoader {
	return p.dmRooms
}

// ResolveRoomLists resolves the rooms in the user's sync window, then filters,
// sorts and windows them for each list. Rooms in any list window or room
// subscription get a required state config merged from everything naming them.
func (p *RoomListProvider) ResolveRoomLists(ctx context.Context, req types.RoomListsRequest) (res *types.RoomListsResponse, err error) {
	start := time.Now()
	logger := logrus.WithFields(logrus.Fields{
		"user_id":    req.UserID,
		"request_id": uuid.NewString(),
		"to_token":   req.ToToken.String(),
	})
	if req.FromToken != nil {
		logger = logger.WithField("from_token", req.FromToken.String())
	}
	ctx = util.ContextWithLogger(ctx, logger)

	trace, ctx := internal.StartTask(ctx, "RoomLists.Resolve")
	defer trace.EndTask()
	trace.SetTag("user_id", req.UserID)
	trace.SetTag("is_initial", req.FromToken == nil)
	trace.SetTag("num_lists", len(req.Lists))
	trace.SetTag("num_subscriptions", len(req.RoomSubscriptions))
	observeTokenLag(req.ToToken)

	// Read before the snapshot opens: an eviction after this point means the
	// snapshot may hold m.direct content that is already stale.
	var dmGeneration uint64
	if p.dmRooms != nil {
		dmGeneration = p.dmRooms.Generation()
	}
	snapshot, err := p.newSnapshot(ctx)
	if err != nil {
		logger.WithError(err).Error("[V4_SYNC] Failed to acquire database snapshot")
		return nil, fmt.Errorf("p.newSnapshot: %w", err)
	}
	var succeeded bool
	defer sqlutil.EndTransactionWithCheck(snapshot, &succeeded, &err)

	stageStart := time.Now()
	region, rctx := internal.StartRegion(ctx, "RoomLists.ResolveRoomsForUser")
	rooms, err := ResolveRoomsForUser(rctx, snapshot, req.UserID, req.FromToken, req.ToToken)
	if err != nil {
		region.WithError(err)
		region.EndRegion()
		var ime *types.InconsistentMembershipError
		if errors.As(err, &ime) {
			roomListInconsistencies.Inc()
			sentry.CaptureException(err)
		}
		logger.WithError(err).Error("[V4_SYNC] Failed to resolve rooms for user")
		return nil, err
	}
	region.EndRegion()
	resolveDuration := time.Since(stageStart)
	observeStage(stageResolve, resolveDuration)
	roomListResolvedRooms.Observe(float64(len(rooms)))

	dmRoomIDs, err := p.loadDMRoomIDs(ctx, snapshot, req, dmGeneration)
	if err != nil {
		logger.WithError(err).Error("[V4_SYNC] Failed to load DM rooms")
		return nil, err
	}

	stageStart = time.Now()
	region, rctx = internal.StartRegion(ctx, "RoomLists.SortKeys")
	keys, err := roomSortKeys(rctx, snapshot, rooms, req.ToToken)
	region.EndRegion()
	if err != nil {
		logger.WithError(err).Error("[V4_SYNC] Failed to load room sort keys")
		return nil, err
	}
	observeStage(stageSort, time.Since(stageStart))

	stageStart = time.Now()
	region, rctx = internal.StartRegion(ctx, "RoomLists.Lists")
	lists, err := p.resolveLists(rctx, snapshot, req, rooms, keys, dmRoomIDs)
	region.EndRegion()
	if err != nil {
		logger.WithError(err).Error("[V4_SYNC] Failed to resolve lists")
		return nil, err
	}
	observeStage(stageLists, time.Since(stageStart))

	res = &types.RoomListsResponse{
		Lists:       make(map[string]types.SlidingList, len(req.Lists)),
		Rooms:       make(map[string]types.MembershipRecord),
		RoomConfigs: make(map[string]*types.RoomSyncConfig),
	}
	roomConfigs := make(map[string][]*types.RoomSyncConfig)
	for _, name := range sortedListNames(req.Lists) {
		list := req.Lists[name]
		result := lists[name]
		res.Lists[name] = result.list
		listConfig := list.RoomSyncConfig()
		for _, record := range result.window {
			res.Rooms[record.RoomID] = record
			roomConfigs[record.RoomID] = append(roomConfigs[record.RoomID], listConfig)
		}
	}
	for roomID, sub := range req.RoomSubscriptions {
		record, ok := rooms[roomID]
		if !ok {
			// Rooms the user can't see are left out rather than failing the
			// request.
			logger.WithField("room_id", roomID).Debug("[V4_SYNC] Ignoring subscription to room outside the sync window")
			continue
		}
		res.Rooms[roomID] = record
		roomConfigs[roomID] = append(roomConfigs[roomID], sub.RoomSyncConfig())
	}
	for roomID, configs := range roomConfigs {
		res.RoomConfigs[roomID] = MergeRoomSyncConfigs(configs...)
	}

	succeeded = true

	total := time.Since(start)
	fields := logrus.Fields{
		"rooms":       len(rooms),
		"lists":       len(res.Lists),
		"synced":      len(res.Rooms),
		"resolve_ms":  resolveDuration.Milliseconds(),
		"duration_ms": total.Milliseconds(),
	}
	if total > p.cfg.RoomLists.SlowResolutionThreshold {
		logger.WithFields(fields).Warn("[V4_SYNC] Slow room list resolution")
	} else {
		logger.WithFields(fields).Debug("[V4_SYNC] Resolved room lists")
	}
	return res, nil
}

type listResult struct {
	list   types.SlidingList
	window []types.MembershipRecord
}

// resolveLists filters, sorts and windows every list. Lists are worked on
// concurrently and share one RoomLookup, so each room is only looked up once.
func (p *RoomListProvider) resolveLists(
	ctx context.Context,
	snapshot storage.DatabaseTransaction,
	req types.RoomListsRequest,
	rooms map[string]types.MembershipRecord,
	keys map[string]types.StreamPosition,
	dmRoomIDs mapset.Set[string],
) (map[string]listResult, error) {
	var roomTypes caching.RoomTypeCache
	if p.caches != nil {
		roomTypes = p.caches
	}
	lookup := NewRoomLookup(snapshot, roomTypes, req.UserID, req.ToToken)

	names := sortedListNames(req.Lists)
	results := make([]listResult, len(names))
	g, gctx := errgroup.WithContext(ctx)
	if p.cfg.RoomLists.LookupConcurrency > 0 {
		g.SetLimit(p.cfg.RoomLists.LookupConcurrency)
	}
	for i, name := range names {
		list := req.Lists[name]
		g.Go(func() error {
			filtered, err := FilterRooms(gctx, lookup, rooms, list.Filters, dmRoomIDs)
			if err != nil {
				return fmt.Errorf("list %q: %w", name, err)
			}
			sorted := sortRoomsByKey(filtered, keys)
			window := ApplySlidingWindow(sorted, list.Range)
			results[i] = listResult{
				list: types.SlidingList{
					Count: len(sorted),
					Ops:   []types.SlidingOperation{GenerateSyncOperation(window, list.Range)},
				},
				window: window,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	byName := make(map[string]listResult, len(names))
	for i, name := range names {
		byName[name] = results[i]
	}
	return byName, nil
}

// loadDMRoomIDs only reads m.direct when a list filters on it.
func (p *RoomListProvider) loadDMRoomIDs(
	ctx context.Context,
	snapshot storage.DatabaseTransaction,
	req types.RoomListsRequest,
	dmGeneration uint64,
) (mapset.Set[string], error) {
	needed := false
	for _, list := range req.Lists {
		if list.Filters != nil && list.Filters.IsDM != nil {
			needed = true
			break
		}
	}
	if !needed {
		return nil, nil
	}

	start := time.Now()
	defer func() {
		observeStage(stageDMRooms, time.Since(start))
	}()
	if p.dmRooms == nil {
		roomIDs, err := snapshot.DMRoomIDs(ctx, req.UserID)
		if err != nil {
			return nil, fmt.Errorf("snapshot.DMRoomIDs: %w", err)
		}
		return mapset.NewThreadUnsafeSet(roomIDs...), nil
	}
	return p.dmRooms.Load(ctx, req.UserID, dmGeneration, snapshot.DMRoomIDs)
}

// MergeRoomSyncConfigs combines the configs of every list and subscription
// naming a room. nil configs are skipped.
func MergeRoomSyncConfigs(configs ...*types.RoomSyncConfig) *types.RoomSyncConfig {
	var merged *types.RoomSyncConfig
	for _, c := range configs {
		if c == nil {
			continue
		}
		if merged == nil {
			merged = c.Clone()
			continue
		}
		merged.CombineWith(c)
	}
	return merged
}

func sortedListNames(lists map[string]types.SlidingListConfig) []string {
	names := make([]string, 0, len(lists))
	for name := range lists {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
