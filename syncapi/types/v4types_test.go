// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlidingListConfig_UnmarshalRanges(t *testing.T) {
	tests := []struct {
		name string
		body string
		want []int
	}{
		{name: "range", body: `{"range": [0, 9]}`, want: []int{0, 9}},
		{name: "legacy ranges", body: `{"ranges": [[5, 10], [20, 30]]}`, want: []int{5, 10}},
		{name: "range wins", body: `{"range": [1, 2], "ranges": [[5, 10]]}`, want: []int{1, 2}},
		{name: "neither", body: `{}`, want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cfg SlidingListConfig
			require.NoError(t, json.Unmarshal([]byte(tt.body), &cfg))
			assert.Equal(t, tt.want, cfg.Range)
		})
	}
}

func TestRequiredStateConfig_ShorthandAndObject(t *testing.T) {
	var short RequiredStateConfig
	require.NoError(t, json.Unmarshal([]byte(`[["m.room.name", ""], ["m.room.member", "$LAZY"], ["broken"]]`), &short))
	assert.Equal(t, [][2]string{{"m.room.name", ""}, {"m.room.member", "$LAZY"}}, short.Pairs())

	var obj RequiredStateConfig
	require.NoError(t, json.Unmarshal([]byte(`{"include": [["*", "*"]]}`), &obj))
	assert.Equal(t, [][2]string{{"*", "*"}}, obj.Pairs())
}

func TestSlidingListConfig_RoomSyncConfig(t *testing.T) {
	var cfg SlidingListConfig
	body := `{
		"timeline_limit": 5,
		"required_state": [["m.room.member", "@foo"], ["m.room.member", "*"], ["m.room.name", ""]],
		"filters": {"is_dm": true, "room_types": [null, "m.space"]}
	}`
	require.NoError(t, json.Unmarshal([]byte(body), &cfg))

	rsc := cfg.RoomSyncConfig()
	assert.Equal(t, 5, rsc.TimelineLimit)
	assert.Equal(t, map[string][]string{
		"m.room.member": {"*"},
		"m.room.name":   {""},
	}, rsc.RequiredStateMap())

	require.NotNil(t, cfg.Filters)
	require.NotNil(t, cfg.Filters.IsDM)
	assert.True(t, *cfg.Filters.IsDM)
	assert.Equal(t, []string{"", "m.space"}, cfg.Filters.RoomTypes, "null decodes to the no-type marker")
	assert.False(t, cfg.Filters.IsEmpty())
	assert.True(t, cfg.Filters.NeedsRoomInfo())
}

func TestSlidingRoomFilter_IsEmpty(t *testing.T) {
	var nilFilter *SlidingRoomFilter
	assert.True(t, nilFilter.IsEmpty())
	assert.True(t, (&SlidingRoomFilter{}).IsEmpty())
	assert.False(t, nilFilter.NeedsRoomInfo())

	isInvite := true
	f := &SlidingRoomFilter{IsInvite: &isInvite}
	assert.False(t, f.IsEmpty())
	assert.False(t, f.NeedsRoomInfo())
}
