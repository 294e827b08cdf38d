// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/tidwall/sjson"
	"gopkg.in/yaml.v2"

	"github.com/element-hq/syncrooms/syncapi/storage"
	"github.com/element-hq/syncrooms/syncapi/types"
)

// fixture is a YAML description of what the sync database holds. Loading it
// goes through the same write paths as the server, so membership changes get
// their previous membership from the order they appear in.
type fixture struct {
	Memberships []types.MembershipChange `yaml:"memberships"`
	Events      []fixtureEvent           `yaml:"events"`
	State       []fixtureState           `yaml:"state"`
	Deltas      []fixtureDelta           `yaml:"deltas"`
	Stripped    []fixtureStripped        `yaml:"stripped"`
	Forgotten   []fixtureForgotten       `yaml:"forgotten"`
	AccountData []fixtureAccountData     `yaml:"account_data"`
	// Request holds the lists and room subscriptions, in the same shape
	// clients send them.
	Request yamlContent `yaml:"request"`
}

type fixtureEvent struct {
	RoomID   string               `yaml:"room_id"`
	EventID  string               `yaml:"event_id"`
	Type     string               `yaml:"type"`
	Position types.WriterPosition `yaml:"position"`
}

type fixtureState struct {
	RoomID   string               `yaml:"room_id"`
	EventID  string               `yaml:"event_id"`
	Type     string               `yaml:"type"`
	StateKey string               `yaml:"state_key"`
	Sender   string               `yaml:"sender"`
	Content  yamlContent          `yaml:"content"`
	Position types.WriterPosition `yaml:"position"`
	// Removed drops the entry from current state, as when the server leaves.
	Removed bool `yaml:"removed"`
}

// fixtureDelta is a state delta log entry on its own, for rooms whose
// current state is gone. An empty EventID records a removal.
type fixtureDelta struct {
	RoomID   string               `yaml:"room_id"`
	EventID  string               `yaml:"event_id"`
	Type     string               `yaml:"type"`
	StateKey string               `yaml:"state_key"`
	Sender   string               `yaml:"sender"`
	Content  yamlContent          `yaml:"content"`
	Position types.WriterPosition `yaml:"position"`
}

type fixtureStripped struct {
	UserID string `yaml:"user_id"`
	RoomID string `yaml:"room_id"`
	Events []struct {
		Type     string      `yaml:"type"`
		StateKey string      `yaml:"state_key"`
		Sender   string      `yaml:"sender"`
		Content  yamlContent `yaml:"content"`
	} `yaml:"events"`
}

type fixtureForgotten struct {
	UserID string `yaml:"user_id"`
	RoomID string `yaml:"room_id"`
}

type fixtureAccountData struct {
	UserID  string      `yaml:"user_id"`
	Type    string      `yaml:"type"`
	Content yamlContent `yaml:"content"`
}

// yamlContent is a YAML mapping that is turned into JSON event content.
type yamlContent map[string]interface{}

// JSON builds the JSON object. Keys are set in sorted order so the output
// doesn't depend on map iteration.
func (c yamlContent) JSON() ([]byte, error) {
	out := []byte(`{}`)
	keys := make([]string, 0, len(c))
	for key := range c {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		value, err := jsonValue(c[key])
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", key, err)
		}
		out, err = sjson.SetBytes(out, escapePathKey(key), value)
		if err != nil {
			return nil, fmt.Errorf("sjson.SetBytes: %w", err)
		}
	}
	return out, nil
}

var pathEscaper = strings.NewReplacer(`\`, `\\`, ".", `\.`, "*", `\*`, "?", `\?`, "|", `\|`, "#", `\#`, "@", `\@`, ":", `\:`)

func escapePathKey(key string) string {
	return pathEscaper.Replace(key)
}

// jsonValue converts what yaml.v2 decodes into values encoding/json accepts.
func jsonValue(v interface{}) (interface{}, error) {
	switch v := v.(type) {
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, value := range v {
			k, ok := key.(string)
			if !ok {
				return nil, fmt.Errorf("non-string key %v", key)
			}
			converted, err := jsonValue(value)
			if err != nil {
				return nil, err
			}
			out[k] = converted
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, value := range v {
			converted, err := jsonValue(value)
			if err != nil {
				return nil, err
			}
			out[i] = converted
		}
		return out, nil
	default:
		return v, nil
	}
}

func loadFixture(path string) (*fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f fixture
	if err = yaml.UnmarshalStrict(data, &f); err != nil {
		return nil, fmt.Errorf("yaml.UnmarshalStrict: %w", err)
	}
	return &f, nil
}

// RequestLists parses the lists and room subscriptions of the fixture request.
func (f *fixture) RequestLists() (types.RoomListsRequest, error) {
	var req types.RoomListsRequest
	if len(f.Request) == 0 {
		return req, nil
	}
	body, err := f.Request.JSON()
	if err != nil {
		return req, err
	}
	if err = json.Unmarshal(body, &req); err != nil {
		return req, fmt.Errorf("json.Unmarshal: %w", err)
	}
	return req, nil
}

// Store writes the fixture into the database.
func (f *fixture) Store(ctx context.Context, db storage.Database) error {
	for _, change := range f.Memberships {
		if _, err := db.StoreMembershipChange(ctx, change); err != nil {
			return errors.Wrapf(err, "membership %s", change.EventID)
		}
	}
	for _, ev := range f.Events {
		if err := db.StoreRoomEvent(ctx, ev.RoomID, ev.EventID, ev.Type, ev.Position); err != nil {
			return errors.Wrapf(err, "event %s", ev.EventID)
		}
	}
	for _, st := range f.State {
		if st.Removed {
			if err := db.RemoveCurrentStateEvent(ctx, st.RoomID, st.Type, st.StateKey, st.Position); err != nil {
				return errors.Wrapf(err, "state %s/%s in %s", st.Type, st.StateKey, st.RoomID)
			}
			continue
		}
		content, err := st.Content.JSON()
		if err != nil {
			return errors.Wrapf(err, "state %s", st.EventID)
		}
		if err = db.StoreCurrentStateEvent(ctx, st.RoomID, &types.StateEvent{
			EventID:  st.EventID,
			Type:     st.Type,
			StateKey: st.StateKey,
			Sender:   st.Sender,
			Content:  content,
		}, st.Position); err != nil {
			return errors.Wrapf(err, "state %s", st.EventID)
		}
	}
	for _, d := range f.Deltas {
		delta := types.StateDelta{
			RoomID:   d.RoomID,
			Type:     d.Type,
			StateKey: d.StateKey,
			Position: d.Position,
		}
		if d.EventID != "" {
			content, err := d.Content.JSON()
			if err != nil {
				return errors.Wrapf(err, "delta %s", d.EventID)
			}
			delta.Event = &types.StateEvent{
				EventID:  d.EventID,
				Type:     d.Type,
				StateKey: d.StateKey,
				Sender:   d.Sender,
				Content:  content,
			}
		}
		if err := db.StoreStateDelta(ctx, delta); err != nil {
			return errors.Wrapf(err, "delta %s/%s in %s", d.Type, d.StateKey, d.RoomID)
		}
	}
	for _, stripped := range f.Stripped {
		events := make([]types.StrippedStateEvent, 0, len(stripped.Events))
		for _, ev := range stripped.Events {
			content, err := ev.Content.JSON()
			if err != nil {
				return errors.Wrapf(err, "stripped state for %s", stripped.RoomID)
			}
			events = append(events, types.StrippedStateEvent{
				Type:     ev.Type,
				StateKey: ev.StateKey,
				Sender:   ev.Sender,
				Content:  content,
			})
		}
		if err := db.StoreStrippedState(ctx, stripped.UserID, stripped.RoomID, events); err != nil {
			return errors.Wrapf(err, "stripped state for %s", stripped.RoomID)
		}
	}
	for _, forgotten := range f.Forgotten {
		if err := db.SetRoomForgotten(ctx, forgotten.RoomID, forgotten.UserID, true); err != nil {
			return errors.Wrapf(err, "forget %s", forgotten.RoomID)
		}
	}
	for _, ad := range f.AccountData {
		content, err := ad.Content.JSON()
		if err != nil {
			return errors.Wrapf(err, "account data %s", ad.Type)
		}
		if err = db.UpsertAccountData(ctx, ad.UserID, ad.Type, content); err != nil {
			return errors.Wrapf(err, "account data %s", ad.Type)
		}
	}
	return nil
}
