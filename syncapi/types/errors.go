// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

import "fmt"

// MalformedTokenError is returned when a stream token cannot be parsed or
// violates the min_stream invariant.
type MalformedTokenError struct {
	Token  string
	Reason string
}

func (e *MalformedTokenError) Error() string {
	if e.Token == "" {
		return fmt.Sprintf("malformed stream token: %s", e.Reason)
	}
	return fmt.Sprintf("malformed stream token %q: %s", e.Token, e.Reason)
}

// InconsistentMembershipError means two lookups of the same user's membership in
// a room disagreed about which event explains it. This points at a bug in the
// storage layer and is never recovered from.
type InconsistentMembershipError struct {
	RoomID          string
	UserID          string
	ExpectedEventID string
	ActualEventID   string
	Detail          string
}

func (e *InconsistentMembershipError) Error() string {
	return fmt.Sprintf(
		"inconsistent membership for %s in %s: expected event %q, got %q (%s)",
		e.UserID, e.RoomID, e.ExpectedEventID, e.ActualEventID, e.Detail,
	)
}
