// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package shared

import (
	"context"
	"database/sql"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/pkg/errors"

	"github.com/element-hq/roomfed/internal"
	"github.com/element-hq/roomfed/internal/caching"
	"github.com/element-hq/roomfed/internal/roomversion"
	"github.com/element-hq/roomfed/internal/sqlutil"
	"github.com/element-hq/roomfed/roomserver/storage/tables"
	"github.com/element-hq/roomfed/roomserver/types"
)

// ErrEventNotFound is wrapped when flags are set on an event that was
// never stored.
var ErrEventNotFound = errors.New("event not found")

type Database struct {
	DB          *sql.DB
	Writer      sqlutil.Writer
	Cache       caching.RoomServerCaches
	Events      tables.Events
	Rooms       tables.Rooms
	JoinedRooms tables.JoinedRooms
}

func persistenceError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &internal.PersistenceError{Op: op, Err: err}
}

// InsertEventIfAbsent stores the event unless one with the same ID is already
// stored, in which case the stored copy is left untouched. Reports whether
// the event was written.
func (d *Database) InsertEventIfAbsent(ctx context.Context, event *types.Event) (bool, error) {
	inserted, err := d.InsertEventsIfAbsent(ctx, []*types.Event{event})
	return inserted == 1, err
}

// InsertEventsIfAbsent stores a batch of events in one transaction and
// returns how many of them were new.
func (d *Database) InsertEventsIfAbsent(ctx context.Context, events []*types.Event) (int, error) {
	encoded := make([][]byte, len(events))
	for i, event := range events {
		if event == nil {
			return 0, &internal.ParamError{Param: "event", Message: "nil event"}
		}
		eventJSON, err := event.CanonicalJSON()
		if err != nil {
			return 0, err
		}
		encoded[i] = eventJSON
	}

	inserted := 0
	err := d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		inserted = 0
		for i, event := range events {
			ok, err := d.Events.InsertEvent(ctx, txn, event, encoded[i])
			if err != nil {
				return errors.Wrapf(err, "insert event %s", event.EventID())
			}
			if ok {
				inserted++
			}
		}
		return nil
	})
	if err != nil {
		return 0, persistenceError("InsertEventsIfAbsent", err)
	}
	for _, event := range events {
		d.Cache.InvalidateRoomServerEvent(event.EventID())
	}
	return inserted, nil
}

// GetEvent returns a stored event of a room, or nil if there is no such event.
func (d *Database) GetEvent(ctx context.Context, roomID, eventID string) (*types.Event, error) {
	if event, ok := d.Cache.GetRoomServerEvent(eventID); ok && event.RoomID() == roomID {
		return event, nil
	}
	row, err := d.Events.SelectEvent(ctx, nil, roomID, eventID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, persistenceError("GetEvent", err)
	}
	event, err := eventFromRow(row)
	if err != nil {
		return nil, persistenceError("GetEvent", err)
	}
	d.Cache.StoreRoomServerEvent(event)
	return event, nil
}

// ListEvents returns every stored event of a room in the order they were stored.
func (d *Database) ListEvents(ctx context.Context, roomID string) ([]*types.Event, error) {
	rows, err := d.Events.SelectRoomEvents(ctx, nil, roomID)
	if err != nil {
		return nil, persistenceError("ListEvents", err)
	}
	events := make([]*types.Event, 0, len(rows))
	for i := range rows {
		event, err := eventFromRow(&rows[i])
		if err != nil {
			return nil, persistenceError("ListEvents", err)
		}
		events = append(events, event)
	}
	return events, nil
}

func eventFromRow(row *tables.EventRow) (*types.Event, error) {
	impl, err := roomversion.Get(row.RoomVersion)
	if err != nil {
		return nil, errors.Wrapf(err, "stored event %s", row.EventID)
	}
	event, err := types.NewEventFromJSON(row.JSON, impl)
	if err != nil {
		return nil, errors.Wrapf(err, "stored event %s", row.EventID)
	}
	if event.EventID() != row.EventID {
		return nil, errors.Errorf("stored event %s hashes to %s", row.EventID, event.EventID())
	}
	return event.WithFlags(row.Flags), nil
}

// SetEventFlags updates the soft_failed and outlier flags of a stored event.
func (d *Database) SetEventFlags(ctx context.Context, eventID string, flags types.EventFlags) error {
	err := d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		updated, err := d.Events.UpdateEventFlags(ctx, txn, eventID, flags)
		if err != nil {
			return err
		}
		if !updated {
			return errors.Wrap(ErrEventNotFound, eventID)
		}
		return nil
	})
	if err != nil {
		return persistenceError("SetEventFlags", err)
	}
	d.Cache.InvalidateRoomServerEvent(eventID)
	return nil
}

// InsertRoomIfAbsent stores the room unless it is already known. The stored
// room version never changes.
func (d *Database) InsertRoomIfAbsent(ctx context.Context, room *types.Room) (bool, error) {
	if room == nil || room.RoomID == "" {
		return false, &internal.ParamError{Param: "room", Message: "missing room ID"}
	}
	if _, err := roomversion.Get(room.Version); err != nil {
		return false, &internal.ParamError{Param: "room_version", Message: err.Error()}
	}
	var inserted bool
	err := d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		var err error
		inserted, err = d.Rooms.InsertRoom(ctx, txn, room)
		return err
	})
	if err != nil {
		return false, persistenceError("InsertRoomIfAbsent", err)
	}
	if inserted {
		d.Cache.StoreRoomVersion(room.RoomID, room.Version)
	}
	return inserted, nil
}

// GetRoom returns the stored room, or nil if the room is unknown.
func (d *Database) GetRoom(ctx context.Context, roomID string) (*types.Room, error) {
	if room, ok := d.Cache.GetRoomInfo(roomID); ok {
		c := *room
		return &c, nil
	}
	room, err := d.Rooms.SelectRoom(ctx, nil, roomID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, persistenceError("GetRoom", err)
	}
	c := *room
	d.Cache.StoreRoomInfo(&c)
	d.Cache.StoreRoomVersion(room.RoomID, room.Version)
	return room, nil
}

// GetRoomVersion returns the version of a stored room.
func (d *Database) GetRoomVersion(ctx context.Context, roomID string) (roomversion.RoomVersion, error) {
	if version, ok := d.Cache.GetRoomVersion(roomID); ok {
		return version, nil
	}
	room, err := d.GetRoom(ctx, roomID)
	if err != nil {
		return "", err
	}
	if room == nil {
		return "", persistenceError("GetRoomVersion", errors.Wrap(sql.ErrNoRows, roomID))
	}
	return room.Version, nil
}

// RecordJoin remembers that this server joined a room over federation and
// which servers were in the room at the time.
func (d *Database) RecordJoin(
	ctx context.Context, roomID, joinEventID, userID string, joinedVia spec.ServerName, serversInRoom []spec.ServerName,
) error {
	return persistenceError("RecordJoin", d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.JoinedRooms.InsertJoinedRoom(ctx, txn, roomID, joinEventID, userID, joinedVia, serversInRoom)
	}))
}

// JoinedServers returns the servers recorded when the room was joined.
func (d *Database) JoinedServers(ctx context.Context, roomID string) ([]spec.ServerName, error) {
	servers, err := d.JoinedRooms.SelectJoinedRoomServers(ctx, nil, roomID)
	return servers, persistenceError("JoinedServers", err)
}

func (d *Database) IsJoinedRoom(ctx context.Context, roomID string) (bool, error) {
	joined, err := d.JoinedRooms.SelectJoinedRoom(ctx, nil, roomID)
	return joined, persistenceError("IsJoinedRoom", err)
}

func (d *Database) JoinedRoomIDs(ctx context.Context) ([]string, error) {
	roomIDs, err := d.JoinedRooms.SelectAllJoinedRooms(ctx, nil)
	return roomIDs, persistenceError("JoinedRoomIDs", err)
}

// ForgetJoinedRoom drops the join record of a room. Its events are kept.
func (d *Database) ForgetJoinedRoom(ctx context.Context, roomID string) error {
	return persistenceError("ForgetJoinedRoom", d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.JoinedRooms.DeleteJoinedRoom(ctx, txn, roomID)
	}))
}
