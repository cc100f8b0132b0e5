// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"database/sql"

	"github.com/element-hq/roomfed/internal/caching"
	"github.com/element-hq/roomfed/internal/sqlutil"
	"github.com/element-hq/roomfed/roomserver/storage/shared"
	"github.com/element-hq/roomfed/setup/config"
)

// NewDatabase opens a new database and creates the room server tables.
func NewDatabase(conMan *sqlutil.Connections, dbProperties *config.DatabaseOptions, cache caching.RoomServerCaches) (*shared.Database, error) {
	db, writer, err := conMan.Connection(dbProperties)
	if err != nil {
		return nil, err
	}
	if err = create(db); err != nil {
		return nil, err
	}
	return prepare(db, writer, cache)
}

func create(db *sql.DB) error {
	if err := CreateRoomsTable(db); err != nil {
		return err
	}
	if err := CreateEventsTable(db); err != nil {
		return err
	}
	return CreateJoinedRoomsTable(db)
}

func prepare(db *sql.DB, writer sqlutil.Writer, cache caching.RoomServerCaches) (*shared.Database, error) {
	rooms, err := PrepareRoomsTable(db)
	if err != nil {
		return nil, err
	}
	events, err := PrepareEventsTable(db)
	if err != nil {
		return nil, err
	}
	joinedRooms, err := PrepareJoinedRoomsTable(db)
	if err != nil {
		return nil, err
	}
	return &shared.Database{
		DB:          db,
		Writer:      writer,
		Cache:       cache,
		Events:      events,
		Rooms:       rooms,
		JoinedRooms: joinedRooms,
	}, nil
}
