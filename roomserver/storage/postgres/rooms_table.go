// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

import (
	"context"
	"database/sql"

	"github.com/element-hq/roomfed/internal/sqlutil"
	"github.com/element-hq/roomfed/roomserver/storage/postgres/deltas"
	"github.com/element-hq/roomfed/roomserver/storage/tables"
	"github.com/element-hq/roomfed/roomserver/types"
)

const roomsSchema = `
CREATE TABLE IF NOT EXISTS roomserver_rooms (
    room_id TEXT NOT NULL PRIMARY KEY,
    creator TEXT NOT NULL,
    room_version TEXT NOT NULL,
    visibility TEXT NOT NULL DEFAULT 'private',
    name TEXT NOT NULL DEFAULT '',
    topic TEXT NOT NULL DEFAULT '',
    is_direct BOOLEAN NOT NULL DEFAULT FALSE
);
`

// The room version is fixed at creation, so a second insert is ignored
// rather than merged.
const insertRoomSQL = "" +
	"INSERT INTO roomserver_rooms (room_id, creator, room_version, visibility, name, topic, is_direct)" +
	" VALUES ($1, $2, $3, $4, $5, $6, $7)" +
	" ON CONFLICT (room_id) DO NOTHING"

const selectRoomSQL = "" +
	"SELECT room_id, creator, room_version, visibility, name, topic, is_direct FROM roomserver_rooms WHERE room_id = $1"

type roomStatements struct {
	insertRoomStmt *sql.Stmt
	selectRoomStmt *sql.Stmt
}

func CreateRoomsTable(db *sql.DB) error {
	_, err := db.Exec(roomsSchema)
	if err != nil {
		return err
	}
	m := sqlutil.NewMigrator(db)
	m.AddMigrations(sqlutil.Migration{
		Version: "roomserver: add display columns to rooms",
		Up:      deltas.UpRoomDisplayColumns,
		Down:    deltas.DownRoomDisplayColumns,
	})
	return m.Up(context.Background())
}

func PrepareRoomsTable(db *sql.DB) (tables.Rooms, error) {
	s := &roomStatements{}

	return s, sqlutil.StatementList{
		{&s.insertRoomStmt, insertRoomSQL},
		{&s.selectRoomStmt, selectRoomSQL},
	}.Prepare(db)
}

func (s *roomStatements) InsertRoom(
	ctx context.Context, txn *sql.Tx, room *types.Room,
) (bool, error) {
	stmt := sqlutil.TxStmt(txn, s.insertRoomStmt)
	res, err := stmt.ExecContext(
		ctx, room.RoomID, room.Creator, string(room.Version), room.Visibility, room.Name, room.Topic, room.IsDirect,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *roomStatements) SelectRoom(
	ctx context.Context, txn *sql.Tx, roomID string,
) (*types.Room, error) {
	var room types.Room
	stmt := sqlutil.TxStmt(txn, s.selectRoomStmt)
	err := stmt.QueryRowContext(ctx, roomID).Scan(
		&room.RoomID, &room.Creator, &room.Version, &room.Visibility, &room.Name, &room.Topic, &room.IsDirect,
	)
	if err != nil {
		return nil, err
	}
	return &room, nil
}
