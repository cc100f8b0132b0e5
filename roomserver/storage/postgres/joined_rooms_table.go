// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

import (
	"context"
	"database/sql"

	"github.com/lib/pq"
	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/element-hq/roomfed/internal"
	"github.com/element-hq/roomfed/internal/sqlutil"
	"github.com/element-hq/roomfed/internal/util"
	"github.com/element-hq/roomfed/roomserver/storage/postgres/deltas"
	"github.com/element-hq/roomfed/roomserver/storage/tables"
)

// Schema for tracking rooms joined over federation. Two tables are used:
// - roomserver_joined_rooms: which rooms were joined, and through whom
// - roomserver_joined_rooms_servers: servers known to be in the room at join time
const joinedRoomsSchema = `
CREATE TABLE IF NOT EXISTS roomserver_joined_rooms (
    room_id TEXT PRIMARY KEY,
    join_event_id TEXT NOT NULL,
    joined_via TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL DEFAULT NOW(),
    user_id TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_joined_rooms_created
    ON roomserver_joined_rooms(created_at);

CREATE TABLE IF NOT EXISTS roomserver_joined_rooms_servers (
    room_id TEXT NOT NULL REFERENCES roomserver_joined_rooms(room_id)
        ON DELETE CASCADE,
    server_name TEXT NOT NULL,
    PRIMARY KEY (room_id, server_name)
);
`

const insertJoinedRoomSQL = "" +
	"INSERT INTO roomserver_joined_rooms (room_id, join_event_id, joined_via, user_id) VALUES ($1, $2, $3, $4)" +
	" ON CONFLICT (room_id) DO UPDATE SET join_event_id = $2, joined_via = $3, created_at = NOW(), user_id = $4"

const insertJoinedRoomServersSQL = "" +
	"INSERT INTO roomserver_joined_rooms_servers (room_id, server_name) VALUES ($1, unnest($2::text[]))" +
	" ON CONFLICT (room_id, server_name) DO NOTHING"

const selectJoinedRoomSQL = "" +
	"SELECT 1 FROM roomserver_joined_rooms WHERE room_id = $1"

const selectJoinedRoomServersSQL = "" +
	"SELECT server_name FROM roomserver_joined_rooms_servers WHERE room_id = $1 ORDER BY server_name ASC"

const selectAllJoinedRoomsSQL = "" +
	"SELECT room_id FROM roomserver_joined_rooms ORDER BY created_at ASC, room_id ASC"

const deleteJoinedRoomSQL = "" +
	"DELETE FROM roomserver_joined_rooms WHERE room_id = $1"

type joinedRoomsStatements struct {
	insertJoinedRoomStmt        *sql.Stmt
	insertJoinedRoomServersStmt *sql.Stmt
	selectJoinedRoomStmt        *sql.Stmt
	selectJoinedRoomServersStmt *sql.Stmt
	selectAllJoinedRoomsStmt    *sql.Stmt
	deleteJoinedRoomStmt        *sql.Stmt
}

func CreateJoinedRoomsTable(db *sql.DB) error {
	_, err := db.Exec(joinedRoomsSchema)
	if err != nil {
		return err
	}
	m := sqlutil.NewMigrator(db)
	m.AddMigrations(sqlutil.Migration{
		Version: "roomserver: add user_id to joined rooms",
		Up:      deltas.UpJoinedRoomsUserID,
		Down:    deltas.DownJoinedRoomsUserID,
	})
	return m.Up(context.Background())
}

func PrepareJoinedRoomsTable(db *sql.DB) (tables.JoinedRooms, error) {
	s := &joinedRoomsStatements{}

	return s, sqlutil.StatementList{
		{&s.insertJoinedRoomStmt, insertJoinedRoomSQL},
		{&s.insertJoinedRoomServersStmt, insertJoinedRoomServersSQL},
		{&s.selectJoinedRoomStmt, selectJoinedRoomSQL},
		{&s.selectJoinedRoomServersStmt, selectJoinedRoomServersSQL},
		{&s.selectAllJoinedRoomsStmt, selectAllJoinedRoomsSQL},
		{&s.deleteJoinedRoomStmt, deleteJoinedRoomSQL},
	}.Prepare(db)
}

func (s *joinedRoomsStatements) InsertJoinedRoom(
	ctx context.Context, txn *sql.Tx,
	roomID, joinEventID, userID string, joinedVia spec.ServerName, serversInRoom []spec.ServerName,
) error {
	stmt := sqlutil.TxStmt(txn, s.insertJoinedRoomStmt)
	_, err := stmt.ExecContext(ctx, roomID, joinEventID, string(util.NormalizeServerName(joinedVia)), userID)
	if err != nil {
		return err
	}

	servers := util.DistinctServers(serversInRoom)
	if len(servers) == 0 {
		return nil
	}
	names := make([]string, len(servers))
	for i, server := range servers {
		names[i] = string(server)
	}
	stmt = sqlutil.TxStmt(txn, s.insertJoinedRoomServersStmt)
	_, err = stmt.ExecContext(ctx, roomID, pq.Array(names))
	return err
}

func (s *joinedRoomsStatements) SelectJoinedRoom(
	ctx context.Context, txn *sql.Tx, roomID string,
) (bool, error) {
	var result int
	stmt := sqlutil.TxStmt(txn, s.selectJoinedRoomStmt)
	err := stmt.QueryRowContext(ctx, roomID).Scan(&result)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *joinedRoomsStatements) SelectJoinedRoomServers(
	ctx context.Context, txn *sql.Tx, roomID string,
) ([]spec.ServerName, error) {
	stmt := sqlutil.TxStmt(txn, s.selectJoinedRoomServersStmt)
	rows, err := stmt.QueryContext(ctx, roomID)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectJoinedRoomServers: rows.close() failed")

	var servers []spec.ServerName
	for rows.Next() {
		var server string
		if err = rows.Scan(&server); err != nil {
			return nil, err
		}
		servers = append(servers, spec.ServerName(server))
	}
	return servers, rows.Err()
}

func (s *joinedRoomsStatements) SelectAllJoinedRooms(
	ctx context.Context, txn *sql.Tx,
) ([]string, error) {
	stmt := sqlutil.TxStmt(txn, s.selectAllJoinedRoomsStmt)
	rows, err := stmt.QueryContext(ctx)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectAllJoinedRooms: rows.close() failed")

	var roomIDs []string
	for rows.Next() {
		var roomID string
		if err = rows.Scan(&roomID); err != nil {
			return nil, err
		}
		roomIDs = append(roomIDs, roomID)
	}
	return roomIDs, rows.Err()
}

// The servers go with the room through ON DELETE CASCADE.
func (s *joinedRoomsStatements) DeleteJoinedRoom(
	ctx context.Context, txn *sql.Tx, roomID string,
) error {
	stmt := sqlutil.TxStmt(txn, s.deleteJoinedRoomStmt)
	_, err := stmt.ExecContext(ctx, roomID)
	return err
}
