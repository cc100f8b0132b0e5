// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

import (
	"context"
	"database/sql"

	"github.com/element-hq/roomfed/internal"
	"github.com/element-hq/roomfed/internal/sqlutil"
	"github.com/element-hq/roomfed/roomserver/storage/postgres/deltas"
	"github.com/element-hq/roomfed/roomserver/storage/tables"
	"github.com/element-hq/roomfed/roomserver/types"
)

// Events are never updated once stored, apart from the flags. event_nid only
// exists to give a stable insertion order.
const eventsSchema = `
CREATE SEQUENCE IF NOT EXISTS roomserver_event_nid_seq;
CREATE TABLE IF NOT EXISTS roomserver_events (
    event_nid BIGINT PRIMARY KEY DEFAULT nextval('roomserver_event_nid_seq'),
    event_id TEXT NOT NULL CONSTRAINT roomserver_event_id_unique UNIQUE,
    room_id TEXT NOT NULL,
    room_version TEXT NOT NULL,
    event_type TEXT NOT NULL,
    state_key TEXT,
    depth BIGINT NOT NULL,
    origin_server_ts BIGINT NOT NULL,
    event_json TEXT NOT NULL,
    soft_failed BOOLEAN NOT NULL DEFAULT FALSE,
    outlier BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE INDEX IF NOT EXISTS roomserver_events_room_id_idx
    ON roomserver_events(room_id, event_nid);
`

const insertEventSQL = "" +
	"INSERT INTO roomserver_events (event_id, room_id, room_version, event_type, state_key, depth, origin_server_ts, event_json, soft_failed, outlier)" +
	" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)" +
	" ON CONFLICT ON CONSTRAINT roomserver_event_id_unique DO NOTHING"

const selectEventSQL = "" +
	"SELECT event_id, room_id, room_version, event_json, soft_failed, outlier FROM roomserver_events" +
	" WHERE room_id = $1 AND event_id = $2"

const selectRoomEventsSQL = "" +
	"SELECT event_id, room_id, room_version, event_json, soft_failed, outlier FROM roomserver_events" +
	" WHERE room_id = $1 ORDER BY event_nid ASC"

const updateEventFlagsSQL = "" +
	"UPDATE roomserver_events SET soft_failed = $1, outlier = $2 WHERE event_id = $3"

type eventStatements struct {
	insertEventStmt      *sql.Stmt
	selectEventStmt      *sql.Stmt
	selectRoomEventsStmt *sql.Stmt
	updateEventFlagsStmt *sql.Stmt
}

func CreateEventsTable(db *sql.DB) error {
	_, err := db.Exec(eventsSchema)
	if err != nil {
		return err
	}
	m := sqlutil.NewMigrator(db)
	m.AddMigrations(sqlutil.Migration{
		Version: "roomserver: add flag columns to events",
		Up:      deltas.UpEventFlags,
		Down:    deltas.DownEventFlags,
	})
	return m.Up(context.Background())
}

func PrepareEventsTable(db *sql.DB) (tables.Events, error) {
	s := &eventStatements{}

	return s, sqlutil.StatementList{
		{&s.insertEventStmt, insertEventSQL},
		{&s.selectEventStmt, selectEventSQL},
		{&s.selectRoomEventsStmt, selectRoomEventsSQL},
		{&s.updateEventFlagsStmt, updateEventFlagsSQL},
	}.Prepare(db)
}

func (s *eventStatements) InsertEvent(
	ctx context.Context, txn *sql.Tx, event *types.Event, eventJSON []byte,
) (bool, error) {
	flags := event.Flags()
	stmt := sqlutil.TxStmt(txn, s.insertEventStmt)
	res, err := stmt.ExecContext(
		ctx, event.EventID(), event.RoomID(), string(event.RoomVersion()), event.Type(), event.StateKey(),
		event.Depth(), int64(event.OriginServerTS()), string(eventJSON), flags.SoftFailed, flags.Outlier,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *eventStatements) SelectEvent(
	ctx context.Context, txn *sql.Tx, roomID, eventID string,
) (*tables.EventRow, error) {
	var row tables.EventRow
	var eventJSON string
	stmt := sqlutil.TxStmt(txn, s.selectEventStmt)
	err := stmt.QueryRowContext(ctx, roomID, eventID).Scan(
		&row.EventID, &row.RoomID, &row.RoomVersion, &eventJSON, &row.Flags.SoftFailed, &row.Flags.Outlier,
	)
	if err != nil {
		return nil, err
	}
	row.JSON = []byte(eventJSON)
	return &row, nil
}

func (s *eventStatements) SelectRoomEvents(
	ctx context.Context, txn *sql.Tx, roomID string,
) ([]tables.EventRow, error) {
	stmt := sqlutil.TxStmt(txn, s.selectRoomEventsStmt)
	rows, err := stmt.QueryContext(ctx, roomID)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectRoomEvents: rows.close() failed")

	var result []tables.EventRow
	for rows.Next() {
		var row tables.EventRow
		var eventJSON string
		if err = rows.Scan(&row.EventID, &row.RoomID, &row.RoomVersion, &eventJSON, &row.Flags.SoftFailed, &row.Flags.Outlier); err != nil {
			return nil, err
		}
		row.JSON = []byte(eventJSON)
		result = append(result, row)
	}
	return result, rows.Err()
}

func (s *eventStatements) UpdateEventFlags(
	ctx context.Context, txn *sql.Tx, eventID string, flags types.EventFlags,
) (bool, error) {
	stmt := sqlutil.TxStmt(txn, s.updateEventFlagsStmt)
	res, err := stmt.ExecContext(ctx, flags.SoftFailed, flags.Outlier, eventID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
