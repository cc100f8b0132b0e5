// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/atomic"

	"github.com/element-hq/roomfed/federationapi/client"
	"github.com/element-hq/roomfed/internal/caching"
	"github.com/element-hq/roomfed/internal/canonicaljson"
	"github.com/element-hq/roomfed/internal/roomversion"
	"github.com/element-hq/roomfed/internal/signing"
	"github.com/element-hq/roomfed/internal/sqlutil"
	"github.com/element-hq/roomfed/roomserver"
	rsapi "github.com/element-hq/roomfed/roomserver/api"
	"github.com/element-hq/roomfed/roomserver/storage"
	"github.com/element-hq/roomfed/roomserver/types"
	"github.com/element-hq/roomfed/setup/config"
	"github.com/element-hq/roomfed/test"
)

const localServer = spec.ServerName("local.test")

func lookupTestKey(server spec.ServerName, keyID gomatrixserverlib.KeyID) (ed25519.PublicKey, error) {
	return test.PrivateKey(server).Public().(ed25519.PublicKey), nil
}

// fakeRemote is a resident server of a room, answering just enough of the
// federation API for joins. Every request must carry a valid X-Matrix
// signature from localServer.
type fakeRemote struct {
	t    *testing.T
	name spec.ServerName
	room *test.Room
	srv  *httptest.Server

	makeJoins    *atomic.Int64
	sendJoins    *atomic.Int64
	transactions *atomic.Int64

	// makeJoinStatus and makeJoinBody replace the make_join answer when set.
	makeJoinStatus int
	makeJoinBody   string
	// corruptEcho changes the content of the join event echoed by send_join.
	corruptEcho bool
	// gate holds make_join requests until it is closed.
	gate    chan struct{}
	entered chan struct{}

	mu        sync.Mutex
	received  []string
	joinEvent *types.Event
}

func newFakeRemote(t *testing.T, name spec.ServerName, room *test.Room) *fakeRemote {
	t.Helper()
	f := &fakeRemote{
		t:            t,
		name:         name,
		room:         room,
		makeJoins:    atomic.NewInt64(0),
		sendJoins:    atomic.NewInt64(0),
		transactions: atomic.NewInt64(0),
		entered:      make(chan struct{}, 8),
	}
	router := mux.NewRouter().UseEncodedPath()
	router.HandleFunc("/_matrix/federation/v1/make_join/{roomID}/{userID}", f.makeJoin).Methods(http.MethodGet)
	router.HandleFunc("/_matrix/federation/v2/send_join/{roomID}/{eventID}", f.sendJoin).Methods(http.MethodPut)
	router.HandleFunc("/_matrix/federation/v1/send/{txnID}", f.send).Methods(http.MethodPut)
	f.srv = httptest.NewServer(router)
	t.Cleanup(f.srv.Close)
	return f
}

// authenticate checks the X-Matrix header against the request as received.
func (f *fakeRemote) authenticate(w http.ResponseWriter, req *http.Request) (*canonicaljson.Value, []byte, bool) {
	body, err := io.ReadAll(req.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "M_BAD_JSON", err.Error())
		return nil, nil, false
	}
	var content *canonicaljson.Value
	if len(body) > 0 {
		parsed, err := canonicaljson.Parse(body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "M_BAD_JSON", err.Error())
			return nil, nil, false
		}
		content = &parsed
	}
	origin, err := signing.VerifyAuthHeader(req.Header.Get("Authorization"), req.Method, req.RequestURI, f.name, content, lookupTestKey)
	if err != nil || origin != localServer {
		writeError(w, http.StatusUnauthorized, "M_UNAUTHORIZED", "bad signature")
		return nil, nil, false
	}
	return content, body, true
}

func (f *fakeRemote) makeJoin(w http.ResponseWriter, req *http.Request) {
	f.makeJoins.Inc()
	if _, _, ok := f.authenticate(w, req); !ok {
		return
	}
	f.entered <- struct{}{}
	if f.gate != nil {
		<-f.gate
	}
	if f.makeJoinStatus != 0 {
		w.WriteHeader(f.makeJoinStatus)
		_, _ = w.Write([]byte(f.makeJoinBody))
		return
	}
	if pathVar(req, "roomID") != f.room.ID {
		writeError(w, http.StatusNotFound, "M_NOT_FOUND", "unknown room")
		return
	}
	offered := false
	for _, v := range req.URL.Query()["ver"] {
		offered = offered || v == string(f.room.Version)
	}
	if !offered {
		writeError(w, http.StatusBadRequest, "M_INCOMPATIBLE_ROOM_VERSION", "room version not offered")
		return
	}

	state := f.room.CurrentState()
	var depth int64
	for _, ev := range f.room.Events() {
		depth = max(depth, ev.Depth())
	}
	userID := pathVar(req, "userID")
	authEvents := []string{
		state.Lookup(spec.MRoomCreate, "").EventID(),
		state.Lookup(spec.MRoomPowerLevels, "").EventID(),
		state.Lookup(spec.MRoomJoinRules, "").EventID(),
	}
	if member := state.Lookup(spec.MRoomMember, userID); member != nil {
		authEvents = append(authEvents, member.EventID())
	}
	template := map[string]interface{}{
		"event_id":         "$suggested_by_remote",
		"type":             spec.MRoomMember,
		"state_key":        userID,
		"sender":           userID,
		"room_id":          f.room.ID,
		"origin":           string(localServer),
		"origin_server_ts": int64(test.BaseTimestamp) + 60000,
		"depth":            depth + 1,
		"content":          map[string]interface{}{"membership": spec.Join},
		"prev_events":      f.room.Latest(),
		"auth_events":      authEvents,
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"room_version": string(f.room.Version),
		"event":        template,
	})
}

func (f *fakeRemote) sendJoin(w http.ResponseWriter, req *http.Request) {
	f.sendJoins.Inc()
	content, body, ok := f.authenticate(w, req)
	if !ok {
		return
	}
	impl := roomversion.MustGet(f.room.Version)
	ev, err := types.NewEventFromJSON(body, impl)
	if err != nil || ev.EventID() != pathVar(req, "eventID") {
		writeError(w, http.StatusBadRequest, "M_BAD_JSON", "event ID does not match the event")
		return
	}
	if gjson.GetBytes(body, "event_id").Exists() && impl.EventIDFromHash() {
		writeError(w, http.StatusBadRequest, "M_BAD_JSON", "event_id must not be sent")
		return
	}
	if err = ev.CheckContentHash(); err != nil {
		writeError(w, http.StatusBadRequest, "M_BAD_JSON", err.Error())
		return
	}
	if err = signing.VerifyEventSignature(*content, impl, localServer, test.KeyID, test.PrivateKey(localServer).Public().(ed25519.PublicKey)); err != nil {
		writeError(w, http.StatusForbidden, "M_FORBIDDEN", err.Error())
		return
	}
	f.mu.Lock()
	f.joinEvent = ev
	f.mu.Unlock()

	echo := body
	if f.corruptEcho {
		echo, _ = sjson.SetBytes(body, "content.membership", "leave")
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"origin":     string(f.name),
		"event":      json.RawMessage(echo),
		"state":      rawEvents(f.t, f.room.CurrentState().Events()),
		"auth_chain": rawEvents(f.t, f.room.Events()),
	})
}

func (f *fakeRemote) send(w http.ResponseWriter, req *http.Request) {
	f.transactions.Inc()
	content, _, ok := f.authenticate(w, req)
	if !ok {
		return
	}
	pdus, _ := content.Get("pdus")
	f.mu.Lock()
	for _, pdu := range pdus.Elems() {
		ev, err := types.NewEvent(pdu, roomversion.MustGet(f.room.Version))
		if err == nil {
			f.received = append(f.received, ev.EventID())
		}
	}
	f.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]interface{}{"pdus": map[string]interface{}{}})
}

// acceptedJoin returns the join event send_join accepted, if any.
func (f *fakeRemote) acceptedJoin() *types.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.joinEvent
}

func (f *fakeRemote) receivedEvents() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.received...)
}

// pathVar unescapes a route variable, the router matches on the encoded path.
func pathVar(req *http.Request, name string) string {
	v, err := url.PathUnescape(mux.Vars(req)[name])
	if err != nil {
		return ""
	}
	return v
}

func rawEvents(t *testing.T, events []*types.Event) []json.RawMessage {
	raws := make([]json.RawMessage, 0, len(events))
	for _, ev := range events {
		raw, err := ev.CanonicalJSON()
		require.NoError(t, err)
		raws = append(raws, raw)
	}
	return raws
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, code int, errcode, msg string) {
	writeJSON(w, code, map[string]string{"errcode": errcode, "error": msg})
}

// joinTestContext is a local server joining rooms on fake remotes.
type joinTestContext struct {
	ctx    context.Context
	cfg    *config.Dendrite
	db     storage.Database
	rsAPI  rsapi.RoomserverInternalAPI
	fedAPI *FederationInternalAPI
}

// setupJoinTest builds the local server. addresses maps server names to the
// URLs of fake remotes.
func setupJoinTest(t *testing.T, addresses map[spec.ServerName]string) *joinTestContext {
	t.Helper()

	cfg := &config.Dendrite{}
	cfg.Defaults(config.DefaultOpts{})
	cfg.Global.ServerName = localServer
	cfg.FederationAPI.AllowNetworkCIDRs = nil
	cfg.FederationAPI.DenyNetworkCIDRs = nil
	cfg.FederationAPI.ServerAddresses = addresses
	cfg.FederationAPI.RequestTimeout = 5 * time.Second
	cfg.FederationAPI.JoinTimeout = 20 * time.Second

	connStr, closeDB := test.PrepareDBConnectionString(t, test.DBTypeSQLite)
	t.Cleanup(closeDB)
	caches := caching.NewRistrettoCache(8*1024*1024, time.Hour, caching.DisableMetrics)
	cm := sqlutil.NewConnectionManager(nil, config.DatabaseOptions{})
	db, err := storage.Open(cm, &config.DatabaseOptions{ConnectionString: config.DataSource(connStr)}, caches)
	require.NoError(t, err)

	keys := test.KeyRing(t, localServer)
	fedClient, err := client.NewFederationClient(
		&cfg.FederationAPI, keys, client.NewServerResolver(addresses, time.Minute), nil,
	)
	require.NoError(t, err)
	rsAPI := roomserver.NewInternalAPI(nil, &cfg.RoomServer, db, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return &joinTestContext{
		ctx:    ctx,
		cfg:    cfg,
		db:     db,
		rsAPI:  rsAPI,
		fedAPI: NewFederationInternalAPI(&cfg.FederationAPI, keys, db, rsAPI, fedClient),
	}
}
