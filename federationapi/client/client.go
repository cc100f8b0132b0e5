// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package client makes authenticated requests to the federation API of
// other servers.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/matrix-org/gomatrix"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/element-hq/roomfed/internal"
	"github.com/element-hq/roomfed/internal/canonicaljson"
	"github.com/element-hq/roomfed/internal/httputil"
	"github.com/element-hq/roomfed/internal/roomversion"
	"github.com/element-hq/roomfed/internal/signing"
	"github.com/element-hq/roomfed/setup/config"
)

// maxResponseSize bounds how much of a remote response is read.
const maxResponseSize = 64 * 1024 * 1024

// MakeJoinResponse is the answer to a make_join request.
type MakeJoinResponse struct {
	// The version the remote server chose. Servers that leave it out are
	// running room version 1.
	RoomVersion roomversion.RoomVersion
	// The join event template, exactly as the remote server sent it.
	Event []byte
}

// SendJoinResponse is the answer to a send_join request. Events are kept as
// the raw JSON the remote server sent.
type SendJoinResponse struct {
	Origin      spec.ServerName
	Event       []byte
	StateEvents [][]byte
	AuthEvents  [][]byte
}

// FederationClient signs every request it makes with the server's key.
type FederationClient struct {
	keys     *signing.KeyRing
	client   *http.Client
	resolver *ServerResolver
	limits   *httputil.DestinationLimits
}

// NewFederationClient builds a client whose connections obey the configured
// network allow and deny lists.
func NewFederationClient(
	cfg *config.FederationAPI,
	keys *signing.KeyRing,
	resolver *ServerResolver,
	limits *httputil.DestinationLimits,
) (*FederationClient, error) {
	policy, err := internal.NewNetworkPolicy(cfg.AllowNetworkCIDRs, cfg.DenyNetworkCIDRs)
	if err != nil {
		return nil, err
	}
	transport := &http.Transport{
		DialContext:         policy.Dialer(cfg.RequestTimeout).DialContext,
		DisableKeepAlives:   cfg.DisableHTTPKeepalives,
		ForceAttemptHTTP2:   true,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.DisableTLSValidation, // nolint:gosec
		},
	}
	return &FederationClient{
		keys:     keys,
		resolver: resolver,
		limits:   limits,
		client: &http.Client{
			Transport: transport,
			Timeout:   cfg.RequestTimeout,
		},
	}, nil
}

// Resolve returns the base URL of a server.
func (c *FederationClient) Resolve(server spec.ServerName) (*url.URL, error) {
	return c.resolver.Resolve(server)
}

// MakeJoin asks s for a join event template, offering every room version
// in versions.
func (c *FederationClient) MakeJoin(
	ctx context.Context, s spec.ServerName, roomID, userID string, versions []roomversion.RoomVersion,
) (res MakeJoinResponse, err error) {
	query := url.Values{}
	for _, v := range versions {
		query.Add("ver", string(v))
	}
	path := "/_matrix/federation/v1/make_join/" + url.PathEscape(roomID) + "/" + url.PathEscape(userID)
	body, err := c.doRequest(ctx, http.MethodGet, s, path, query, nil)
	if err != nil {
		return res, err
	}
	if !gjson.ValidBytes(body) {
		return res, &internal.RemoteProtocolError{Server: s, Message: "make_join response is not valid JSON", Body: body}
	}
	event := gjson.GetBytes(body, "event")
	if !event.IsObject() {
		return res, &internal.RemoteProtocolError{Server: s, Message: "make_join response has no event template", Body: body}
	}
	res.RoomVersion = roomversion.V1
	if v := gjson.GetBytes(body, "room_version"); v.Type == gjson.String && v.Str != "" {
		res.RoomVersion = roomversion.RoomVersion(v.Str)
	}
	res.Event = []byte(event.Raw)
	return res, nil
}

// SendJoin hands the signed join event to s and returns the room state.
func (c *FederationClient) SendJoin(
	ctx context.Context, s spec.ServerName, roomID, eventID string, event canonicaljson.Value,
) (res SendJoinResponse, err error) {
	path := "/_matrix/federation/v2/send_join/" + url.PathEscape(roomID) + "/" + url.PathEscape(eventID)
	body, err := c.doRequest(ctx, http.MethodPut, s, path, nil, &event)
	if err != nil {
		return res, err
	}
	if !gjson.ValidBytes(body) || !gjson.ParseBytes(body).IsObject() {
		return res, &internal.RemoteProtocolError{Server: s, Message: "send_join response is not a JSON object", Body: body}
	}
	parsed := gjson.ParseBytes(body)
	res.Origin = spec.ServerName(parsed.Get("origin").Str)
	if ev := parsed.Get("event"); ev.Exists() {
		res.Event = []byte(ev.Raw)
	}
	for _, key := range []string{"state", "auth_chain"} {
		field := parsed.Get(key)
		if field.Exists() && !field.IsArray() {
			return res, &internal.RemoteProtocolError{Server: s, Message: fmt.Sprintf("send_join %s is not an array", key), Body: body}
		}
	}
	for _, ev := range parsed.Get("state").Array() {
		res.StateEvents = append(res.StateEvents, []byte(ev.Raw))
	}
	for _, ev := range parsed.Get("auth_chain").Array() {
		res.AuthEvents = append(res.AuthEvents, []byte(ev.Raw))
	}
	return res, nil
}

// SendTransaction sends PDUs to destination in a single transaction.
func (c *FederationClient) SendTransaction(
	ctx context.Context, destination spec.ServerName, txnID string, pdus []canonicaljson.Value,
) error {
	content := canonicaljson.NewObject(map[string]canonicaljson.Value{
		"pdus": canonicaljson.NewArray(pdus...),
		"edus": canonicaljson.NewArray(),
	})
	path := "/_matrix/federation/v1/send/" + url.PathEscape(txnID)
	_, err := c.doRequest(ctx, http.MethodPut, destination, path, nil, &content)
	return err
}

// doRequest signs and sends a request, returning the body of a 2xx response.
// Anything else becomes a RemoteProtocolError.
func (c *FederationClient) doRequest(
	ctx context.Context, method string, destination spec.ServerName, path string, query url.Values, content *canonicaljson.Value,
) ([]byte, error) {
	base, err := c.resolver.Resolve(destination)
	if err != nil {
		return nil, err
	}
	requestURI := path
	if len(query) > 0 {
		requestURI += "?" + query.Encode()
	}

	var body io.Reader
	if content != nil {
		raw, err := canonicaljson.Marshal(*content)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(raw)
	}
	auth, err := signing.BuildAuthHeader(c.keys, method, requestURI, c.keys.ServerName, destination, content)
	if err != nil {
		return nil, err
	}
	if err = c.limits.Wait(ctx, destination); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimSuffix(base.String(), "/")+requestURI, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", auth)
	if content != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	logger := logrus.WithFields(logrus.Fields{
		"destination": destination,
		"method":      method,
		"path":        path,
	})
	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		c.resolver.Forget(destination)
		logger.WithError(err).Debug("Federation request failed")
		return nil, &internal.RemoteProtocolError{Server: destination, Message: "request failed", Err: err}
	}
	defer resp.Body.Close() // nolint:errcheck
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, &internal.RemoteProtocolError{Server: destination, StatusCode: resp.StatusCode, Message: "reading response failed", Err: err}
	}
	logger.WithFields(logrus.Fields{
		"status":      resp.StatusCode,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Trace("Federation request done")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		message := http.StatusText(resp.StatusCode)
		if errcode := gjson.GetBytes(respBody, "errcode"); errcode.Type == gjson.String {
			message = errcode.Str
			if desc := gjson.GetBytes(respBody, "error"); desc.Type == gjson.String {
				message += ": " + desc.Str
			}
		}
		return nil, &internal.RemoteProtocolError{
			Server:     destination,
			StatusCode: resp.StatusCode,
			Message:    message,
			Body:       respBody,
			Err: gomatrix.HTTPError{
				Code:     resp.StatusCode,
				Message:  message,
				Contents: respBody,
			},
		}
	}
	return respBody, nil
}
