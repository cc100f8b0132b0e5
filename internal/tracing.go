// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"context"
	"fmt"

	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/ext"
)

type Trace struct {
	span opentracing.Span
}

func StartRegion(inCtx context.Context, name string) (Trace, context.Context) {
	span, ctx := opentracing.StartSpanFromContext(inCtx, name)
	return Trace{span: span}, ctx
}

func (t Trace) EndRegion() {
	t.span.Finish()
}

func (t Trace) SetTag(key string, value any) {
	t.span.SetTag(key, value)
}

// SetError marks the span as failed and records the error.
func (t Trace) SetError(err error) {
	if err == nil {
		return
	}
	ext.Error.Set(t.span, true)
	t.span.LogKV("event", "error", "message", fmt.Sprint(err))
}
