// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
	"testing"

	httpparser "github.com/Brownie44l1/epoll-proxy/pkg/parser/http"
)

func TestNoopHandler_AllowsEverything(t *testing.T) {
	h := &NoopHandler{}
	ctx := context.Background()
	hctx := &Context{SessionID: "s1", RemoteAddr: "127.0.0.1:9", Mode: "http"}

	if err := h.OnAccept(ctx, hctx); err != nil {
		t.Errorf("OnAccept() = %v, want nil", err)
	}
	if err := h.OnRequest(ctx, hctx, httpparser.NewRequest()); err != nil {
		t.Errorf("OnRequest() = %v, want nil", err)
	}
	if err := h.OnForward(ctx, hctx, 128); err != nil {
		t.Errorf("OnForward() = %v, want nil", err)
	}
	if err := h.OnDisconnect(ctx, hctx); err != nil {
		t.Errorf("OnDisconnect() = %v, want nil", err)
	}
}
