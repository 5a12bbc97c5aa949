// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	check "gopkg.in/check.v1"
)

var _ = check.Suite(&limiterSuite{})

type limiterSuite struct{}

type testHandler struct {
	inHandler   chan struct{}
	okToProceed chan struct{}
}

func (h *testHandler) ServeHTTP(resp http.ResponseWriter, req *http.Request) {
	h.inHandler <- struct{}{}
	<-h.okToProceed
}

func (s *limiterSuite) TestRequestLimiter(c *check.C) {
	h := &testHandler{make(chan struct{}), make(chan struct{})}
	l := NewRequestLimiter(2, h, nil)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := httptest.NewRecorder()
			l.ServeHTTP(resp, httptest.NewRequest("GET", "/", nil))
			c.Check(resp.Code, check.Equals, http.StatusOK)
		}()
		<-h.inHandler
	}

	resp := httptest.NewRecorder()
	l.ServeHTTP(resp, httptest.NewRequest("GET", "/", nil))
	c.Check(resp.Code, check.Equals, http.StatusServiceUnavailable)
	c.Check(resp.Body.String(), check.Equals, `{"message":"too many concurrent requests"}`+"\n")

	close(h.okToProceed)
	wg.Wait()

	// Capacity is available again.
	h2 := &testHandler{make(chan struct{}, 1), make(chan struct{})}
	close(h2.okToProceed)
	l.Handler = h2
	resp = httptest.NewRecorder()
	l.ServeHTTP(resp, httptest.NewRequest("GET", "/", nil))
	c.Check(resp.Code, check.Equals, http.StatusOK)
}

func (s *limiterSuite) TestWebsocketExempt(c *check.C) {
	h := &testHandler{make(chan struct{}, 2), make(chan struct{})}
	close(h.okToProceed)
	l := NewRequestLimiter(1, h, nil)
	l.handling = 1
	req := httptest.NewRequest("GET", "/events.ws", nil)
	req.Header.Set("Upgrade", "websocket")
	resp := httptest.NewRecorder()
	l.ServeHTTP(resp, req)
	c.Check(resp.Code, check.Equals, http.StatusOK)
}

func (s *limiterSuite) TestDeadline(c *check.C) {
	var deadline time.Time
	var ok bool
	h := HandlerWithDeadline(time.Minute, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deadline, ok = r.Context().Deadline()
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
	c.Check(ok, check.Equals, true)
	c.Check(time.Until(deadline) > 50*time.Second, check.Equals, true)
}
