// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"errors"
	"net"
	"net/http"
	"sync"
)

// Server is an http.Server that can be started in the background,
// reports the address it actually bound (useful with ":0" in tests),
// and can be shut down without exiting the process.
type Server struct {
	http.Server
	Addr string // host:port where the server is listening.

	listener net.Listener
	err      error
	done     chan struct{}
	closing  bool
	mtx      sync.Mutex
}

// Start listens on srv.Addr and serves requests in a background
// goroutine. When Start returns, srv.Addr is the bound address.
func (srv *Server) Start() error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return err
	}
	srv.listener = ln
	srv.Addr = ln.Addr().String()
	srv.done = make(chan struct{})
	go func() {
		defer close(srv.done)
		err := srv.Serve(ln)
		srv.mtx.Lock()
		defer srv.mtx.Unlock()
		if !srv.closing && !errors.Is(err, http.ErrServerClosed) {
			srv.err = err
		}
	}()
	return nil
}

// Close shuts down the server and returns when it has stopped.
func (srv *Server) Close() error {
	srv.mtx.Lock()
	srv.closing = true
	srv.mtx.Unlock()
	srv.Server.Close()
	return srv.Wait()
}

// Wait returns when the server has shut down.
func (srv *Server) Wait() error {
	if srv.done == nil {
		return nil
	}
	<-srv.done
	srv.mtx.Lock()
	defer srv.mtx.Unlock()
	return srv.err
}
