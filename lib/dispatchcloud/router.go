// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatchcloud

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"git.cloudcontain.net/cloudcontain.git/sdk/go/auth"
	"git.cloudcontain.net/cloudcontain.git/sdk/go/cloudcontain"
	"git.cloudcontain.net/cloudcontain.git/sdk/go/ctxlog"
	"git.cloudcontain.net/cloudcontain.git/sdk/go/httpserver"
	"github.com/julienschmidt/httprouter"
)

// An Authenticator returns the user ID associated with a bearer
// token.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (userID string, err error)
}

type router struct {
	orch  *Orchestrator
	authn Authenticator
	mux   *httprouter.Router
}

// newRouter returns the public API handler. Requests for /events.ws
// are passed to relay.
func newRouter(orch *Orchestrator, authn Authenticator, relay, mgmt http.Handler) http.Handler {
	rtr := &router{orch: orch, authn: authn, mux: httprouter.New()}
	rtr.mux.POST("/containers/:containerId/execute", rtr.authenticated(rtr.execute))
	rtr.mux.GET("/containers/:containerId/jobs", rtr.authenticated(rtr.listJobs))
	rtr.mux.GET("/containers/:containerId/jobs/:jobId", rtr.authenticated(rtr.getJob))
	rtr.mux.GET("/containers/:containerId/jobs/:jobId/logs", rtr.authenticated(rtr.jobLogs))
	if relay != nil {
		rtr.mux.Handler("GET", "/events.ws", relay)
	}
	if mgmt != nil {
		rtr.mux.Handler("GET", "/cloudcontain/v1/dispatch/nodes", mgmt)
	}
	rtr.mux.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpserver.Error(w, "Not found.", http.StatusNotFound)
	})
	rtr.mux.MethodNotAllowed = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpserver.Error(w, "Method not allowed.", http.StatusMethodNotAllowed)
	})
	return rtr.mux
}

type authenticatedHandle func(w http.ResponseWriter, r *http.Request, params httprouter.Params, userID string)

func (rtr *router) authenticated(h authenticatedHandle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
		userID, err := rtr.authn.Authenticate(r.Context(), auth.CredentialsFromRequest(r).Token())
		if err != nil {
			respondError(w, r, err, "")
			return
		}
		h(w, r, params, userID)
	}
}

func (rtr *router) execute(w http.ResponseWriter, r *http.Request, params httprouter.Params, userID string) {
	job, err := rtr.orch.Execute(r.Context(), params.ByName("containerId"), userID)
	if err != nil {
		respondError(w, r, err, "User is not authorized to execute this container.")
		return
	}
	httpserver.JSON(w, job.Snapshot(), http.StatusCreated)
}

func (rtr *router) listJobs(w http.ResponseWriter, r *http.Request, params httprouter.Params, userID string) {
	offset, ok := offsetParam(w, r)
	if !ok {
		return
	}
	jobs, err := rtr.orch.ListJobs(r.Context(), params.ByName("containerId"), userID, offset)
	if err != nil {
		respondError(w, r, err, "User is not authorized to access this container's job history.")
		return
	}
	resp := make([]cloudcontain.JobSnapshot, 0, len(jobs))
	for _, job := range jobs {
		snap := job.Snapshot()
		snap.RequestedBy = job.RequestedBy
		resp = append(resp, snap)
	}
	httpserver.JSON(w, resp, http.StatusOK)
}

func (rtr *router) getJob(w http.ResponseWriter, r *http.Request, params httprouter.Params, userID string) {
	job, err := rtr.orch.GetJob(r.Context(), params.ByName("containerId"), params.ByName("jobId"), userID)
	if err != nil {
		respondError(w, r, err, "User is not authorized to access this container's job history.")
		return
	}
	snap := job.Snapshot()
	snap.RequestedBy = job.RequestedBy
	httpserver.JSON(w, snap, http.StatusOK)
}

func (rtr *router) jobLogs(w http.ResponseWriter, r *http.Request, params httprouter.Params, userID string) {
	offset, ok := offsetParam(w, r)
	if !ok {
		return
	}
	logs, err := rtr.orch.JobLogs(r.Context(), params.ByName("containerId"), params.ByName("jobId"), userID, offset)
	if err != nil {
		respondError(w, r, err, "User is not authorized to access this container's job logs.")
		return
	}
	httpserver.JSON(w, logs, http.StatusOK)
}

func offsetParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	s := r.FormValue("offset")
	if s == "" {
		return 0, true
	}
	offset, err := strconv.Atoi(s)
	if err != nil || offset < 0 {
		httpserver.Error(w, "Invalid offset.", http.StatusBadRequest)
		return 0, false
	}
	return offset, true
}

// respondError writes an error response with a message suitable for
// the client. Server-side failures are logged with full detail.
func respondError(w http.ResponseWriter, r *http.Request, err error, forbiddenMsg string) {
	code := cloudcontain.HTTPStatus(err)
	var msg string
	switch {
	case errors.Is(err, cloudcontain.ErrUnauthenticated):
		msg = err.Error()
	case errors.Is(err, ErrJobNotFound):
		msg = "Job not found for this container."
	case errors.Is(err, cloudcontain.ErrNotFound):
		msg = "Container not found."
	case errors.Is(err, cloudcontain.ErrForbidden):
		msg = forbiddenMsg
	case errors.Is(err, cloudcontain.ErrAlreadyRunning):
		msg = "This container already has an active job."
	case errors.Is(err, cloudcontain.ErrRateLimited):
		msg = "Job limit reached. Please try again later."
	case errors.Is(err, cloudcontain.ErrProvisioning):
		msg = "Unable to start a compute node. Please try again later."
	case errors.Is(err, cloudcontain.ErrEnqueue):
		msg = "Unable to queue the job. Please try again later."
	default:
		msg = "Internal server error."
	}
	if code >= 500 {
		ctxlog.FromContext(r.Context()).WithError(err).Error("request failed")
	}
	httpserver.Error(w, msg, code)
}
