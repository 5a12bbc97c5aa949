// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatchcloud

import (
	"context"
	"crypto/md5"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"git.cloudcontain.net/cloudcontain.git/lib/cloud"
	"git.cloudcontain.net/cloudcontain.git/lib/dblock"
	"git.cloudcontain.net/cloudcontain.git/lib/dispatchcloud/admission"
	"git.cloudcontain.net/cloudcontain.git/lib/dispatchcloud/dispatcher"
	"git.cloudcontain.net/cloudcontain.git/lib/dispatchcloud/ledger"
	"git.cloudcontain.net/cloudcontain.git/lib/dispatchcloud/node"
	"git.cloudcontain.net/cloudcontain.git/lib/fanout"
	"git.cloudcontain.net/cloudcontain.git/lib/identity"
	"git.cloudcontain.net/cloudcontain.git/lib/pgstore"
	"git.cloudcontain.net/cloudcontain.git/lib/workqueue"
	"git.cloudcontain.net/cloudcontain.git/sdk/go/auth"
	"git.cloudcontain.net/cloudcontain.git/sdk/go/cloudcontain"
	"git.cloudcontain.net/cloudcontain.git/sdk/go/ctxlog"
	"git.cloudcontain.net/cloudcontain.git/sdk/go/httpserver"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Store is everything the server needs from the database.
type Store interface {
	admission.ContainerStore
	ledger.Store
	node.Store
	CheckHealth(context.Context) error
}

// server is the cloudcontain API service. Collaborators left nil are
// created from the cluster configuration by initialize; tests supply
// stubs instead.
type server struct {
	Cluster       *cloudcontain.Cluster
	Context       context.Context
	Registry      *prometheus.Registry
	InstanceSetID cloud.InstanceSetID

	Store         Store
	Locker        dblock.Locker
	InstanceSet   cloud.InstanceSet
	Queue         workqueue.Queue
	Publisher     fanout.Publisher
	Authenticator Authenticator

	logger       logrus.FieldLogger
	hub          *fanout.Hub
	listener     *fanout.Listener
	nodes        *node.Registry
	orchestrator *Orchestrator
	httpHandler  http.Handler

	setupOnce sync.Once
	setupErr  error
	stop      chan struct{}
	stopped   chan struct{}
}

// Start starts the server. Start can be called multiple times with
// no ill effect.
func (srv *server) Start() error {
	srv.setupOnce.Do(func() {
		srv.setupErr = srv.initialize()
		if srv.setupErr == nil {
			go srv.run()
		}
	})
	return srv.setupErr
}

// ServeHTTP implements service.Handler.
func (srv *server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := srv.Start(); err != nil {
		httpserver.Error(w, "service unavailable", http.StatusInternalServerError)
		return
	}
	srv.httpHandler.ServeHTTP(w, r)
}

// CheckHealth implements service.Handler.
func (srv *server) CheckHealth(ctx context.Context) error {
	if err := srv.Start(); err != nil {
		return err
	}
	if err := srv.Store.CheckHealth(ctx); err != nil {
		return err
	}
	if hc, ok := srv.Queue.(interface{ CheckHealth(context.Context) error }); ok {
		return hc.CheckHealth(ctx)
	}
	return nil
}

// Done implements service.Handler.
func (srv *server) Done() <-chan struct{} {
	return srv.stopped
}

// Close stops background work and releases resources. Typically used
// in tests.
func (srv *server) Close() {
	if srv.Start() != nil {
		return
	}
	select {
	case srv.stop <- struct{}{}:
	default:
	}
	<-srv.stopped
}

func (srv *server) initialize() error {
	if srv.Context == nil {
		srv.Context = context.Background()
	}
	srv.logger = ctxlog.FromContext(srv.Context)
	if srv.Registry == nil {
		srv.Registry = prometheus.NewRegistry()
	}
	if srv.InstanceSetID == "" {
		// Unique per cluster, without revealing the
		// management token.
		srv.InstanceSetID = cloud.InstanceSetID(fmt.Sprintf("%x", md5.Sum([]byte(srv.Cluster.ClusterID+srv.Cluster.ManagementToken)))[:12])
	}
	srv.stop = make(chan struct{}, 1)
	srv.stopped = make(chan struct{})

	var pgs *pgstore.Store
	if srv.Store == nil {
		var err error
		pgs, err = pgstore.Open(srv.Context, srv.Cluster)
		if err != nil {
			return err
		}
		if err = pgs.Migrate(srv.Context); err != nil {
			return fmt.Errorf("error creating database schema: %w", err)
		}
		srv.Store = pgs
	}
	if srv.Locker == nil {
		switch srv.Cluster.Dispatch.LockBackend {
		case "postgresql":
			if pgs == nil {
				return errors.New("Dispatch.LockBackend is postgresql but the store is not a PostgreSQL database")
			}
			lockDB, err := pgstore.OpenLockPool(srv.Context, srv.Cluster)
			if err != nil {
				return err
			}
			srv.Locker = &dblock.PGLocker{DB: lockDB}
		default:
			srv.Locker = &dblock.LocalLocker{}
		}
	}
	if srv.InstanceSet == nil {
		is, err := newInstanceSet(srv.Cluster, srv.InstanceSetID, srv.logger)
		if err != nil {
			return fmt.Errorf("error initializing cloud driver: %w", err)
		}
		srv.InstanceSet = is
	}
	if srv.Queue == nil {
		q, err := workqueue.NewSQSQueue(srv.Cluster.WorkQueue.QueueURL, srv.Cluster.WorkQueue.Region, srv.logger)
		if err != nil {
			return fmt.Errorf("error initializing work queue: %w", err)
		}
		srv.Queue = q
	}
	srv.hub = &fanout.Hub{QueueSize: srv.Cluster.Fanout.ClientQueue, Logger: srv.logger}
	if srv.Publisher == nil {
		if pgs == nil {
			srv.Publisher = srv.hub
		} else {
			srv.Publisher = &fanout.PGPublisher{DB: pgs.DB, Channel: srv.Cluster.Fanout.Channel}
			srv.listener = &fanout.Listener{
				DataSource: srv.Cluster.PostgreSQL.Connection.String(),
				Channel:    srv.Cluster.Fanout.Channel,
				Hub:        srv.hub,
			}
		}
	}
	if srv.Authenticator == nil {
		authn, err := identity.NewAuthenticator(srv.Cluster)
		if err != nil {
			return err
		}
		srv.Authenticator = authn
	}

	jobs := &ledger.Ledger{Store: srv.Store}
	srv.nodes = node.NewRegistry(srv.Cluster, srv.Store, jobs, srv.InstanceSet, srv.Registry)
	srv.orchestrator = NewOrchestrator(
		srv.Locker,
		&admission.Controller{
			Containers:      srv.Store,
			Jobs:            jobs,
			RateLimitJobs:   srv.Cluster.Dispatch.RateLimitJobs,
			RateLimitWindow: srv.Cluster.Dispatch.RateLimitWindow.Duration(),
		},
		srv.nodes,
		dispatcher.New(jobs, srv.Publisher, srv.Queue, srv.Registry),
		jobs,
		srv.Registry)

	var mgmt http.Handler
	if srv.Cluster.ManagementToken != "" {
		mgmt = auth.RequireLiteralToken(srv.Cluster.ManagementToken, http.HandlerFunc(srv.apiNodes))
	}
	relay := &fanout.Relay{
		Hub:       srv.hub,
		Authorize: srv.authorizeEvents,
		Reject: func(w http.ResponseWriter, r *http.Request, err error) {
			respondError(w, r, err, "User is not authorized to receive this container's events.")
		},
	}
	srv.httpHandler = newRouter(srv.orchestrator, srv.Authenticator, relay, mgmt)
	return nil
}

func (srv *server) run() {
	defer close(srv.stopped)
	defer srv.InstanceSet.Stop()

	ctx, cancel := context.WithCancel(srv.Context)
	defer cancel()
	if srv.listener != nil {
		go func() {
			for ctx.Err() == nil {
				err := srv.listener.Run(ctx)
				if err != nil && ctx.Err() == nil {
					srv.logger.WithError(err).Error("event listener failed; retrying")
					select {
					case <-ctx.Done():
					case <-time.After(5 * time.Second):
					}
				}
			}
		}()
	}
	select {
	case <-srv.stop:
	case <-srv.Context.Done():
	}
}

// authorizeEvents allows a websocket client to subscribe to events
// for a container it owns. Browsers cannot set headers on websocket
// requests, so the token may also be given as a query parameter.
func (srv *server) authorizeEvents(r *http.Request) (string, error) {
	creds := auth.CredentialsFromRequest(r)
	creds.LoadTokensFromQuery(r, "token")
	userID, err := srv.Authenticator.Authenticate(r.Context(), creds.Token())
	if err != nil {
		return "", err
	}
	containerID := r.FormValue("containerId")
	if err := srv.orchestrator.Admission.Authorize(r.Context(), containerID, userID); err != nil {
		return "", err
	}
	return containerID, nil
}

// Management API: node pool state as seen by the capacity planner.
func (srv *server) apiNodes(w http.ResponseWriter, r *http.Request) {
	snap, err := srv.nodes.Snapshot(r.Context())
	if err != nil {
		httpserver.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	limits := srv.nodes.Limits
	json.NewEncoder(w).Encode(struct {
		Usable              int    `json:"usable"`
		Alive               int    `json:"alive"`
		StartingNodeID      string `json:"startingNodeId"`
		QueuedAhead         int    `json:"queuedAhead"`
		MaxNodes            int    `json:"maxNodes"`
		QueueDepthThreshold int    `json:"queueDepthThreshold"`
		WouldLaunch         bool   `json:"wouldLaunch"`
	}{
		Usable:              snap.Usable,
		Alive:               snap.Alive,
		StartingNodeID:      snap.StartingNodeID,
		QueuedAhead:         snap.QueuedAhead,
		MaxNodes:            limits.MaxNodes,
		QueueDepthThreshold: limits.QueueDepthThreshold,
		WouldLaunch:         node.Plan(snap, limits).Launch,
	})
}
