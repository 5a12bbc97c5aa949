// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cloudcontain

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

const DefaultConfigFile = "/etc/cloudcontain/config.yml"

type Config struct {
	Clusters map[string]Cluster
}

// GetCluster returns the cluster ID and config for the given
// cluster, or the default/only configured cluster if clusterID is "".
func (sc *Config) GetCluster(clusterID string) (*Cluster, error) {
	if clusterID == "" {
		if len(sc.Clusters) == 0 {
			return nil, fmt.Errorf("no clusters configured")
		} else if len(sc.Clusters) > 1 {
			return nil, fmt.Errorf("multiple clusters configured, cannot choose")
		} else {
			for id, cc := range sc.Clusters {
				cc.ClusterID = id
				return &cc, nil
			}
		}
	}
	cc, ok := sc.Clusters[clusterID]
	if !ok {
		return nil, fmt.Errorf("cluster %q is not configured", clusterID)
	}
	cc.ClusterID = clusterID
	return &cc, nil
}

type Cluster struct {
	ClusterID       string `json:"-"`
	ManagementToken string

	SystemLogs struct {
		LogLevel string
		Format   string
	}
	Services struct {
		Server         Service
		AllowedOrigins []string
	}
	API struct {
		RequestTimeout        Duration
		MaxConcurrentRequests int
	}
	PostgreSQL struct {
		Connection     PostgreSQLConnection
		ConnectionPool int
	}
	Login struct {
		// OpenID Connect issuer, e.g., "https://example.auth0.com/".
		Issuer string
		// Expected "aud" claim of bearer tokens.
		Audience       string
		TokenCacheSize int
	}
	Dispatch struct {
		// Never launch a node while this many nodes are
		// usable.
		MaxNodes int
		// Launch another node when this many jobs are
		// waiting, even if some nodes are usable.
		QueueDepthThreshold int
		// Each user may queue at most RateLimitJobs jobs per
		// RateLimitWindow.
		RateLimitJobs   int
		RateLimitWindow Duration
		// "postgresql" (advisory locks) or "local"
		// (in-process mutexes, single server only).
		LockBackend string
		// Size of the connection pool reserved for
		// advisory locks. Each request holding locks uses
		// one connection.
		LockConnectionPool int
	}
	CloudVMs struct {
		Driver           string
		DriverParameters json.RawMessage
		ImageID          string
		InstanceType     string
		NamePrefix       string
		// Maximum provider API calls per second, or 0 for
		// no limit.
		MaxCloudOpsPerSecond int
	}
	WorkQueue struct {
		QueueURL string
		Region   string
	}
	Fanout struct {
		// PostgreSQL NOTIFY channel used for job events.
		Channel string
		// Events buffered per websocket client.
		ClientQueue int
	}
}

type Service struct {
	InternalURLs map[URL]struct{}
	ExternalURL  URL
}

// URL is a url.URL that is also usable as a JSON key/value.
type URL url.URL

// UnmarshalText implements encoding.TextUnmarshaler so URL can be
// used as a JSON key/value.
func (su *URL) UnmarshalText(text []byte) error {
	u, err := url.Parse(string(text))
	if err == nil {
		*su = URL(*u)
		if su.Path == "" && su.Host != "" {
			// http://example really means http://example/
			su.Path = "/"
		}
	}
	return err
}

func (su URL) MarshalText() ([]byte, error) {
	return []byte(su.String()), nil
}

func (su URL) String() string {
	return (*url.URL)(&su).String()
}

type PostgreSQLConnection map[string]string

func (c PostgreSQLConnection) String() string {
	s := ""
	for k, v := range c {
		if v == "" {
			continue
		}
		s += strings.ToLower(k)
		s += "='"
		s += strings.Replace(
			strings.Replace(v, `\`, `\\`, -1),
			`'`, `\'`, -1)
		s += "' "
	}
	return s
}
