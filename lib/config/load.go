// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"bytes"
	_ "embed"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"dario.cat/mergo"
	"git.cloudcontain.net/cloudcontain.git/sdk/go/cloudcontain"
	"github.com/ghodss/yaml"
	"github.com/sirupsen/logrus"
)

//go:embed config.default.yml
var DefaultYAML []byte

type Loader struct {
	Logger logrus.FieldLogger

	// Config file path; "-" means read from stdin.
	Path string

	stdin io.Reader
}

// NewLoader returns a new Loader with Path set to the default config
// file location.
func NewLoader(stdin io.Reader, logger logrus.FieldLogger) *Loader {
	ldr := &Loader{stdin: stdin, Logger: logger}
	ldr.SetupFlags(flag.NewFlagSet("", flag.ContinueOnError))
	ldr.Path = cloudcontain.DefaultConfigFile
	return ldr
}

// SetupFlags configures a flagset so arguments like -config X can be
// used to change the loader's Path field.
//
//	ldr := NewLoader(os.Stdin, logger)
//	flagset := flag.NewFlagSet("", flag.ContinueOnError)
//	ldr.SetupFlags(flagset)
//	// ldr.Path == "/etc/cloudcontain/config.yml"
//	flagset.Parse([]string{"-config", "/tmp/c.yaml"})
//	// ldr.Path == "/tmp/c.yaml"
func (ldr *Loader) SetupFlags(flagset *flag.FlagSet) {
	flagset.StringVar(&ldr.Path, "config", cloudcontain.DefaultConfigFile, "Site configuration `file` (default may be overridden by setting a CLOUDCONTAIN_CONFIG environment variable)")
}

// Load reads the config file at ldr.Path, fills in defaults for each
// cluster it defines, and checks the result.
func (ldr *Loader) Load() (*cloudcontain.Config, error) {
	path := ldr.Path
	if env := os.Getenv("CLOUDCONTAIN_CONFIG"); env != "" && path == cloudcontain.DefaultConfigFile {
		path = env
	}
	var buf []byte
	var err error
	if path == "-" {
		buf, err = io.ReadAll(ldr.stdin)
	} else {
		buf, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}
	return ldr.load(buf)
}

func (ldr *Loader) load(buf []byte) (*cloudcontain.Config, error) {
	var supplied cloudcontain.Config
	err := yaml.Unmarshal(buf, &supplied)
	if err != nil {
		return nil, err
	}
	if len(supplied.Clusters) == 0 {
		return nil, errors.New("config does not define any clusters")
	}
	cfg := cloudcontain.Config{Clusters: map[string]cloudcontain.Cluster{}}
	for id, cc := range supplied.Clusters {
		var defaults cloudcontain.Config
		err = yaml.Unmarshal(bytes.Replace(DefaultYAML, []byte("xxxxx"), []byte(id), -1), &defaults)
		if err != nil {
			return nil, fmt.Errorf("loading defaults for %s: %w", id, err)
		}
		merged := defaults.Clusters[id]
		err = mergo.Merge(&merged, cc, mergo.WithOverride)
		if err != nil {
			return nil, fmt.Errorf("applying config for %s: %w", id, err)
		}
		merged.ClusterID = id
		err = ldr.check(&merged)
		if err != nil {
			return nil, fmt.Errorf("cluster %s: %w", id, err)
		}
		cfg.Clusters[id] = merged
	}
	return &cfg, nil
}

func (ldr *Loader) check(cc *cloudcontain.Cluster) error {
	if cc.Dispatch.MaxNodes < 1 {
		return fmt.Errorf("Dispatch.MaxNodes must be at least 1 (got %d)", cc.Dispatch.MaxNodes)
	}
	if cc.Dispatch.RateLimitJobs < 1 {
		return fmt.Errorf("Dispatch.RateLimitJobs must be at least 1 (got %d)", cc.Dispatch.RateLimitJobs)
	}
	if cc.Dispatch.RateLimitWindow <= 0 {
		return errors.New("Dispatch.RateLimitWindow must be positive")
	}
	switch cc.Dispatch.LockBackend {
	case "postgresql":
		if cc.Dispatch.LockConnectionPool < 1 {
			return fmt.Errorf("Dispatch.LockConnectionPool must be at least 1 (got %d)", cc.Dispatch.LockConnectionPool)
		}
	case "local":
	default:
		return fmt.Errorf("unsupported Dispatch.LockBackend %q", cc.Dispatch.LockBackend)
	}
	if len(cc.Services.Server.InternalURLs) == 0 {
		return errors.New("Services.Server.InternalURLs is empty")
	}
	if cc.ManagementToken == "" && ldr.Logger != nil {
		ldr.Logger.Warn("ManagementToken is empty, health and metrics endpoints are disabled")
	}
	for _, origin := range cc.Services.AllowedOrigins {
		if !strings.HasPrefix(origin, "http://") && !strings.HasPrefix(origin, "https://") {
			return fmt.Errorf("Services.AllowedOrigins entry %q is not an http(s) origin", origin)
		}
	}
	return nil
}
