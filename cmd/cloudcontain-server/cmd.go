// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"git.cloudcontain.net/cloudcontain.git/lib/cmd"
	"git.cloudcontain.net/cloudcontain.git/lib/config"
	"git.cloudcontain.net/cloudcontain.git/lib/dispatchcloud"
)

var handler = cmd.Multi(map[string]cmd.Handler{
	"version":   cmd.Version,
	"-version":  cmd.Version,
	"--version": cmd.Version,

	"server":          dispatchcloud.Command,
	"config-check":    config.CheckCommand,
	"config-dump":     config.DumpCommand,
	"config-defaults": config.DumpDefaultsCommand,
})

func main() {
	cmd.Main(handler)
}
