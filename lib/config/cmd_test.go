// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"bytes"
	"io"

	check "gopkg.in/check.v1"
)

var _ = check.Suite(&CommandSuite{})

type CommandSuite struct{}

func (s *CommandSuite) TestBadArg(c *check.C) {
	var stderr bytes.Buffer
	code := DumpCommand.RunCommand("cloudcontain-server config-dump", []string{"-badarg"}, bytes.NewBuffer(nil), bytes.NewBuffer(nil), &stderr)
	c.Check(code, check.Equals, 2)
	c.Check(stderr.String(), check.Equals, "error parsing command line arguments: flag provided but not defined: -badarg (try -help)\n")
}

func (s *CommandSuite) TestHelp(c *check.C) {
	for _, command := range []interface {
		RunCommand(string, []string, io.Reader, io.Writer, io.Writer) int
	}{DumpCommand, CheckCommand} {
		var stdout, stderr bytes.Buffer
		code := command.RunCommand("cloudcontain-server config-dump", []string{"-help"}, bytes.NewBuffer(nil), &stdout, &stderr)
		c.Check(code, check.Equals, 0)
		c.Check(stderr.String(), check.Matches, `(?ms)Usage: cloudcontain-server config-dump \[options\].*-config file.*`)
	}
}

func (s *CommandSuite) TestExtraArgs(c *check.C) {
	var stderr bytes.Buffer
	code := CheckCommand.RunCommand("cloudcontain-server config-check", []string{"extra"}, bytes.NewBuffer(nil), bytes.NewBuffer(nil), &stderr)
	c.Check(code, check.Equals, 2)
	c.Check(stderr.String(), check.Matches, `unrecognized command line arguments: \[extra\].*\n`)
}

func (s *CommandSuite) TestEmptyInput(c *check.C) {
	var stdout, stderr bytes.Buffer
	code := DumpCommand.RunCommand("cloudcontain-server config-dump", []string{"-config", "-"}, &bytes.Buffer{}, &stdout, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `config does not define any clusters\n`)
}

func (s *CommandSuite) TestDump(c *check.C) {
	var stdout, stderr bytes.Buffer
	in := `
Clusters:
 z1234:
  UnknownKey: foobar
  ManagementToken: secret
  Services: {Server: {InternalURLs: {"http://localhost:8000/": {}}}}
`
	code := DumpCommand.RunCommand("cloudcontain-server config-dump", []string{"-config", "-"}, bytes.NewBufferString(in), &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stdout.String(), check.Matches, `(?ms)Clusters:\n  z1234:\n.*`)
	c.Check(stdout.String(), check.Matches, `(?ms).*\n *ManagementToken: secret\n.*`)
	c.Check(stdout.String(), check.Matches, `(?ms).*\n *MaxNodes: 3\n.*`)
	c.Check(stdout.String(), check.Not(check.Matches), `(?ms).*UnknownKey.*`)
}

func (s *CommandSuite) TestCheck(c *check.C) {
	for _, trial := range []struct {
		config string
		code   int
	}{
		{`Clusters: {z1234: {ManagementToken: secret, Services: {Server: {InternalURLs: {"http://localhost:8000/": {}}}}}}`, 0},
		{`Clusters: {z1234: {Services: {Server: {InternalURLs: {"http://localhost:8000/": {}}}}}}`, 1},
		{`Clusters: {z1234: {ManagementToken: secret}}`, 1},
	} {
		var stdout, stderr bytes.Buffer
		code := CheckCommand.RunCommand("cloudcontain-server config-check", []string{"-config", "-"}, bytes.NewBufferString(trial.config), &stdout, &stderr)
		c.Check(code, check.Equals, trial.code, check.Commentf("%s\n%s", trial.config, stderr.String()))
	}
}

func (s *CommandSuite) TestDumpDefaults(c *check.C) {
	var stdout, stderr bytes.Buffer
	code := DumpDefaultsCommand.RunCommand("cloudcontain-server config-defaults", nil, nil, &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stdout.String(), check.Matches, `(?ms).*LockBackend: postgresql.*`)
}
