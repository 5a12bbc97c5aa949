// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package cloudcontain holds the record types, configuration types,
// and error values shared by the cloudcontain server components.
package cloudcontain
