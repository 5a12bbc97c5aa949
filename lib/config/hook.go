// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import "github.com/sirupsen/logrus"

// countingHook counts log entries at warning level and above.
type countingHook struct {
	count int
}

func (h *countingHook) Levels() []logrus.Level {
	return []logrus.Level{logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel, logrus.WarnLevel}
}

func (h *countingHook) Fire(*logrus.Entry) error {
	h.count++
	return nil
}
