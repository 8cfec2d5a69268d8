// SPDX-FileCopyrightText: Copyright (C) 2026  The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

//go:build pyroscope
// +build pyroscope

// Package profiling optionally starts continuous profiling.
package profiling

import (
	"errors"
	"maps"
	"os"

	"github.com/grafana/pyroscope-go"
	"gopkg.in/op/go-logging.v1"
)

const defaultAppName = "ssurouter"

// Start initializes Pyroscope profiling.  The server address is taken from
// PYROSCOPE_SERVER_ADDRESS, and tags are attached to every profile.
func Start(log *logging.Logger, tags map[string]string) error {
	serverAddress := os.Getenv("PYROSCOPE_SERVER_ADDRESS")
	if serverAddress == "" {
		return errors.New("profiling: PYROSCOPE_SERVER_ADDRESS is not set")
	}
	appName := os.Getenv("PYROSCOPE_APP_NAME")
	if appName == "" {
		appName = defaultAppName
	}

	allTags := maps.Clone(tags)
	if allTags == nil {
		allTags = make(map[string]string)
	}
	if serviceTag := os.Getenv("PYROSCOPE_SERVICE_TAG"); serviceTag != "" {
		allTags["service"] = serviceTag
	}

	_, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: appName,
		ServerAddress:   serverAddress,
		Logger:          pyroscope.StandardLogger,
		Tags:            allTags,
	})
	if err != nil {
		return err
	}
	log.Noticef("Pyroscope profiling to %s as %s", serverAddress, appName)
	return nil
}
