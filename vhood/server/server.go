/*
 * Copyright (c) 2026, VHood Inc.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

/*

Package server implements the vhood tunnel server: TLS control listeners,
per-session packet tunnels with their UDP and ICMP proxy pools, and access
manager integration for session credentials and usage accounting.

*/
package server

import (
	"context"
	"crypto/tls"
	"os"
	"os/signal"
	"syscall"

	"github.com/vhood-net/vhood-tunnel-core/vhood/common/errors"
	"github.com/vhood-net/vhood-tunnel-core/vhood/server/access"
)

// RunServices loads the config, initializes logging and the access
// manager, and runs the tunnel server until a SIGINT/SIGTERM, a stop
// command file, or a stop requested through stopSignal.
func RunServices(configJSON []byte, stopSignal <-chan struct{}) error {

	config, err := LoadConfig(configJSON)
	if err != nil {
		return errors.Trace(err)
	}

	err = InitLogging(config)
	if err != nil {
		return errors.Trace(err)
	}

	accessManager, certificate, release, err := initAccessManager(
		config, configJSON)
	if err != nil {
		log.WithTraceFields(LogFields{
			"error": err.Error(),
		}).Error("access manager initialization failed")
		return errors.Trace(err)
	}
	defer release()

	tunnelServer, err := NewTunnelServer(config, accessManager, certificate)
	if err != nil {
		return errors.Trace(err)
	}

	systemStopSignal := make(chan os.Signal, 1)
	signal.Notify(systemStopSignal, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(systemStopSignal)

	go func() {
		select {
		case <-systemStopSignal:
		case <-stopSignal:
		}
		tunnelServer.Stop()
	}()

	// The stop CLI command signals a running server through a file in the
	// storage directory.
	watchContext, stopWatching := context.WithCancel(context.Background())
	defer stopWatching()
	access.WatchStop(
		watchContext, config.StoragePath, func() { tunnelServer.Stop() })

	log.WithTraceFields(LogFields{
		"version": SERVER_VERSION,
	}).Info("starting")

	err = tunnelServer.Run()
	tunnelServer.Stop()
	return errors.Trace(err)
}

// initAccessManager selects the HTTP access manager when a controller URL
// is configured and the self-contained file-backed manager otherwise. The
// TLS certificate comes from the config when set, and from the file-backed
// store otherwise.
func initAccessManager(
	config *Config,
	configJSON []byte) (access.AccessManager, tls.Certificate, func(), error) {

	release := func() {}

	var configCertificate *tls.Certificate
	if config.TLSCertificate != "" {
		certificate, err := tls.X509KeyPair(
			[]byte(config.TLSCertificate), []byte(config.TLSPrivateKey))
		if err != nil {
			return nil, tls.Certificate{}, nil, errors.Trace(err)
		}
		configCertificate = &certificate
	}

	if config.AccessManagerURL != "" {
		if configCertificate == nil {
			return nil, tls.Certificate{}, nil, errors.TraceNew(
				"TLSCertificate is required with an HTTP access manager")
		}
		serverSecret := []byte(config.AccessManagerKey)
		manager := access.NewHTTPManager(
			config.AccessManagerURL, config.AccessManagerKey, serverSecret)
		return manager, *configCertificate, release, nil
	}

	fileManager, err := access.NewManager(
		config.StoragePath, "", config.TCPEndPoints())
	if err != nil {
		return nil, tls.Certificate{}, nil, errors.Trace(err)
	}

	err = fileManager.AcquireLock()
	if err != nil {
		return nil, tls.Certificate{}, nil, errors.Trace(err)
	}
	release = fileManager.ReleaseLock

	err = fileManager.SaveLastConfig(configJSON)
	if err != nil {
		release()
		return nil, tls.Certificate{}, nil, errors.Trace(err)
	}

	certificate := fileManager.Certificate()
	if configCertificate != nil {
		certificate = *configCertificate
	}

	return fileManager, certificate, release, nil
}
