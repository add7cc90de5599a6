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

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vhood-net/vhood-tunnel-core/vhood"
	"github.com/vhood-net/vhood-tunnel-core/vhood/common"
)

// The console client performs a connection check against a server named by
// an access key: it establishes a session, maintains its datagram channels,
// and reports traffic statistics until interrupted. Packet capture requires
// a network device and is provided by platform embedders, not by this tool.
func main() {

	var accessKey string
	flag.StringVar(&accessKey, "accesskey", "", "access key string")

	var accessKeyFilename string
	flag.StringVar(&accessKeyFilename, "accesskey-file", "", "access key input file")

	var clientID string
	flag.StringVar(&clientID, "clientid", "", "persistent client id; generated when blank")

	var useUDPChannel bool
	flag.BoolVar(&useUDPChannel, "use-udp-channel", false, "carry datagrams over the UDP channel")

	var statsPeriod int
	flag.IntVar(&statsPeriod, "stats-period", 10, "seconds between traffic reports; 0 disables")

	var timeout int
	flag.IntVar(&timeout, "timeout", 30, "connect timeout in seconds")

	var logLevel string
	flag.StringVar(&logLevel, "loglevel", "info", "log level: panic, fatal, error, warn, info, debug")

	flag.Parse()

	if accessKeyFilename != "" {
		data, err := os.ReadFile(accessKeyFilename)
		if err != nil {
			fmt.Fprintf(os.Stderr, "read access key file failed: %s\n", err)
			os.Exit(1)
		}
		accessKey = strings.TrimSpace(string(data))
	}
	if accessKey == "" {
		fmt.Fprintf(os.Stderr, "an access key is required\n")
		flag.Usage()
		os.Exit(1)
	}

	logger, err := newLogger(logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}

	client, err := vhood.NewClient(&vhood.Config{
		AccessKey:     accessKey,
		ClientID:      clientID,
		UseUDPChannel: useUDPChannel,
		Logger:        logger,
		OnStateChanged: func(state vhood.State) {
			logger.WithTraceFields(common.LogFields{
				"state": state.String(),
			}).Info("state changed")
		},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "create client failed: %s\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(
		context.Background(), time.Duration(timeout)*time.Second)
	err = client.Connect(ctx)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect failed: %s\n", err)
		os.Exit(1)
	}

	logger.WithTraceFields(common.LogFields{
		"sessionId": client.SessionID(),
		"clientId":  client.ClientID(),
	}).Info("session established")

	stopSignal := make(chan os.Signal, 1)
	signal.Notify(stopSignal, os.Interrupt, syscall.SIGTERM)

	var statsChannel <-chan time.Time
	if statsPeriod > 0 {
		ticker := time.NewTicker(time.Duration(statsPeriod) * time.Second)
		defer ticker.Stop()
		statsChannel = ticker.C
	}

loop:
	for {
		select {
		case <-stopSignal:
			break loop
		case <-statsChannel:
			traffic := client.Traffic()
			speed := client.Speed()
			logger.WithTraceFields(common.LogFields{
				"bytesSent":     traffic.Sent,
				"bytesReceived": traffic.Received,
				"sendRate":      speed.Sent,
				"receiveRate":   speed.Received,
			}).Info("traffic")
		}
		if client.State() != vhood.StateConnected {
			break
		}
	}

	client.Close()
}

// logrusLogger adapts logrus to the client's logging interface.
type logrusLogger struct {
	logger *logrus.Logger
}

func newLogger(level string) (*logrusLogger, error) {
	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %s", level)
	}
	logger := logrus.New()
	logger.SetLevel(logLevel)
	logger.SetOutput(os.Stderr)
	return &logrusLogger{logger: logger}, nil
}

func (l *logrusLogger) WithTrace() common.LogTrace {
	return logrus.NewEntry(l.logger)
}

func (l *logrusLogger) WithTraceFields(fields common.LogFields) common.LogTrace {
	return l.logger.WithFields(logrus.Fields(fields))
}

func (l *logrusLogger) LogMetric(metric string, fields common.LogFields) {
	l.logger.WithFields(logrus.Fields(fields)).Info(metric)
}
