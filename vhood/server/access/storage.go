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

package access

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/vhood-net/vhood-tunnel-core/vhood/common/errors"
	"github.com/vhood-net/vhood-tunnel-core/vhood/common/protocol"
)

// Storage layout under the storage path:
//
//	<token-id>.token       access item JSON
//	<token-id>.usage       accumulated traffic JSON
//	server-id              server instance GUID, text
//	server-key             server secret, base64 16 bytes
//	certificates/          TLS certificate and key PEM files
//	last-config.json       last applied server config
//	server.lock            single-instance lock
//	stop-command           filesystem IPC for the stop command

const (
	tokenFileSuffix = ".token"
	usageFileSuffix = ".usage"

	serverIDFileName   = "server-id"
	serverKeyFileName  = "server-key"
	lastConfigFileName = "last-config.json"
	lockFileName       = "server.lock"
	stopFileName       = "stop-command"

	certificatesDirName = "certificates"
)

// AccessItem is a token plus its quota policy, as persisted.
type AccessItem struct {
	Token          protocol.Token `json:"Token"`
	MaxClientCount int            `json:"MaxClientCount"`
	MaxTraffic     int64          `json:"MaxTraffic"`
	ExpirationTime string         `json:"ExpirationTime,omitempty"`
}

// Usage is a token's accumulated traffic, as persisted.
type Usage struct {
	Sent     int64 `json:"Sent"`
	Received int64 `json:"Received"`
}

type storage struct {
	path string
}

func newStorage(path string) (*storage, error) {
	err := os.MkdirAll(path, 0700)
	if err != nil {
		return nil, errors.Trace(err)
	}
	err = os.MkdirAll(filepath.Join(path, certificatesDirName), 0700)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &storage{path: path}, nil
}

func (s *storage) tokenPath(tokenID string) string {
	return filepath.Join(s.path, tokenID+tokenFileSuffix)
}

func (s *storage) usagePath(tokenID string) string {
	return filepath.Join(s.path, tokenID+usageFileSuffix)
}

func (s *storage) saveAccessItem(item *AccessItem) error {
	data, err := json.MarshalIndent(item, "", "    ")
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(
		os.WriteFile(s.tokenPath(item.Token.TokenID), data, 0600))
}

func (s *storage) loadAccessItem(tokenID string) (*AccessItem, error) {
	data, err := os.ReadFile(s.tokenPath(tokenID))
	if err != nil {
		return nil, errors.Trace(err)
	}
	var item AccessItem
	err = json.Unmarshal(data, &item)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &item, nil
}

func (s *storage) deleteAccessItem(tokenID string) error {
	err := os.Remove(s.tokenPath(tokenID))
	if err != nil {
		return errors.Trace(err)
	}
	// Usage may not exist yet.
	_ = os.Remove(s.usagePath(tokenID))
	return nil
}

func (s *storage) listTokenIDs() ([]string, error) {
	entries, err := os.ReadDir(s.path)
	if err != nil {
		return nil, errors.Trace(err)
	}
	var tokenIDs []string
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasSuffix(name, tokenFileSuffix) {
			tokenIDs = append(
				tokenIDs, strings.TrimSuffix(name, tokenFileSuffix))
		}
	}
	return tokenIDs, nil
}

func (s *storage) saveUsage(tokenID string, usage *Usage) error {
	data, err := json.Marshal(usage)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(os.WriteFile(s.usagePath(tokenID), data, 0600))
}

func (s *storage) loadUsage(tokenID string) (*Usage, error) {
	data, err := os.ReadFile(s.usagePath(tokenID))
	if os.IsNotExist(err) {
		return &Usage{}, nil
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	var usage Usage
	err = json.Unmarshal(data, &usage)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &usage, nil
}

// serverID loads or creates the persistent server instance id.
func (s *storage) serverID() (string, error) {
	path := filepath.Join(s.path, serverIDFileName)
	data, err := os.ReadFile(path)
	if err == nil {
		return strings.TrimSpace(string(data)), nil
	}
	if !os.IsNotExist(err) {
		return "", errors.Trace(err)
	}
	id := uuid.NewString()
	err = os.WriteFile(path, []byte(id+"\n"), 0600)
	if err != nil {
		return "", errors.Trace(err)
	}
	return id, nil
}

// serverKey loads or creates the persistent 16 byte server secret.
func (s *storage) serverKey() ([]byte, error) {
	path := filepath.Join(s.path, serverKeyFileName)
	data, err := os.ReadFile(path)
	if err == nil {
		key, err := base64.StdEncoding.DecodeString(
			strings.TrimSpace(string(data)))
		if err != nil {
			return nil, errors.Trace(err)
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, errors.Trace(err)
	}
	key := make([]byte, 16)
	_, err = rand.Read(key)
	if err != nil {
		return nil, errors.Trace(err)
	}
	err = os.WriteFile(
		path, []byte(base64.StdEncoding.EncodeToString(key)+"\n"), 0600)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return key, nil
}

// saveLastConfig caches the last applied server config.
func (s *storage) saveLastConfig(configJSON []byte) error {
	return errors.Trace(os.WriteFile(
		filepath.Join(s.path, lastConfigFileName), configJSON, 0600))
}

// loadLastConfig returns the cached config, or nil when absent.
func (s *storage) loadLastConfig() ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.path, lastConfigFileName))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	return data, nil
}
