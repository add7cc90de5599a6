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

package protocol

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/vhood-net/vhood-tunnel-core/vhood/common/errors"
)

// Token is the persistent credential issued by the access manager. Clients
// store the token and may refresh it via TokenRefreshURL.
type Token struct {
	TokenID                string       `json:"TokenId"`
	Secret                 []byte       `json:"Secret"`
	ServerHostName         string       `json:"HostName"`
	HostEndPoints          []IPEndPoint `json:"HostEndPoints"`
	CertificateFingerprint []byte       `json:"CertificateHash,omitempty"`
	TokenRefreshURL        string       `json:"Url,omitempty"`
	ProtocolVersion        int          `json:"ProtocolVersion,omitempty"`
}

// accessKeyPrefixes are accepted in order; the canonical encode prefix is
// first.
var accessKeyPrefixes = []string{"vh://", "vhkey://", "vh:", "vhkey:"}

// EncodeAccessKey renders the token in the portable access-key string form,
// "vh://" followed by the base64 of the token JSON.
func (token *Token) EncodeAccessKey() (string, error) {

	if token.TokenID == "" || len(token.Secret) < 16 {
		return "", errors.TraceNew("token requires an id and a 16 byte secret")
	}

	tokenJSON, err := json.Marshal(token)
	if err != nil {
		return "", errors.Trace(err)
	}

	return accessKeyPrefixes[0] +
		base64.StdEncoding.EncodeToString(tokenJSON), nil
}

// DecodeAccessKey parses an access-key string back into a Token. The parser
// is deliberately lenient: surrounding whitespace and quotes, routinely
// introduced by copy/paste and shell quoting, are stripped before the
// prefix check.
func DecodeAccessKey(accessKey string) (*Token, error) {

	accessKey = strings.TrimSpace(accessKey)
	accessKey = strings.Trim(accessKey, "\"'")
	accessKey = strings.TrimSpace(accessKey)

	encoded := ""
	for _, prefix := range accessKeyPrefixes {
		if strings.HasPrefix(accessKey, prefix) {
			encoded = accessKey[len(prefix):]
			break
		}
	}
	if encoded == "" {
		return nil, errors.TraceNew("unrecognized access key prefix")
	}

	tokenJSON, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, errors.Trace(err)
	}

	var token Token
	err = json.Unmarshal(tokenJSON, &token)
	if err != nil {
		return nil, errors.Trace(err)
	}

	if token.TokenID == "" || len(token.Secret) < 16 {
		return nil, errors.TraceNew("access key missing token id or secret")
	}

	return &token, nil
}
