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
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"

	"github.com/google/uuid"
	"github.com/vhood-net/vhood-tunnel-core/vhood/common/errors"
)

// EncryptClientID proves possession of the token secret in a Hello request:
// the 128-bit client id is encrypted with AES-CBC under the token secret,
// with a zero IV and no padding. The client id is exactly one AES block, so
// the result is deterministic; the server repeats the computation and
// compares.
func EncryptClientID(clientID string, secret []byte) ([]byte, error) {

	id, err := uuid.Parse(clientID)
	if err != nil {
		return nil, errors.Trace(err)
	}

	block, err := aes.NewCipher(secret)
	if err != nil {
		return nil, errors.Trace(err)
	}

	iv := make([]byte, block.BlockSize())
	encrypted := make([]byte, len(id))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(encrypted, id[:])

	return encrypted, nil
}

// VerifyClientID checks an encrypted client id against the claimed clear
// client id using a constant time comparison.
func VerifyClientID(
	encryptedClientID []byte, clientID string, secret []byte) (bool, error) {

	expected, err := EncryptClientID(clientID, secret)
	if err != nil {
		return false, errors.Trace(err)
	}

	return subtle.ConstantTimeCompare(encryptedClientID, expected) == 1, nil
}
