// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package sasl

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"hash"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// gs2Header is the GS2 header for a client without channel binding.
const gs2Header = "n,,"

type scramStep int

const (
	scramInitial scramStep = iota
	scramClientFirst
	scramClientFinal
	scramDone
)

// scram implements SCRAM (RFC 5802, RFC 7677) without channel binding.
type scram struct {
	name   string
	hash   func() hash.Hash
	creds  Credentials
	nonce  func() string
	step   scramStep
	cnonce string

	clientFirstBare string
	serverSignature []byte
}

func newSCRAM(name string, creds Credentials) *scram {
	s := &scram{name: name, creds: creds, nonce: randomNonce}
	switch name {
	case MechSCRAMSHA1:
		s.hash = sha1.New
	case MechSCRAMSHA256:
		s.hash = sha256.New
	default:
		s.hash = sha512.New
	}
	return s
}

func randomNonce() string {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return base64.RawStdEncoding.EncodeToString(b)
}

func (s *scram) Name() string { return s.name }

func (s *scram) Start() ([]byte, error) {
	s.cnonce = s.nonce()
	s.clientFirstBare = "n=" + escapeUsername(s.creds.Username) + ",r=" + s.cnonce
	s.step = scramClientFirst
	return []byte(gs2Header + s.clientFirstBare), nil
}

func (s *scram) Step(challenge []byte) ([]byte, error) {
	switch s.step {
	case scramClientFirst:
		return s.clientFinal(string(challenge))
	case scramClientFinal:
		// Some servers send server-final as a challenge and expect an empty
		// response before the outcome.
		if err := s.Finish(challenge); err != nil {
			return nil, err
		}
		return []byte{}, nil
	default:
		return nil, ErrUnexpectedStep
	}
}

func (s *scram) clientFinal(serverFirst string) ([]byte, error) {
	attrs := parseSCRAM(serverFirst)
	if e, ok := attrs["e"]; ok {
		return nil, fmt.Errorf("scram server error: %s", e)
	}
	nonce, salt64, iter64 := attrs["r"], attrs["s"], attrs["i"]
	if !strings.HasPrefix(nonce, s.cnonce) || len(nonce) == len(s.cnonce) {
		return nil, fmt.Errorf("scram: server nonce does not extend client nonce")
	}
	salt, err := base64.StdEncoding.DecodeString(salt64)
	if err != nil {
		return nil, fmt.Errorf("scram: invalid salt: %w", err)
	}
	iter, err := strconv.Atoi(iter64)
	if err != nil || iter < 1 {
		return nil, fmt.Errorf("scram: invalid iteration count %q", iter64)
	}

	withoutProof := "c=" + base64.StdEncoding.EncodeToString([]byte(gs2Header)) + ",r=" + nonce
	authMessage := s.clientFirstBare + "," + serverFirst + "," + withoutProof

	salted := pbkdf2.Key([]byte(s.creds.Password), salt, iter, s.hash().Size(), s.hash)
	clientKey := s.hmac(salted, "Client Key")
	h := s.hash()
	h.Write(clientKey)
	storedKey := h.Sum(nil)
	clientSig := s.hmac(storedKey, authMessage)
	proof := make([]byte, len(clientKey))
	for i := range clientKey {
		proof[i] = clientKey[i] ^ clientSig[i]
	}
	s.serverSignature = s.hmac(s.hmac(salted, "Server Key"), authMessage)
	s.step = scramClientFinal

	return []byte(withoutProof + ",p=" + base64.StdEncoding.EncodeToString(proof)), nil
}

// Finish verifies the server-final message.
func (s *scram) Finish(serverFinal []byte) error {
	if s.step == scramDone {
		return nil
	}
	if s.step != scramClientFinal {
		return ErrUnexpectedStep
	}
	attrs := parseSCRAM(string(serverFinal))
	if e, ok := attrs["e"]; ok {
		return fmt.Errorf("scram server error: %s", e)
	}
	v, err := base64.StdEncoding.DecodeString(attrs["v"])
	if err != nil || !hmac.Equal(v, s.serverSignature) {
		return ErrServerVerification
	}
	s.step = scramDone
	return nil
}

func (s *scram) hmac(key []byte, msg string) []byte {
	mac := hmac.New(s.hash, key)
	mac.Write([]byte(msg))
	return mac.Sum(nil)
}

func parseSCRAM(msg string) map[string]string {
	attrs := make(map[string]string)
	for _, part := range strings.Split(msg, ",") {
		if len(part) < 2 || part[1] != '=' {
			continue
		}
		attrs[part[:1]] = part[2:]
	}
	return attrs
}

func escapeUsername(u string) string {
	return strings.NewReplacer("=", "=3D", ",", "=2C").Replace(u)
}
