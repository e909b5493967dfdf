/*
 * Copyright (c) 2025 Johan Stenstam, johan.stenstam@internetstiftelsen.se
 */

package xfrd

import (
	"fmt"
	"time"

	"github.com/miekg/dns"
)

// TsigUnsignedRunError is returned when a multi-message exchange has
// gone more than 99 messages without a verified TSIG MAC.
type TsigUnsignedRunError struct {
	Unsigned int
}

func (e *TsigUnsignedRunError) Error() string {
	return fmt.Sprintf("tsig: %d unsigned messages since last verified MAC", e.Unsigned)
}

// TsigContext tracks the running MAC chain across a multi-message
// AXFR/IXFR exchange: RFC 8945 requires the first and last message of
// a multi-message response to carry a TSIG, and recommends verifying
// at least every 100 messages in between.
type TsigContext struct {
	KeyName   string
	Algorithm string
	Secret    string

	lastMAC      string
	unsignedRun  int
	messagesSeen int
}

func NewTsigContext(keyName, algorithm, secret string) *TsigContext {
	return &TsigContext{KeyName: keyName, Algorithm: algorithm, Secret: secret}
}

// Sign attaches a TSIG RR to the outgoing query; miekg/dns computes
// the MAC when the message is sent with the key's secret.
func (tc *TsigContext) Sign(m *dns.Msg) {
	if tc == nil || tc.KeyName == "" {
		return
	}
	algo := tc.Algorithm
	if algo == "" {
		algo = dns.HmacSHA256
	}
	m.SetTsig(dns.Fqdn(tc.KeyName), algo, 300, time.Now().Unix())
}

// Observe is called once per response message in the exchange; verified
// reports whether this particular message carried a MAC that checked
// out against the request's running context (left to the transport
// layer, which has access to the raw wire bytes via dns.Client).
func (tc *TsigContext) Observe(verified bool, isFinal bool) error {
	tc.messagesSeen++
	if verified {
		tc.unsignedRun = 0
		return nil
	}
	tc.unsignedRun++
	if tc.unsignedRun > 99 {
		return &TsigUnsignedRunError{Unsigned: tc.unsignedRun}
	}
	if isFinal {
		return &TsigUnsignedRunError{Unsigned: tc.unsignedRun}
	}
	return nil
}

// TsigSecretsMap builds the key-name -> base64-secret map the
// miekg/dns client and transfer APIs expect.
func TsigSecretsMap(remotes map[string]RemoteConf) map[string]string {
	secrets := make(map[string]string)
	for _, r := range remotes {
		if r.TsigKeyName != "" && r.TsigSecret != "" {
			secrets[dns.Fqdn(r.TsigKeyName)] = r.TsigSecret
		}
	}
	return secrets
}
