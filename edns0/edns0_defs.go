/*
 * Copyright (c) 2025 Johan Stenstam, johan.stenstam@internetstiftelsen.se
 */
package edns0

import "github.com/miekg/dns"

// EDNS0 option codes used by the refresh engine. EXPIRE and COOKIE have
// IANA-assigned codes; NSID and CLIENT_SUBNET are handled natively by
// miekg/dns and don't need a local wrapper.
const (
	EDNS0_EXPIRE_OPTION_CODE = dns.EDNS0EXPIRE // RFC 7314, code 9
)
