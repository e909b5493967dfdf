/*
 * Copyright (c) 2025 Johan Stenstam, johan.stenstam@internetstiftelsen.se
 */
package edns0

import (
	"encoding/binary"
	"fmt"

	"github.com/miekg/dns"
)

// MsgOptions carries the EDNS(0) options and flags relevant to zone
// transfer and refresh traffic: the DO bit, an optional RFC 7314 EXPIRE
// value, NSID, and a COOKIE if the peer sent one.
type MsgOptions struct {
	RD         bool
	CD         bool
	DO         bool
	HasExpire  bool
	Expire     uint32
	Nsid       string
	HasCookie  bool
	ClientCookie string
	ServerCookie string
}

// ExtractFlagsAndEDNS0Options parses the EDNS(0) pseudo-RR of a message,
// if present, into a MsgOptions value.
func ExtractFlagsAndEDNS0Options(r *dns.Msg) (*MsgOptions, error) {
	msgoptions := &MsgOptions{}
	msgoptions.CD = r.MsgHdr.CheckingDisabled
	msgoptions.RD = r.MsgHdr.RecursionDesired

	opt := r.IsEdns0()
	if opt == nil {
		return msgoptions, nil
	}

	msgoptions.DO = opt.Do()

	for _, option := range opt.Option {
		switch o := option.(type) {
		case *dns.EDNS0_NSID:
			msgoptions.Nsid = o.Nsid
		case *dns.EDNS0_COOKIE:
			msgoptions.HasCookie = true
			msgoptions.ClientCookie = o.Cookie
		case *dns.EDNS0_EXPIRE:
			// An empty EXPIRE option (as sent on queries) carries no
			// value and does not count as a received expire.
			if !o.Empty {
				msgoptions.HasExpire = true
				msgoptions.Expire = o.Expire
			}
		case *dns.EDNS0_LOCAL:
			// Some primaries hand back EXPIRE as an opaque local
			// option; decode it the hard way.
			if o.Code == EDNS0_EXPIRE_OPTION_CODE {
				expire, err := decodeExpire(o.Data)
				if err != nil {
					return nil, err
				}
				msgoptions.HasExpire = true
				msgoptions.Expire = expire
			}
		}
	}

	return msgoptions, nil
}

// NewExpireOption builds the EDNS(0) EXPIRE option (RFC 7314). A query
// carries the empty form; a response carries the remaining expire value
// in seconds.
func NewExpireOption(expire uint32) *dns.EDNS0_EXPIRE {
	return &dns.EDNS0_EXPIRE{
		Code:   EDNS0_EXPIRE_OPTION_CODE,
		Expire: expire,
		Empty:  expire == 0,
	}
}

func decodeExpire(data []byte) (uint32, error) {
	if len(data) == 0 {
		return 0, nil
	}
	if len(data) != 4 {
		return 0, fmt.Errorf("edns0: EXPIRE option data length is %d, want 0 or 4", len(data))
	}
	return binary.BigEndian.Uint32(data), nil
}

// NewCookieOption builds an EDNS(0) COOKIE option carrying only a
// client cookie, for use on the initial query in a cookie exchange.
func NewCookieOption(clientCookie string) *dns.EDNS0_COOKIE {
	return &dns.EDNS0_COOKIE{Cookie: clientCookie}
}

// NewNsidOption builds an empty EDNS(0) NSID option requesting the
// responder identify itself.
func NewNsidOption() *dns.EDNS0_NSID {
	return &dns.EDNS0_NSID{}
}

// NewPaddingOption builds an EDNS(0) PADDING option (RFC 7830) that
// rounds a message of msgLen bytes up to the next multiple of block.
func NewPaddingOption(msgLen, block int) *dns.EDNS0_PADDING {
	pad := block - (msgLen % block)
	if pad == block {
		pad = 0
	}
	return &dns.EDNS0_PADDING{Padding: make([]byte, pad)}
}
