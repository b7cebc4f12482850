// Package core holds the in-memory query pipeline: string interner,
// aggregate tables, query ring, overtime buckets, the classifier state
// machine and the per-client rate limiter. All mutable state lives behind
// a single Core mutex.
package core

import (
	"strings"

	"github.com/miekg/dns"
)

// QueryType is the record type of a DNS query. The numeric values are
// stable: they are stored in the SQL mirror and must not be reordered.
type QueryType int

const (
	TypeA QueryType = iota
	TypeAAAA
	TypePTR
	TypeSRV
	TypeTXT
	TypeCNAME
	TypeSOA
	TypeMX
	TypeNS
	TypeANY
	TypeSVCB
	TypeHTTPS
	TypeNAPTR
	TypeDS
	TypeDNSKEY
	TypeOther
	numQueryTypes
)

var queryTypeNames = [numQueryTypes]string{
	"A", "AAAA", "PTR", "SRV", "TXT", "CNAME", "SOA", "MX", "NS", "ANY",
	"SVCB", "HTTPS", "NAPTR", "DS", "DNSKEY", "OTHER",
}

func (t QueryType) String() string {
	if t < 0 || t >= numQueryTypes {
		return "OTHER"
	}
	return queryTypeNames[t]
}

// QueryTypeFromWire maps a wire-format RR type to the tracked enum.
// Everything we do not track individually collapses into OTHER.
func QueryTypeFromWire(rrtype uint16) QueryType {
	switch rrtype {
	case dns.TypeA:
		return TypeA
	case dns.TypeAAAA:
		return TypeAAAA
	case dns.TypePTR:
		return TypePTR
	case dns.TypeSRV:
		return TypeSRV
	case dns.TypeTXT:
		return TypeTXT
	case dns.TypeCNAME:
		return TypeCNAME
	case dns.TypeSOA:
		return TypeSOA
	case dns.TypeMX:
		return TypeMX
	case dns.TypeNS:
		return TypeNS
	case dns.TypeANY:
		return TypeANY
	case dns.TypeSVCB:
		return TypeSVCB
	case dns.TypeHTTPS:
		return TypeHTTPS
	case dns.TypeNAPTR:
		return TypeNAPTR
	case dns.TypeDS:
		return TypeDS
	case dns.TypeDNSKEY:
		return TypeDNSKEY
	default:
		return TypeOther
	}
}

// ParseQueryType resolves a canonical type string to its enum value.
// The scan is case-insensitive; ok is false for unknown strings.
func ParseQueryType(s string) (QueryType, bool) {
	for t := TypeA; t < numQueryTypes; t++ {
		if strings.EqualFold(s, queryTypeNames[t]) {
			return t, true
		}
	}
	return TypeOther, false
}

// QueryStatus is the classification of a query. Values are stable, they
// are stored in the SQL mirror and used in API filter parameters.
type QueryStatus int

const (
	StatusUnknown QueryStatus = iota
	StatusGravity
	StatusForwarded
	StatusCache
	StatusRegex
	StatusDenylist
	StatusExternalBlockedIP
	StatusExternalBlockedNull
	StatusExternalBlockedNXRA
	StatusGravityCNAME
	StatusRegexCNAME
	StatusDenylistCNAME
	StatusRetried
	StatusRetriedDNSSEC
	StatusInProgress
	StatusDBBusy
	StatusSpecialDomain
	StatusCacheStale
	numStatuses
)

var statusNames = [numStatuses]string{
	"UNKNOWN", "GRAVITY", "FORWARDED", "CACHE", "REGEX", "DENYLIST",
	"EXTERNAL_BLOCKED_IP", "EXTERNAL_BLOCKED_NULL", "EXTERNAL_BLOCKED_NXRA",
	"GRAVITY_CNAME", "REGEX_CNAME", "DENYLIST_CNAME", "RETRIED",
	"RETRIED_DNSSEC", "IN_PROGRESS", "DBBUSY", "SPECIAL_DOMAIN", "CACHE_STALE",
}

func (s QueryStatus) String() string {
	if s < 0 || s >= numStatuses {
		return "UNKNOWN"
	}
	return statusNames[s]
}

// ParseQueryStatus resolves a canonical status string to its enum value.
func ParseQueryStatus(s string) (QueryStatus, bool) {
	for st := StatusUnknown; st < numStatuses; st++ {
		if strings.EqualFold(s, statusNames[st]) {
			return st, true
		}
	}
	return StatusUnknown, false
}

// IsBlocked reports whether the status counts as a blocked query for the
// aggregate counters.
func (s QueryStatus) IsBlocked() bool {
	switch s {
	case StatusGravity, StatusRegex, StatusDenylist,
		StatusExternalBlockedIP, StatusExternalBlockedNull, StatusExternalBlockedNXRA,
		StatusGravityCNAME, StatusRegexCNAME, StatusDenylistCNAME,
		StatusDBBusy, StatusSpecialDomain:
		return true
	default:
		return false
	}
}

// IsCached reports whether the status counts as answered from cache.
func (s QueryStatus) IsCached() bool {
	return s == StatusCache || s == StatusCacheStale
}

// ReplyType describes the answer a client received.
type ReplyType int

const (
	ReplyUnknown ReplyType = iota
	ReplyNODATA
	ReplyNXDOMAIN
	ReplyCNAME
	ReplyIP
	ReplyDomain
	ReplyRRName
	ReplySERVFAIL
	ReplyREFUSED
	ReplyNOTIMP
	ReplyOther
	ReplyDNSSEC
	ReplyNone
	ReplyBlob
	numReplies
)

var replyNames = [numReplies]string{
	"UNKNOWN", "NODATA", "NXDOMAIN", "CNAME", "IP", "DOMAIN", "RRNAME",
	"SERVFAIL", "REFUSED", "NOTIMP", "OTHER", "DNSSEC", "NONE", "BLOB",
}

func (r ReplyType) String() string {
	if r < 0 || r >= numReplies {
		return "UNKNOWN"
	}
	return replyNames[r]
}

// ParseReplyType resolves a canonical reply string to its enum value.
func ParseReplyType(s string) (ReplyType, bool) {
	for r := ReplyUnknown; r < numReplies; r++ {
		if strings.EqualFold(s, replyNames[r]) {
			return r, true
		}
	}
	return ReplyUnknown, false
}

// DNSSECStatus is the validation state of a query.
type DNSSECStatus int

const (
	DNSSECUnknown DNSSECStatus = iota
	DNSSECSecure
	DNSSECInsecure
	DNSSECBogus
	DNSSECAbandoned
	DNSSECTruncated
	DNSSECNoSecurity
	DNSSECRetry
	numDNSSEC
)

var dnssecNames = [numDNSSEC]string{
	"UNKNOWN", "SECURE", "INSECURE", "BOGUS", "ABANDONED", "TRUNCATED",
	"NO_SECURITY", "RETRY",
}

func (d DNSSECStatus) String() string {
	if d < 0 || d >= numDNSSEC {
		return "UNKNOWN"
	}
	return dnssecNames[d]
}

// ParseDNSSECStatus resolves a canonical DNSSEC string to its enum value.
func ParseDNSSECStatus(s string) (DNSSECStatus, bool) {
	for d := DNSSECUnknown; d < numDNSSEC; d++ {
		if strings.EqualFold(s, dnssecNames[d]) {
			return d, true
		}
	}
	return DNSSECUnknown, false
}

// QueryTypeNames returns the canonical type strings in enum order.
func QueryTypeNames() []string { return queryTypeNames[:] }

// StatusNames returns the canonical status strings in enum order.
func StatusNames() []string { return statusNames[:] }

// ReplyNames returns the canonical reply strings in enum order.
func ReplyNames() []string { return replyNames[:] }

// DNSSECNames returns the canonical DNSSEC strings in enum order.
func DNSSECNames() []string { return dnssecNames[:] }
