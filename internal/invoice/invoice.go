// Package invoice decodes BOLT11 payment requests far enough to validate
// what a buyer submits: network prefix, declared amount, payment hash and
// expiry. Signature recovery is the node's job, not ours.
package invoice

import (
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil/bech32"
)

var (
	ErrNotPaymentRequest = errors.New("not a lightning payment request")
	ErrBadAmount         = errors.New("malformed amount in payment request")
	ErrTooShort          = errors.New("payment request too short")
)

// Invoice is the decoded subset of a BOLT11 payment request.
type Invoice struct {
	Network     string // bc, tb, bcrt, sb
	MilliSat    int64  // 0 when the request carries no amount
	Sat         int64
	PaymentHash string
	Description string
	Timestamp   time.Time
	Expiry      time.Duration
}

// IsExpired reports whether the request's expiry window has passed at now.
func (inv *Invoice) IsExpired(now time.Time) bool {
	expiry := inv.Expiry
	if expiry == 0 {
		expiry = time.Hour // BOLT11 default
	}
	return now.After(inv.Timestamp.Add(expiry))
}

// Decode parses a BOLT11 payment request. The bech32 checksum is verified;
// garbage input fails here before any coordinator state is touched.
func Decode(payReq string) (*Invoice, error) {
	payReq = strings.TrimSpace(strings.ToLower(payReq))
	hrp, data, err := bech32.DecodeNoLimit(payReq)
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(hrp, "ln") {
		return nil, ErrNotPaymentRequest
	}

	network, amountPart := splitHRP(hrp[2:])
	if network == "" {
		return nil, ErrNotPaymentRequest
	}

	msat, err := parseAmount(amountPart)
	if err != nil {
		return nil, err
	}

	inv := &Invoice{
		Network:  network,
		MilliSat: msat,
		Sat:      msat / 1000,
	}
	if err := parseData(inv, data); err != nil {
		return nil, err
	}
	return inv, nil
}

func splitHRP(s string) (network, amount string) {
	for _, n := range []string{"bcrt", "tbs", "bc", "tb", "sb"} {
		if strings.HasPrefix(s, n) {
			return n, s[len(n):]
		}
	}
	return "", ""
}

// parseAmount converts the HRP amount part (e.g. "2500u") to millisatoshis.
func parseAmount(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}

	multiplier := int64(100_000_000_000) // msat per BTC
	last := s[len(s)-1]
	switch last {
	case 'm':
		multiplier /= 1_000
		s = s[:len(s)-1]
	case 'u':
		multiplier /= 1_000_000
		s = s[:len(s)-1]
	case 'n':
		multiplier /= 1_000_000_000
		s = s[:len(s)-1]
	case 'p':
		multiplier = 0 // handled below: 1 pico-BTC = 0.1 msat
		s = s[:len(s)-1]
	}
	if s == "" {
		return 0, ErrBadAmount
	}

	var units int64
	for _, ch := range s {
		if ch < '0' || ch > '9' {
			return 0, ErrBadAmount
		}
		units = units*10 + int64(ch-'0')
	}

	if multiplier == 0 {
		if units%10 != 0 {
			return 0, ErrBadAmount
		}
		return units / 10, nil
	}
	return units * multiplier, nil
}

// parseData walks the 5-bit data part: 35-bit timestamp, tagged fields, then
// a 520-bit signature which we only require to be present.
func parseData(inv *Invoice, data []byte) error {
	const sigGroups = 104
	if len(data) < 7+sigGroups {
		return ErrTooShort
	}

	var ts int64
	for _, g := range data[:7] {
		ts = ts<<5 | int64(g)
	}
	inv.Timestamp = time.Unix(ts, 0).UTC()

	fields := data[7 : len(data)-sigGroups]
	for len(fields) >= 3 {
		tag := fields[0]
		length := int(fields[1])<<5 | int(fields[2])
		fields = fields[3:]
		if length > len(fields) {
			return ErrTooShort
		}
		value := fields[:length]
		fields = fields[length:]

		switch tag {
		case 1: // payment hash
			if b, err := bech32.ConvertBits(value, 5, 8, false); err == nil && len(b) == 32 {
				inv.PaymentHash = hex.EncodeToString(b)
			}
		case 6: // expiry seconds
			var secs int64
			for _, g := range value {
				secs = secs<<5 | int64(g)
			}
			inv.Expiry = time.Duration(secs) * time.Second
		case 13: // description
			if b, err := bech32.ConvertBits(value, 5, 8, false); err == nil {
				inv.Description = string(b)
			}
		}
	}
	return nil
}
