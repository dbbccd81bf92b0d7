package session

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"strings"
)

// unknownNetwork stands in for a missing or unparsable client address.
const unknownNetwork = "0.0.0.0/unknown"

// Fingerprint identifies a device without storing the raw user agent or address.
type Fingerprint struct {
	UAHash     string
	IPHash     string
	DeviceHash string
}

func NewFingerprint(userAgent, ip string) Fingerprint {
	ua := hashHex(strings.TrimSpace(userAgent))
	ipHash := hashHex(NormalizeIP(ip))
	return Fingerprint{
		UAHash:     ua,
		IPHash:     ipHash,
		DeviceHash: hashHex(ua + ":" + ipHash),
	}
}

// NormalizeIP masks IPv4 to /24 and IPv6 to /48 so address churn inside a
// home or mobile network keeps the same device.
func NormalizeIP(ip string) string {
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		return unknownNetwork
	}
	if v4 := parsed.To4(); v4 != nil {
		return v4.Mask(net.CIDRMask(24, 32)).String()
	}
	return parsed.Mask(net.CIDRMask(48, 128)).String()
}

func hashHex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
