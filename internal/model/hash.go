package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for state hashes.
// Version suffix enables future algorithm migration.
const (
	DomainMemberState = "mxarchive/member/v1"
	DomainDeviceState = "mxarchive/device/v1"
)

// hashWithDomain computes SHA-256 with domain separation.
// Format: SHA256(domain + 0x00 + data)
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// MemberStateHash identifies a member's observable state in a room.
// Two snapshots with equal hashes describe the same state, so the roster
// synchronizer never appends the second one.
func MemberStateHash(m MemberState) (string, error) {
	canonical, err := MarshalCanonical(map[string]any{
		"user_id":      m.UserID,
		"membership":   m.Membership,
		"display_name": m.DisplayName,
		"avatar_url":   m.AvatarURL,
	})
	if err != nil {
		return "", fmt.Errorf("MemberStateHash: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainMemberState, canonical), nil
}

// DeviceStateHash identifies a device's observable state.
//
// Last-seen fields are excluded: they change on every client sync and would
// turn each run into a new snapshot without any change of identity.
func DeviceStateHash(d DeviceState) (string, error) {
	canonical, err := MarshalCanonical(map[string]any{
		"user_id":      d.UserID,
		"device_id":    d.DeviceID,
		"display_name": d.DisplayName,
		"key_ref":      d.KeyRef,
		"present":      d.Present,
	})
	if err != nil {
		return "", fmt.Errorf("DeviceStateHash: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainDeviceState, canonical), nil
}

// MustMemberStateHash is like MemberStateHash but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustMemberStateHash(m MemberState) string {
	h, err := MemberStateHash(m)
	if err != nil {
		panic(err)
	}
	return h
}

// MustDeviceStateHash is like DeviceStateHash but panics on error.
func MustDeviceStateHash(d DeviceState) string {
	h, err := DeviceStateHash(d)
	if err != nil {
		panic(err)
	}
	return h
}
