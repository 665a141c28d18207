/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package mac normalizes hardware address text into a single comparable form.
package mac

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalidAddress is returned when text does not resolve to six hex octets.
var ErrInvalidAddress = errors.New("invalid MAC address")

var (
	// canonicalRe matches the canonical form xx:xx:xx:xx:xx:xx (lowercase)
	canonicalRe = regexp.MustCompile(`^([0-9a-f]{2}:){5}[0-9a-f]{2}$`)
	bareHexRe   = regexp.MustCompile(`^[0-9a-f]{12}$`)
)

// Canonicalize converts a MAC address in any accepted textual form
// (colon, hyphen, bare 12 hex digits, 0x-prefixed octets, any case)
// to lowercase colon-separated form.
func Canonicalize(text string) (string, error) {
	mac := strings.ToLower(strings.TrimSpace(text))
	mac = strings.ReplaceAll(mac, "-", ":")
	mac = strings.ReplaceAll(mac, "0x", "")

	if bareHexRe.MatchString(mac) {
		var b strings.Builder
		b.Grow(17)
		for i := 0; i < 12; i += 2 {
			if i > 0 {
				b.WriteByte(':')
			}
			b.WriteString(mac[i : i+2])
		}
		mac = b.String()
	}

	if !canonicalRe.MatchString(mac) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, text)
	}
	return mac, nil
}

// FromBytes formats six raw bytes as a canonical MAC address.
func FromBytes(b []byte) (string, error) {
	if len(b) != 6 {
		return "", fmt.Errorf("%w: %d bytes", ErrInvalidAddress, len(b))
	}
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", b[0], b[1], b[2], b[3], b[4], b[5]), nil
}
