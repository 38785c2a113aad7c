// Package directory looks up per-subscriber records such as the device MAC
// address learned at attach time.
package directory

import "errors"

// ErrNotFound is returned when the subscriber or the field is unknown.
var ErrNotFound = errors.New("record not found")

// FieldMACAddr holds the device MAC address of a subscriber.
const FieldMACAddr = "mac_addr"

// Record is the set of fields stored for one subscriber.
type Record struct {
	IMSI   string            `json:"imsi"`
	Fields map[string]string `json:"fields"`
}

