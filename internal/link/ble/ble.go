// Package ble reaches ELM327 adapters over Bluetooth Low Energy: commands
// are written to one GATT characteristic and replies arrive as
// notifications on another.
package ble

import (
	"strings"
)

// Most clone adapters expose the FFF0 service with FFF1 notify and FFF2 write.
const (
	DefaultServiceUUID = "fff0"
	DefaultNotifyUUID  = "fff1"
	DefaultWriteUUID   = "fff2"
)

// Options selects the GATT layout of the adapter.
type Options struct {
	ServiceUUID string
	NotifyUUID  string
	WriteUUID   string
	// NamePrefix, when set, hides advertisements whose local name does not
	// start with it (case-insensitive).
	NamePrefix string
}

func (o Options) withDefaults() Options {
	if o.ServiceUUID == "" {
		o.ServiceUUID = DefaultServiceUUID
	}
	if o.NotifyUUID == "" {
		o.NotifyUUID = DefaultNotifyUUID
	}
	if o.WriteUUID == "" {
		o.WriteUUID = DefaultWriteUUID
	}
	return o
}

func (o Options) matchesName(name string) bool {
	if o.NamePrefix == "" {
		return true
	}
	return strings.HasPrefix(strings.ToLower(name), strings.ToLower(o.NamePrefix))
}
