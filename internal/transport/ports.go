package transport

import (
	"net"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
	"go.bug.st/serial"
)

var canPrefixes = []string{"can", "vcan", "slcan"}

// listSerial and listInterfaces are swapped in tests.
var (
	listSerial     = serial.GetPortsList
	listInterfaces = net.Interfaces
)

// IsCANPort reports whether name refers to a SocketCAN interface rather than
// a device node.
func IsCANPort(name string) bool {
	if strings.Contains(name, "/") {
		return false
	}
	for _, p := range canPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// SerialPorts lists serial devices plus bound Bluetooth RFCOMM nodes.
func SerialPorts() []string {
	seen := map[string]bool{}
	var out []string
	ports, err := listSerial()
	if err != nil {
		log.Warn().Err(err).Msg("serial port enumeration failed")
	}
	for _, p := range ports {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	rfcomm, _ := filepath.Glob("/dev/rfcomm*")
	for _, p := range rfcomm {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// CANInterfaces lists network interfaces that look like CAN buses.
func CANInterfaces() []string {
	ifaces, err := listInterfaces()
	if err != nil {
		log.Warn().Err(err).Msg("network interface enumeration failed")
		return nil
	}
	var out []string
	for _, iface := range ifaces {
		if IsCANPort(iface.Name) {
			out = append(out, iface.Name)
		}
	}
	sort.Strings(out)
	return out
}

// AvailablePorts lists every port a session could open.
func AvailablePorts() []string {
	return append(SerialPorts(), CANInterfaces()...)
}
