package protocol

import (
	"fmt"
	"strings"
)

const addressSeparator = ":"

// Address identifies one running node: namespace:serviceId:instanceId
type Address struct {
	Namespace  string
	ServiceID  string
	InstanceID string
}

// NewAddress builds an address from its parts
func NewAddress(namespace, serviceID, instanceID string) Address {
	return Address{Namespace: namespace, ServiceID: serviceID, InstanceID: instanceID}
}

// ParseAddress parses a namespace:serviceId:instanceId string
func ParseAddress(s string) (Address, error) {
	parts := strings.Split(s, addressSeparator)
	if len(parts) != 3 {
		return Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	for _, p := range parts {
		if strings.TrimSpace(p) == "" {
			return Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
		}
	}
	return Address{Namespace: parts[0], ServiceID: parts[1], InstanceID: parts[2]}, nil
}

func (a Address) String() string {
	return a.Namespace + addressSeparator + a.ServiceID + addressSeparator + a.InstanceID
}

// IsZero reports whether the address is unset
func (a Address) IsZero() bool {
	return a == Address{}
}

// Broadcast returns the broadcast channel name for this address
func (a Address) Broadcast() string {
	return a.String() + addressSeparator + "broadcast"
}

// HasNamespace reports whether s is prefixed by the given namespace
func HasNamespace(s, namespace string) bool {
	return strings.HasPrefix(s, namespace+addressSeparator)
}

// LobbyChannel is the namespace-wide discovery announcement channel
func LobbyChannel(namespace string) string {
	return namespace + addressSeparator + "lobby"
}

// LogsChannel is the namespace-wide log forwarding channel
func LogsChannel(namespace string) string {
	return namespace + addressSeparator + "logs"
}
