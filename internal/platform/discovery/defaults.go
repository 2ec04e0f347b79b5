// Package discovery centralizes internal service-discovery conventions.
package discovery

import (
	"strconv"
	"strings"
)

// ServiceCanvas is the canvas sync service identity.
const ServiceCanvas = "canvas"

var grpcPorts = map[string]int{
	ServiceCanvas: 8096,
}

// DefaultGRPCAddr returns the canonical in-network gRPC address for a
// service, or "" for an unknown service.
func DefaultGRPCAddr(service string) string {
	service = strings.TrimSpace(service)
	port, ok := grpcPorts[service]
	if !ok || port <= 0 {
		return ""
	}
	return service + ":" + strconv.Itoa(port)
}

// OrDefaultGRPCAddr returns value when set, otherwise the service convention.
func OrDefaultGRPCAddr(value, service string) string {
	value = strings.TrimSpace(value)
	if value != "" {
		return value
	}
	return DefaultGRPCAddr(service)
}
