// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_target

import (
	"fmt"
	"net"
)

// checkForAllIpv4 reports whether the portal list is a single wildcard
// IPv4 portal.
func checkForAllIpv4(portals []string) (bool, error) {
	allIpv4 := false
	for _, portal := range portals {
		host, _, err := net.SplitHostPort(portal)
		if err != nil {
			return false, err
		}
		if host == "0.0.0.0" || host == "" {
			allIpv4 = true
		}
	}
	if allIpv4 && len(portals) != 1 {
		return false, fmt.Errorf(
			"if one of ip addresses is 0.0.0.0 - other ips must not be present")
	}
	return allIpv4, nil
}

func localAddresses() ([]string, error) {
	result := make([]string, 0, 10)
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for _, netInterface := range interfaces {
		if netInterface.Flags&net.FlagUp == 0 || netInterface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addresses, err := netInterface.Addrs()
		if err != nil {
			continue
		}
		for _, address := range addresses {
			if ipAddress, ok := address.(*net.IPNet); ok {
				if ip := ipAddress.IP.To4(); ip != nil {
					result = append(result, ip.String())
				}
			}
		}
	}
	return result, nil
}

// expandPortals turns the listening portals into addresses initiators can
// connect to. A wildcard portal becomes one portal per local IPv4 address.
func expandPortals(portals []string) ([]string, error) {
	if len(portals) == 0 {
		return nil, nil
	}
	allAddressesIpv4, err := checkForAllIpv4(portals)
	if err != nil {
		return nil, err
	}
	if !allAddressesIpv4 {
		return portals, nil
	}
	_, port, err := net.SplitHostPort(portals[0])
	if err != nil {
		return nil, err
	}
	addresses, err := localAddresses()
	if err != nil {
		return nil, err
	}
	result := make([]string, len(addresses))
	for index, address := range addresses {
		result[index] = net.JoinHostPort(address, port)
	}
	return result, nil
}
