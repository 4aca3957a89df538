package docker

import (
	"maps"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"
)

// CloneConfig makes a shallow copy of a container config with the label
// map cloned, so the caller can mutate labels without touching the
// inspect response.
func CloneConfig(cfg *container.Config) *container.Config {
	if cfg == nil {
		return &container.Config{}
	}
	clone := *cfg
	clone.Labels = maps.Clone(cfg.Labels)
	return &clone
}

// RebuildNetworkingConfig extracts only the IPAM config, aliases, driver
// opts, network ID, and MAC address from a container's network settings.
// Operational fields like Gateway or IPAddress belong to the old
// container instance and must not be carried into a create call.
func RebuildNetworkingConfig(ns *container.NetworkSettings) *network.NetworkingConfig {
	if ns == nil || len(ns.Networks) == 0 {
		return nil
	}

	endpoints := make(map[string]*network.EndpointSettings, len(ns.Networks))
	for netName, ep := range ns.Networks {
		endpoints[netName] = &network.EndpointSettings{
			IPAMConfig: ep.IPAMConfig,
			Aliases:    ep.Aliases,
			DriverOpts: ep.DriverOpts,
			NetworkID:  ep.NetworkID,
			MacAddress: ep.MacAddress,
		}
	}
	return &network.NetworkingConfig{EndpointsConfig: endpoints}
}
