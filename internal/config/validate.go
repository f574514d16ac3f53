package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/docker/go-connections/nat"
)

type portClaim struct {
	profiles map[string]struct{}
}

// validatePortCollisions rejects container profiles that publish the same
// host port on overlapping addresses.
func validatePortCollisions(c *Config) error {
	if len(c.Containers) == 0 {
		return nil
	}
	claimed := map[string]*portClaim{}
	for _, profileName := range c.ContainersSorted() {
		profile := c.Containers[profileName]
		if profile == nil {
			continue
		}
		for idx, spec := range profile.Ports {
			field := containerField(profileName, fmt.Sprintf("ports[%d]", idx))
			mappings, err := nat.ParsePortSpec(spec)
			if err != nil {
				return fmt.Errorf("%s: invalid port mapping %q: %w", field, spec, err)
			}
			for _, mapping := range mappings {
				hostPortSpec := strings.TrimSpace(mapping.Binding.HostPort)
				if hostPortSpec == "" {
					continue
				}
				hostIP := normalizeHostIP(mapping.Binding.HostIP)
				start, end, err := nat.ParsePortRange(hostPortSpec)
				if err != nil {
					return fmt.Errorf("%s: invalid host port %q", field, hostPortSpec)
				}
				for port := int(start); port <= int(end); port++ {
					specificKey := hostPortKey(hostIP, port)
					wildcardKey := hostPortKey("0.0.0.0", port)

					var conflicts map[string]struct{}
					for _, key := range []string{specificKey, wildcardKey} {
						if claim := claimed[key]; claim != nil {
							if conflicts == nil {
								conflicts = map[string]struct{}{}
							}
							for existing := range claim.profiles {
								conflicts[existing] = struct{}{}
							}
						}
					}
					if hostIP == "0.0.0.0" {
						for key, claim := range claimed {
							if strings.HasSuffix(key, fmt.Sprintf(":%d", port)) {
								if conflicts == nil {
									conflicts = map[string]struct{}{}
								}
								for existing := range claim.profiles {
									conflicts[existing] = struct{}{}
								}
							}
						}
					}
					delete(conflicts, profileName)

					if len(conflicts) > 0 {
						profiles := make([]string, 0, len(conflicts))
						for existing := range conflicts {
							profiles = append(profiles, existing)
						}
						sort.Strings(profiles)
						next := nextAvailablePort(hostIP, port, claimed)
						if next == 0 {
							return fmt.Errorf("%s: host port %d on IP %q conflicts with profile(s) %s; no additional host ports available", field, port, hostIP, strings.Join(profiles, ", "))
						}
						return fmt.Errorf("%s: host port %d on IP %q conflicts with profile(s) %s; next available port is %d", field, port, hostIP, strings.Join(profiles, ", "), next)
					}

					claim := claimed[specificKey]
					if claim == nil {
						claim = &portClaim{profiles: map[string]struct{}{}}
						claimed[specificKey] = claim
					}
					claim.profiles[profileName] = struct{}{}
				}
			}
		}
	}
	return nil
}

func nextAvailablePort(hostIP string, start int, claimed map[string]*portClaim) int {
	for candidate := start + 1; candidate <= 65535; candidate++ {
		specific := claimed[hostPortKey(hostIP, candidate)]
		wildcard := claimed[hostPortKey("0.0.0.0", candidate)]
		if (specific == nil || len(specific.profiles) == 0) && (wildcard == nil || len(wildcard.profiles) == 0) {
			return candidate
		}
	}
	return 0
}

func hostPortKey(hostIP string, port int) string {
	return fmt.Sprintf("%s:%d", hostIP, port)
}

func normalizeHostIP(ip string) string {
	ip = strings.TrimSpace(ip)
	if ip == "" || ip == "0.0.0.0" {
		return "0.0.0.0"
	}
	return ip
}
