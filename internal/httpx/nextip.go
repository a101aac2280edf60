package httpx

import (
	"net"
	"net/http"
	"strings"

	"github.com/Neuxbane/Docker/internal/alloc"
)

// nextFreeIP computes the next unused IPv4 in the named network. The
// subnet comes from the engine when reachable, the configured default
// base otherwise; used addresses come from the mapper.
func (r *Router) nextFreeIP(req *http.Request, network string) (string, error) {
	base := r.deps.SubnetBase
	if r.deps.Docker != nil {
		if info, err := r.deps.Docker.InspectNetwork(req.Context(), network); err == nil && info.Subnet != "" {
			if b, ok := subnetBaseFromCIDR(info.Subnet); ok {
				base = b
			}
		}
	}

	used := make(map[string]int)
	for _, entry := range r.deps.Store.Current() {
		for _, record := range entry.Services {
			if record.Definition == nil {
				continue
			}
			for name, att := range record.Definition.Networks {
				if name == network && att != nil && att.IPv4 != "" {
					used[att.IPv4]++
				}
			}
		}
	}
	return alloc.NextIPv4(base, used)
}

// subnetBaseFromCIDR reduces a CIDR like 172.28.0.0/16 to its first /24
// base "172.28.0".
func subnetBaseFromCIDR(cidr string) (string, bool) {
	ip, _, err := net.ParseCIDR(strings.TrimSpace(cidr))
	if err != nil || ip.To4() == nil {
		return "", false
	}
	return alloc.SubnetBase(ip.String())
}
