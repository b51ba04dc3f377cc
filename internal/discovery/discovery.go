// Package discovery resolves a broker endpoint via multicast DNS when
// an agent is configured with a token but no explicit endpoint.
package discovery

import (
	"fmt"
	"time"

	"github.com/hashicorp/mdns"
)

// serviceType is the mDNS service type an endpoint advertises itself
// under.
const serviceType = "_http._tcp"

// lookupTimeout bounds how long a single mDNS query may take.
const lookupTimeout = 3 * time.Second

// ResolveEndpoint queries mDNS for a service named name and returns a
// "<scheme>://host:port/" URL built from the first answer, adding an
// "s" to scheme (e.g. "ws" -> "wss") if the service advertises TLS via
// a "tls=true" TXT record.
func ResolveEndpoint(name, scheme string) (string, error) {
	entries := make(chan *mdns.ServiceEntry, 4)
	params := mdns.DefaultParams(name + "." + serviceType)
	params.Entries = entries
	params.Timeout = lookupTimeout

	done := make(chan error, 1)
	go func() {
		done <- mdns.Query(params)
	}()

	select {
	case entry, ok := <-entries:
		if !ok {
			return "", fmt.Errorf("discovery: no mdns answer for %q", name)
		}
		resolved := scheme
		for _, txt := range entry.InfoFields {
			if txt == "tls=true" {
				resolved += "s"
				break
			}
		}
		return fmt.Sprintf("%s://%s:%d/", resolved, entry.AddrV4, entry.Port), nil
	case err := <-done:
		if err != nil {
			return "", fmt.Errorf("discovery: mdns query for %q: %w", name, err)
		}
		return "", fmt.Errorf("discovery: no mdns answer for %q", name)
	case <-time.After(lookupTimeout + time.Second):
		return "", fmt.Errorf("discovery: mdns query for %q timed out", name)
	}
}
