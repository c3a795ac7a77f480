package relay

import (
	"fmt"
	"strings"

	"github.com/caio-sobreiro/amhsnet/oraddr"
)

// Route maps a set of O/R attributes to an ordered list of next-hop
// endpoints (host:port).
type Route struct {
	Criteria map[string]string `yaml:"criteria"`
	NextHops []string          `yaml:"nextHops"`
}

// RoutingTable selects next hops for recipient addresses. Entries are
// tried in order and the first match wins.
type RoutingTable struct {
	routes []Route
}

// NewRoutingTable normalizes routes: criteria keys are uppercased, hops
// trimmed and lowercased, blank hops dropped.
func NewRoutingTable(routes []Route) *RoutingTable {
	table := &RoutingTable{routes: make([]Route, 0, len(routes))}
	for _, r := range routes {
		criteria := make(map[string]string, len(r.Criteria))
		for key, value := range r.Criteria {
			criteria[strings.ToUpper(strings.TrimSpace(key))] = strings.TrimSpace(value)
		}
		var hops []string
		for _, hop := range r.NextHops {
			if hop = strings.ToLower(strings.TrimSpace(hop)); hop != "" {
				hops = append(hops, hop)
			}
		}
		table.routes = append(table.routes, Route{Criteria: criteria, NextHops: hops})
	}
	return table
}

// ParseRoutingTable parses the compact routing form
//
//	/C=IT/ADMD=ICAO/PRMD=ENAV->mta1:102|mta2:102;/C=FR/ADMD=ICAO->mta3:102
//
// Rows without "->" are skipped.
func ParseRoutingTable(s string) (*RoutingTable, error) {
	var routes []Route
	for _, row := range strings.Split(s, ";") {
		if strings.TrimSpace(row) == "" || !strings.Contains(row, "->") {
			continue
		}
		left, right, _ := strings.Cut(row, "->")
		criteria, err := oraddr.Parse(left)
		if err != nil {
			return nil, fmt.Errorf("invalid route criteria %q: %w", strings.TrimSpace(left), err)
		}
		routes = append(routes, Route{
			Criteria: criteria.Attributes(),
			NextHops: strings.Split(right, "|"),
		})
	}
	return NewRoutingTable(routes), nil
}

// Routes returns the normalized entries
func (t *RoutingTable) Routes() []Route {
	return t.routes
}

// Route returns the first entry with at least one hop whose criteria all
// match addr.
func (t *RoutingTable) Route(addr oraddr.Address) (*Route, bool) {
	for i := range t.routes {
		r := &t.routes[i]
		if len(r.NextHops) == 0 || !addr.Matches(r.Criteria) {
			continue
		}
		return r, true
	}
	return nil, false
}

// FindNextHop picks the hop for the given attempt, rotating through the
// matched entry's hops across retries.
func (t *RoutingTable) FindNextHop(addr oraddr.Address, attempt int) (string, bool) {
	r, ok := t.Route(addr)
	if !ok {
		return "", false
	}
	n := len(r.NextHops)
	return r.NextHops[((attempt%n)+n)%n], true
}
