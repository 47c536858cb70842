package relay

import (
	"sort"
	"sync"
	"time"
)

// ServiceInfo is the dashboard and API view of one registered service.
type ServiceInfo struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Addr       string    `json:"addr"`
	Daemon     string    `json:"daemon"`
	Registered time.Time `json:"registered"`
}

// registry tracks live services by instance id. Names are not unique, two
// daemons may register the same name and both are listed.
type registry struct {
	mu   sync.Mutex
	byID map[string]ServiceInfo
}

func newRegistry() *registry {
	return &registry{byID: make(map[string]ServiceInfo)}
}

func (r *registry) add(info ServiceInfo) {
	r.mu.Lock()
	r.byID[info.ID] = info
	r.mu.Unlock()
}

func (r *registry) remove(id string) {
	r.mu.Lock()
	delete(r.byID, id)
	r.mu.Unlock()
}

func (r *registry) snapshot() []ServiceInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ServiceInfo, 0, len(r.byID))
	for _, info := range r.byID {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

