// Package catalog groups counters into the services guests choose from.
// Services have no record of their own; they are recomputed from the
// counter list every time it changes.
package catalog

import (
	"sort"

	"qms/mpp-desk/internal/models"
)

type Service struct {
	Name       string           `json:"name"`
	TotalQuota int              `json:"total_quota"`
	Counters   []models.Counter `json:"counters"`
}

// BuildServices groups live counters by name. Services are ordered by name
// and their counters by code.
func BuildServices(counters []models.Counter) []Service {
	byName := make(map[string]*Service)
	var names []string
	for _, counter := range counters {
		if counter.Trashed() {
			continue
		}
		svc, ok := byName[counter.Name]
		if !ok {
			svc = &Service{Name: counter.Name}
			byName[counter.Name] = svc
			names = append(names, counter.Name)
		}
		svc.TotalQuota += counter.DailyQuota
		svc.Counters = append(svc.Counters, counter)
	}
	sort.Strings(names)

	services := make([]Service, 0, len(names))
	for _, name := range names {
		svc := byName[name]
		SortByCode(svc.Counters)
		services = append(services, *svc)
	}
	return services
}

func Find(services []Service, name string) (Service, bool) {
	for _, svc := range services {
		if svc.Name == name {
			return svc, true
		}
	}
	return Service{}, false
}

func SortByCode(counters []models.Counter) {
	sort.SliceStable(counters, func(i, j int) bool {
		return counters[i].Code < counters[j].Code
	})
}
