package domain

import "reflect"

// SyncServiceLists reconciles services discovered on disk (source) against
// services in the database (target) by name. Target instances are updated
// in place so their ids survive; sources without a target are the inserts.
// Targets without a source are the deletes. Running the result through the
// same inputs again yields no updates: the sync is idempotent.
func SyncServiceLists(source, target []*Service) (updated, deleted []*Service) {
	targetByName := make(map[string]*Service, len(target))
	for _, service := range target {
		targetByName[service.Name] = service
	}

	for _, service := range source {
		existing, ok := targetByName[service.Name]
		if !ok {
			updated = append(updated, service)
			service.Update()
			continue
		}
		// Comparing data is sufficient: a differing name would be a
		// separate new/deleted service.
		if !reflect.DeepEqual(existing.Data, service.Data) {
			existing.Data = service.Data
			updated = append(updated, existing)
			existing.Update()
		}
	}

	sourceByName := make(map[string]*Service, len(source))
	for _, service := range source {
		sourceByName[service.Name] = service
	}
	for _, service := range target {
		if _, ok := sourceByName[service.Name]; !ok {
			deleted = append(deleted, service)
			service.Delete()
		}
	}
	return updated, deleted
}
