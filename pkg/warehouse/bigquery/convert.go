package bigquery

import (
	"fmt"
	"strings"
	"time"

	bq "cloud.google.com/go/bigquery"

	"github.com/openfroyo/dsync/pkg/engine"
)

var entityTypes = map[bq.EntityType]string{
	bq.UserEmailEntity:    engine.EntityTypeUserByEmail,
	bq.GroupEmailEntity:   engine.EntityTypeGroupByEmail,
	bq.DomainEntity:       engine.EntityTypeDomain,
	bq.SpecialGroupEntity: engine.EntityTypeSpecialGroup,
	bq.IAMMemberEntity:    engine.EntityTypeIAMMember,
	bq.ViewEntity:         engine.EntityTypeView,
	bq.RoutineEntity:      engine.EntityTypeRoutine,
	bq.DatasetEntity:      engine.EntityTypeDataset,
}

func entityTypeFor(name string) (bq.EntityType, bool) {
	for k, v := range entityTypes {
		if v == name {
			return k, true
		}
	}
	return 0, false
}

// toDataset converts client metadata. Expirations are always present because
// the API reports "never expires" as zero.
func toDataset(project, dataset string, md *bq.DatasetMetadata) *engine.Dataset {
	ds := engine.NewDataset(project, dataset)
	ds.Location = md.Location
	ds.Description = md.Description
	ds.ETag = md.ETag

	if len(md.Labels) > 0 {
		ds.Labels = make(map[string]string, len(md.Labels))
		for k, v := range md.Labels {
			ds.Labels[k] = v
		}
	}

	tableExp := md.DefaultTableExpiration.Milliseconds()
	partitionExp := md.DefaultPartitionExpiration.Milliseconds()
	ds.DefaultTableExpirationMs = &tableExp
	ds.DefaultPartitionExpirationMs = &partitionExp

	ds.AccessEntries = make([]engine.AccessEntry, 0, len(md.Access))
	for _, a := range md.Access {
		if a == nil {
			continue
		}
		ds.AccessEntries = append(ds.AccessEntries, toAccessEntry(a))
	}
	return ds
}

func toAccessEntry(a *bq.AccessEntry) engine.AccessEntry {
	entityType, ok := entityTypes[a.EntityType]
	if !ok {
		entityType = fmt.Sprintf("entity_%d", a.EntityType)
	}
	entry := engine.AccessEntry{
		Role:       string(a.Role),
		EntityType: entityType,
		Properties: map[string]any{},
	}

	switch a.EntityType {
	case bq.ViewEntity:
		if a.View != nil {
			entry.Properties[entityType] = map[string]any{
				"projectId": a.View.ProjectID,
				"datasetId": a.View.DatasetID,
				"tableId":   a.View.TableID,
			}
		}
	case bq.RoutineEntity:
		if a.Routine != nil {
			entry.Properties[entityType] = map[string]any{
				"projectId": a.Routine.ProjectID,
				"datasetId": a.Routine.DatasetID,
				"routineId": a.Routine.RoutineID,
			}
		}
	case bq.DatasetEntity:
		if a.Dataset != nil && a.Dataset.Dataset != nil {
			targets := make([]any, len(a.Dataset.TargetTypes))
			for i, t := range a.Dataset.TargetTypes {
				targets[i] = t
			}
			entry.Properties[entityType] = map[string]any{
				"dataset": map[string]any{
					"projectId": a.Dataset.Dataset.ProjectID,
					"datasetId": a.Dataset.Dataset.DatasetID,
				},
				"targetTypes": targets,
			}
		}
	default:
		entry.Properties[entityType] = a.Entity
	}
	return entry
}

// fromAccessEntry converts an entry for the client. Reference entities accept
// either a nested mapping or a "project.dataset.name" string.
func fromAccessEntry(e engine.AccessEntry) (*bq.AccessEntry, error) {
	et, ok := entityTypeFor(e.EntityType)
	if !ok {
		return nil, engine.NewBadRequestError(fmt.Sprintf("unsupported access entity type %q", e.EntityType), nil)
	}
	a := &bq.AccessEntry{Role: bq.AccessRole(e.Role), EntityType: et}
	value := e.Properties[e.EntityType]

	switch et {
	case bq.ViewEntity:
		p, d, t, err := resourceRef(value, "tableId")
		if err != nil {
			return nil, err
		}
		a.View = &bq.Table{ProjectID: p, DatasetID: d, TableID: t}
	case bq.RoutineEntity:
		p, d, r, err := resourceRef(value, "routineId")
		if err != nil {
			return nil, err
		}
		a.Routine = &bq.Routine{ProjectID: p, DatasetID: d, RoutineID: r}
	case bq.DatasetEntity:
		inner := value
		var targets []string
		if m, ok := value.(map[string]any); ok {
			if nested, ok := m["dataset"]; ok {
				inner = nested
			}
			if list, ok := m["targetTypes"].([]any); ok {
				for _, t := range list {
					targets = append(targets, fmt.Sprint(t))
				}
			}
		}
		p, d, err := datasetRef(inner)
		if err != nil {
			return nil, err
		}
		if len(targets) == 0 {
			targets = []string{"VIEWS"}
		}
		a.Dataset = &bq.DatasetAccessEntry{
			Dataset:     &bq.Dataset{ProjectID: p, DatasetID: d},
			TargetTypes: targets,
		}
	default:
		s, ok := value.(string)
		if !ok || s == "" {
			return nil, engine.NewBadRequestError(fmt.Sprintf("access entry %s has no %s", e, e.EntityType), nil)
		}
		a.Entity = s
	}
	return a, nil
}

func resourceRef(v any, leafKey string) (string, string, string, error) {
	switch t := v.(type) {
	case string:
		parts := strings.Split(t, ".")
		if len(parts) != 3 {
			return "", "", "", engine.NewBadRequestError(fmt.Sprintf("invalid reference %q, want project.dataset.name", t), nil)
		}
		return parts[0], parts[1], parts[2], nil
	case map[string]any:
		return fmt.Sprint(t["projectId"]), fmt.Sprint(t["datasetId"]), fmt.Sprint(t[leafKey]), nil
	default:
		return "", "", "", engine.NewBadRequestError(fmt.Sprintf("invalid reference %v", v), nil)
	}
}

func datasetRef(v any) (string, string, error) {
	switch t := v.(type) {
	case string:
		parts := strings.Split(t, ".")
		if len(parts) != 2 {
			return "", "", engine.NewBadRequestError(fmt.Sprintf("invalid dataset reference %q, want project.dataset", t), nil)
		}
		return parts[0], parts[1], nil
	case map[string]any:
		return fmt.Sprint(t["projectId"]), fmt.Sprint(t["datasetId"]), nil
	default:
		return "", "", engine.NewBadRequestError(fmt.Sprintf("invalid dataset reference %v", v), nil)
	}
}

func msToDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// toMetadata converts a dataset for creation.
func toMetadata(ds *engine.Dataset) (*bq.DatasetMetadata, error) {
	md := &bq.DatasetMetadata{
		Location:    ds.Location,
		Description: ds.Description,
	}
	if len(ds.Labels) > 0 {
		md.Labels = make(map[string]string, len(ds.Labels))
		for k, v := range ds.Labels {
			md.Labels[k] = v
		}
	}
	if ds.DefaultTableExpirationMs != nil {
		md.DefaultTableExpiration = msToDuration(*ds.DefaultTableExpirationMs)
	}
	if ds.DefaultPartitionExpirationMs != nil {
		md.DefaultPartitionExpiration = msToDuration(*ds.DefaultPartitionExpirationMs)
	}
	for _, e := range ds.AccessEntries {
		a, err := fromAccessEntry(e)
		if err != nil {
			return nil, err
		}
		md.Access = append(md.Access, a)
	}
	return md, nil
}

// toUpdate builds the patch for ds. Labels present in current but not in ds are deleted.
func toUpdate(ds *engine.Dataset, current map[string]string) (bq.DatasetMetadataToUpdate, error) {
	var upd bq.DatasetMetadataToUpdate
	upd.Description = ds.Description

	if ds.DefaultTableExpirationMs != nil {
		upd.DefaultTableExpiration = msToDuration(*ds.DefaultTableExpirationMs)
	}
	if ds.DefaultPartitionExpirationMs != nil {
		upd.DefaultPartitionExpiration = msToDuration(*ds.DefaultPartitionExpirationMs)
	}

	for k, v := range ds.Labels {
		upd.SetLabel(k, v)
	}
	for k := range current {
		if _, ok := ds.Labels[k]; !ok {
			upd.DeleteLabel(k)
		}
	}

	if ds.AccessEntries != nil {
		access := make([]*bq.AccessEntry, 0, len(ds.AccessEntries))
		for _, e := range ds.AccessEntries {
			a, err := fromAccessEntry(e)
			if err != nil {
				return upd, err
			}
			access = append(access, a)
		}
		upd.Access = access
	}
	return upd, nil
}
