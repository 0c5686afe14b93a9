package bigquery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	bq "cloud.google.com/go/bigquery"
	"google.golang.org/api/googleapi"

	"github.com/openfroyo/dsync/pkg/access"
	"github.com/openfroyo/dsync/pkg/engine"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		code  string
		class engine.ErrorClass
	}{
		{"api 404", &googleapi.Error{Code: 404, Message: "Not found: Dataset p:d"}, engine.ErrCodeNotFound, engine.ErrorClassPermanent},
		{"api 400", &googleapi.Error{Code: 400, Message: "Unrecognized name"}, engine.ErrCodeBadRequest, engine.ErrorClassPermanent},
		{"api 409", &googleapi.Error{Code: 409, Message: "Already Exists: Dataset p:d"}, engine.ErrCodeAlreadyExists, engine.ErrorClassConflict},
		{"api 412", &googleapi.Error{Code: 412, Message: "Precondition check failed."}, engine.ErrCodePreconditionFailed, engine.ErrorClassConflict},
		{"api 429", &googleapi.Error{Code: 429}, engine.ErrCodeRateLimited, engine.ErrorClassThrottled},
		{"api 403 quota", &googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{{Reason: "rateLimitExceeded"}}}, engine.ErrCodeRateLimited, engine.ErrorClassThrottled},
		{"api 403 denied", &googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{{Reason: "accessDenied"}}}, engine.ErrCodePermissionDenied, engine.ErrorClassPermanent},
		{"api 503", &googleapi.Error{Code: 503}, "", engine.ErrorClassTransient},
		{"wrapped api 404", fmt.Errorf("metadata: %w", &googleapi.Error{Code: 404}), engine.ErrCodeNotFound, engine.ErrorClassPermanent},
		{"job duplicate", &bq.Error{Reason: "duplicate", Message: "Replica us-east1 already exists"}, engine.ErrCodeAlreadyExists, engine.ErrorClassConflict},
		{"job invalid already exists", &bq.Error{Reason: "invalidQuery", Message: "Replica eu already exists for schema d"}, engine.ErrCodeAlreadyExists, engine.ErrorClassConflict},
		{"job invalid", &bq.Error{Reason: "invalidQuery", Message: "Syntax error"}, engine.ErrCodeBadRequest, engine.ErrorClassPermanent},
		{"job backend", &bq.Error{Reason: "backendError"}, "", engine.ErrorClassTransient},
		{"plain message", errors.New("replica already exists"), engine.ErrCodeAlreadyExists, engine.ErrorClassConflict},
		{"plain other", errors.New("boom"), "", engine.ErrorClassPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify(tt.err, "op", "p.d")
			if got := engine.ErrorCode(err); got != tt.code {
				t.Errorf("code = %q, want %q (%v)", got, tt.code, err)
			}
			if got := engine.ErrorClassOf(err); got != tt.class {
				t.Errorf("class = %q, want %q", got, tt.class)
			}
			if !errors.Is(err, tt.err) {
				t.Error("original error must stay in the chain")
			}
			if !strings.Contains(err.Error(), "resource=p.d") {
				t.Errorf("resource missing from %q", err.Error())
			}
		})
	}
}

func TestClassify_PassThrough(t *testing.T) {
	if classify(nil, "op", "r") != nil {
		t.Error("nil must stay nil")
	}
	if err := classify(context.Canceled, "op", "r"); !errors.Is(err, context.Canceled) || engine.ErrorCode(err) != "" {
		t.Errorf("cancellation must pass through, got %v", err)
	}
	nf := engine.NewNotFoundError("x", nil)
	if err := classify(nf, "op", "r"); err != nf {
		t.Error("already classified errors must pass through")
	}
}

func TestToDataset(t *testing.T) {
	md := &bq.DatasetMetadata{
		Location:               "EU",
		Description:            "marts",
		Labels:                 map[string]string{"env": "prod"},
		DefaultTableExpiration: time.Hour,
		ETag:                   "abc",
		Access: []*bq.AccessEntry{
			{Role: bq.ReaderRole, EntityType: bq.UserEmailEntity, Entity: "a@example.com"},
			{EntityType: bq.ViewEntity, View: &bq.Table{ProjectID: "p", DatasetID: "reports", TableID: "daily"}},
		},
	}

	ds := toDataset("p", "analytics", md)
	if ds.Ref() != "p.analytics" || ds.Location != "EU" || ds.ETag != "abc" || ds.Labels["env"] != "prod" {
		t.Errorf("unexpected dataset %+v", ds)
	}
	if *ds.DefaultTableExpirationMs != 3600000 {
		t.Errorf("table expiration = %d", *ds.DefaultTableExpirationMs)
	}
	if ds.DefaultPartitionExpirationMs == nil || *ds.DefaultPartitionExpirationMs != 0 {
		t.Error("unset partition expiration must read as zero")
	}

	if !access.ContainsEntry(ds.AccessEntries, engine.NewAccessEntry("READER", engine.EntityTypeUserByEmail, "a@example.com")) {
		t.Errorf("user entry not recognised: %v", ds.AccessEntries)
	}
	view := engine.AccessEntry{
		EntityType: engine.EntityTypeView,
		Properties: map[string]any{"view": map[string]any{"projectId": "p", "datasetId": "reports", "tableId": "daily"}},
	}
	if !access.ContainsEntry(ds.AccessEntries, view) {
		t.Errorf("view entry not recognised: %v", ds.AccessEntries)
	}
}

func TestFromAccessEntry(t *testing.T) {
	a, err := fromAccessEntry(engine.NewAccessEntry("WRITER", engine.EntityTypeGroupByEmail, "etl@example.com"))
	if err != nil {
		t.Fatal(err)
	}
	if a.Role != bq.WriterRole || a.EntityType != bq.GroupEmailEntity || a.Entity != "etl@example.com" {
		t.Errorf("unexpected entry %+v", a)
	}

	a, err = fromAccessEntry(engine.NewAccessEntry("", engine.EntityTypeView, "p.reports.daily"))
	if err != nil {
		t.Fatal(err)
	}
	if a.View == nil || a.View.TableID != "daily" || a.View.DatasetID != "reports" {
		t.Errorf("unexpected view %+v", a.View)
	}

	a, err = fromAccessEntry(engine.NewAccessEntry("", engine.EntityTypeDataset, "p.shared"))
	if err != nil {
		t.Fatal(err)
	}
	if a.Dataset == nil || a.Dataset.Dataset.DatasetID != "shared" || a.Dataset.TargetTypes[0] != "VIEWS" {
		t.Errorf("unexpected dataset entry %+v", a.Dataset)
	}

	if _, err := fromAccessEntry(engine.NewAccessEntry("", engine.EntityTypeView, "bad")); !engine.IsBadRequest(err) {
		t.Errorf("expected bad request, got %v", err)
	}
	if _, err := fromAccessEntry(engine.NewAccessEntry("READER", "nonsense", "x")); !engine.IsBadRequest(err) {
		t.Errorf("expected bad request, got %v", err)
	}
}

func TestToUpdate(t *testing.T) {
	zero := int64(0)
	ds := &engine.Dataset{
		Project:                  "p",
		DatasetID:                "d",
		Description:              "new",
		Labels:                   map[string]string{"env": "prod"},
		DefaultTableExpirationMs: &zero,
		AccessEntries:            []engine.AccessEntry{engine.NewAccessEntry("READER", engine.EntityTypeDomain, "example.com")},
	}

	upd, err := toUpdate(ds, map[string]string{"env": "dev", "stale": "x"})
	if err != nil {
		t.Fatal(err)
	}
	if upd.Description != "new" {
		t.Errorf("description = %v", upd.Description)
	}
	if upd.DefaultTableExpiration != time.Duration(0) {
		t.Errorf("explicit zero expiration must be sent, got %v", upd.DefaultTableExpiration)
	}
	if upd.DefaultPartitionExpiration != nil {
		t.Error("unset partition expiration must not be sent")
	}
	if len(upd.Access) != 1 || upd.Access[0].Entity != "example.com" {
		t.Errorf("unexpected access %v", upd.Access)
	}
}

func TestReplicaQuery(t *testing.T) {
	got := replicaQuery("p", "d")
	want := "SELECT replica_location, is_primary_replica FROM `p.d`.INFORMATION_SCHEMA.SCHEMATA_REPLICAS WHERE schema_name = @schema"
	if got != want {
		t.Errorf("replicaQuery() = %q", got)
	}
}
