// Package config loads dsync's two configuration files.
//
// # Tool configuration
//
// The tool configuration (dsync.yaml) selects the warehouse backend, the run
// history database and the telemetry settings:
//
//	project: analytics-prod
//	backend: bigquery
//	project_file: dbt_project.yml
//	concurrency: 4
//	state:
//	  path: .dsync/state.db
//	  retention_days: 90
//	bigquery:
//	  location: US
//	retry:
//	  max_retries: 3
//	  base_delay: 1s
//	metrics:
//	  enabled: true
//	  listen_address: ":9464"
//
// Unknown keys are rejected and ${VAR} references are expanded from the
// environment. Relative paths are resolved against the file's directory.
//
// # Project file
//
// The project file declares datasets and access grants. Datasets are read
// from a top-level "datasets" block and from "+datasets" blocks in the models
// tree; "+schema" references are checked against the declarations:
//
//	datasets:
//	  analytics:
//	    location: US
//	    replication:
//	      replicas: [us-east1, us-west1]
//	      primary: us-east1
//	    labels:
//	      env: prod
//
//	grants:
//	  - dataset: analytics
//	    role: READER
//	    entity_type: groupByEmail
//	    entity: analysts@example.com
//	  - dataset: analytics
//	    entity_type: view
//	    entity: reporting.v_sales
//
// Validation findings carry the file and line they refer to. Watcher keeps a
// dataset.Registry in sync with the file as it changes on disk.
package config
