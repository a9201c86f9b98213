// Package config loads the tokenflow application configuration.
//
// Configuration is read from a YAML file on top of DefaultConfig, then
// environment overrides are applied and the result is validated with
// struct tags:
//
//	database:
//	  path: /var/lib/tokenflow/tokenflow.db
//	  busyTimeout: 10s
//	telemetry:
//	  logging:
//	    level: debug
//	definitions:
//	  directory: ./processes
//	  watch: true
//	policies:
//	  enabled: true
//	  paths: [./policies]
//	  data:
//	    protected_activities: [payment]
//	engine:
//	  expressionTimeout: 2s
//	  batchParallelism: 8
//	scheduler:
//	  pollInterval: 500ms
//
// Environment overrides:
//
//	TOKENFLOW_DB_PATH    database.path
//	LOG_LEVEL            telemetry.logging.level
//	TOKENFLOW_ENV        telemetry.environment
//	TOKENFLOW_MAX_STEPS  engine.maxSteps
//
// The helpers StoreConfig, EngineOptions, ListenerOptions and PolicyOptions
// translate the sections into the options of the packages they configure.
package config
