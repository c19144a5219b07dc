// Package config loads the sequencer application configuration.
//
// # Overview
//
// A configuration file sets up telemetry, the run history store, engine
// defaults, script discovery and the variables every run starts with. Files
// may be written in YAML, JSON or CUE; the format follows the extension.
//
// Every document is checked against a CUE schema before it is decoded, so a
// misspelled key or an out-of-range value is reported with its path and, for
// CUE sources, its file position. Decoded values are laid over Default and
// then checked again with struct validation.
//
// # Usage Example
//
//	cfg, err := config.Load("sequencer.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
//	    log.Fatal(err)
//	}
//
//	eng := engine.New(commands,
//	    engine.WithLabelPolicy(cfg.Engine.Policy()),
//	)
//	eng.Run(cfg.Engine.NewQueue("main"))
//
// # Configuration Structure
//
//	telemetry:
//	  logging:
//	    level: debug
//	store:
//	  enabled: true
//	  sqlite:
//	    path: runs.db
//	  retention: 720h
//	engine:
//	  label_policy: strict
//	  queue: goroutine
//	  timeout: 10m
//	scripts:
//	  paths: [scripts]
//	  watch: true
//	variables:
//	  greeting: hello
//
// The same document in CUE:
//
//	engine: {
//	    label_policy: "strict"
//	    timeout:      "10m"
//	}
//	variables: greeting: "hello"
package config
