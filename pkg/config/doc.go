// Package config loads the engine configuration and pipeline definitions from YAML.
//
// # Overview
//
// A configuration file has five sections, each optional; anything left out keeps
// the value from Default():
//
//	engine:
//	  workers: 8
//	  isolated_timeout: 2h
//	  retry:
//	    max_attempts: 3
//	    initial_backoff: 5s
//	  runner:
//	    binary: /usr/local/bin/contimg-stage-runner
//	breaker:
//	  failure_threshold: 3
//	  window: 10m
//	  cool_down: 1m
//	  redis:
//	    addr: localhost:6379
//	dlq:
//	  path: /var/lib/contimg/contimg.db
//	  sweep_schedule: "@every 15m"
//	telemetry:
//	  logging:
//	    level: debug
//	pipeline:
//	  name: continuum
//	  stages:
//	    - name: convert
//	      type: command
//	      params: {program: hdf5-to-ms, args: ["{{.Inputs.hdf5}}"], output: ms}
//	    - name: image
//	      type: command
//	      depends_on: [convert]
//	      mode: isolated
//	      timeout: 30m
//	      retry: {max_attempts: 5}
//
// Unknown keys are rejected. Validation collects every problem into
// ValidationErrors, each naming the offending yaml path.
//
// # Pipelines
//
// LoadPipeline reads a standalone pipeline file. Build turns a pipeline into
// engine definitions and stages through a stages.Registry.
//
// # Hot Reload
//
// Watch observes the configuration file with fsnotify, debounces bursts of
// writes, and hands every valid new version to a callback. Invalid versions
// are logged and ignored.
package config
