// Package orchestrator turns user intents into executable tasks. It chains
// heuristic analysis, load-aware agent selection and routed execution into a
// single ProcessIntent pipeline, owns the adapter lifecycle, and reports every
// run as a Receipt while publishing lifecycle events on the shared bus.
package orchestrator
