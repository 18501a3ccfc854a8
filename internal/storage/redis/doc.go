// Package redis offers caching primitives for the OpenIntent runtime,
// tailored to adapter workloads such as market-data response caching.
// Queue primitives backed by Redis live in internal/intake.
package redis
