// Package ingest completes stages from executor result callbacks: it stores
// the reported artifacts, decides the terminal status and hands the stage to
// the lifecycle write path. Repeated delivery of a result for the same
// (task, stage) pair is safe.
package ingest
