// Package jobmanager provides functionality for running AI-assistant jobs in
// detached worker processes and tracking them through files on disk.
//
// A Job moves forward through starting, running and one of the terminal
// states completed, failed or killed. Its Job Record, Output Log and Result
// Record live in a Store; its worker process is launched and signalled by a
// Supervisor.
//
// A Manager creates Jobs, identified by caller-supplied ids, and answers
// status, result, logs, list and kill requests by reading the Store.
package jobmanager
