// Package runner implements the salt-runtests execution engine: runtime
// variable management, declarative test metadata loading, test module
// discovery and filtering, salt daemon orchestration, sequential test
// execution with result collection, console and JUnit XML reporting, and
// coverage aggregation.
package runner
