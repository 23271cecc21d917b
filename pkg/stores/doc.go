// Package stores persists managed instances and the stage runs executed
// against them in SQLite. The schema is applied with golang-migrate from
// embedded migrations.
//
// SQLiteStore implements driver.Recorder, so a driver configured with it
// records every sealed stage result and resumes the lifecycle phase of an
// instance across processes.
package stores
