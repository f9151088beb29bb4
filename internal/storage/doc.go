// Package storage persists queued jobs and their failure records.
//
// Every backend implements the same Store contract:
//   - Reserve hands each eligible job to exactly one caller
//   - state changes on a reserved job require the lease token from Reserve
//   - an expired lease makes the job reservable again, counting the lost run
//   - Fail writes the failure record together with the status change
//
// Backends: memory, sqlite, postgres, redis, mongo (see Open).
package storage
