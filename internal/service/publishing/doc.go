// Package publishing implements the dispatch path of the publication
// scheduler: media resolution, account resolution, fan-out to publisher
// adapters, and folding per-account outcomes into one item verdict.
//
// The package depends on store interfaces defined here; Postgres and S3
// implementations live in repository/postgres and storage. The worker
// package drives it once per batch.
package publishing
