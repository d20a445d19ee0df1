// Package archive copies finalized artifacts to S3-compatible object
// storage. Uploads run on a bounded worker pool so a slow bucket never holds
// up encoding; when the pool is saturated, artifacts are dropped from the
// archive and stay on local disk until the retention sweep removes them.
package archive
