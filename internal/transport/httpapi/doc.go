// Package httpapi exposes the job operations over HTTP.
//
// Routes live under /jobs and require the shared access key header. Each
// client (by remote IP) gets its own token bucket. Errors are rendered as
// {"statusCode": N, "message": "..."}.
package httpapi
