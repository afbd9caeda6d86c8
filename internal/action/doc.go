// Package action turns a job's opaque payload into an outbound HTTP request.
//
// The payload follows the axios request-config shape:
//
//	{"method": "POST", "url": "https://...", "baseURL": "...", "headers": {...},
//	 "params": {...}, "data": ..., "auth": {"username": "", "password": ""}, "timeout": 5000}
//
// Fields are read with gjson; unknown fields are ignored. "body" is accepted as
// an alias of "data". timeout is in milliseconds.
package action
