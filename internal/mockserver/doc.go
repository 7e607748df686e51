// Package mockserver is a scripted stand-in for the job service, for local
// development and tests.
//
// Jobs are created on first reference and walk a status script, one step
// per advance. Every change is pushed to connected channels.
//
// # Endpoints
//
//   - GET /jobs/{id}/status - Current status document
//   - POST /jobs/{id}/export - Export a completed job as csv or json
//   - GET /ws - Push channel (ping/pong, get_snapshot, server frames)
//   - POST /admin/jobs/{id} - Force a job's status
//   - POST /admin/notice - Broadcast a notice
//   - POST /admin/health - Broadcast a health report
//   - POST /admin/reconnect - Ask every channel to reconnect
//
// # Authentication
//
// Requests carry the token as a Bearer header or, for the push channel, a
// token query parameter. Clients that keep presenting bad tokens are
// blocked with exponential backoff.
package mockserver
