// Package server implements the HTTP surface of the dashboard engine.
//
// This package provides:
//   - GitHub webhook endpoint handling with HMAC signature verification
//   - The REST API for deployments, presence, sessions, notifications and
//     preferences
//   - A websocket endpoint streaming engine state changes to the client
//   - Per-IP rate limiting and structured logging of all HTTP requests
//
// The server integrates with other packages:
//   - internal/project: Project configuration and validation
//   - internal/engine: The single-threaded event coordination loop
//   - internal/github: Webhook payload translation
package server
