// Package clients contains the HTTP clients for the issue tracker
// (Gitea) and the time-tracking system (Kimai). Both share the sliding
// window rate limiter and surface failures as classified errors so the
// engine can decide what to retry.
package clients
