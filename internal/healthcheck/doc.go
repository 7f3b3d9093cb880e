// Package healthcheck periodically probes each proxy upstream and records
// whether it is reachable, logging transitions so a developer notices when
// the backend behind a proxy prefix stops or comes back.
package healthcheck
