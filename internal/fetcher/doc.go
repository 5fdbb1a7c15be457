// Package fetcher implements subscription.Fetcher drivers.
//
// The availability source is a browser-driven scraper that lives outside
// this process. The exec driver runs it as a command per check, passing the
// subject and request identifiers in the environment, and decodes a JSON
// envelope from its stdout:
//
//	{"status":"ok","records":[{"label":"...","date":"...","raw":"..."}]}
//	{"status":"unexpected_state","stage":"Prestazioni"}
//	{"status":"error","error":"..."}
//
// The static driver decodes the same envelope from a file on every call and
// is meant for dry runs.
package fetcher
