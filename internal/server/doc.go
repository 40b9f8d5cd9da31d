// Package server hosts the Fiber HTTP service, request middleware chain, and
// the route classifier that decides per request whether the offline agent
// intercepts it (shell or API strategy) or lets it pass through untouched.
// The package owns the shared upstream http.Client and header hygiene helpers;
// strategy execution lives in internal/agent, control-surface endpoints in
// internal/server/routes. Keep exports narrow and accept explicit dependencies.
package server
