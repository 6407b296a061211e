// Package http implements the HTTP surface of the fleet server: health
// probes, device and audit queries, license verification and the websocket
// upgrade endpoint.
//
// Handlers stay thin. They decode and validate the request, call into the
// registry, stores or license package, and render the result with
// go-chi/render. Errors go through internal/errors as RFC 7807 problem
// details, except the license endpoints, which keep the license package's
// own error body so that license.Client can decode failure codes.
//
// Each handler exposes Routes() returning a chi.Router to be mounted by
// the application:
//
//	r.Route("/api", func(r chi.Router) {
//	    r.Mount("/health", healthHandler.Routes())
//	    r.Mount("/licenses", licenseHandler.Routes())
//	})
package http
