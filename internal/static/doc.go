// Package static serves the frontend's built assets from disk for every
// path that no proxy rule claims, with optional history API fallback and
// live reload script injection into HTML documents.
package static
