// Package fragtaleerr centralizes the broker's error-kind sentinels so every
// layer (ingest, delivery, query, transports) can classify failures with
// errors.Is instead of string matching.
package fragtaleerr
