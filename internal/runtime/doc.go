// Package runtime hosts the Publisher, which combines the back-pressure
// gate, the per-worker channel registry and the property template into a
// publish, confirm and retry loop over a broker.Connection.
package runtime
