/*
Package writelog keeps the bounded ring of recent commits used for OCC
validation, subscription invalidation and token refresh.

Each record carries the commit timestamp, its write source, and the index
keys it touched. The ring is bounded by count and age; tokens older than
the ring are declared invalid and their holders must re-read rather than
refresh. The committer is the single appender; readers go through the
lookup API.
*/
package writelog
