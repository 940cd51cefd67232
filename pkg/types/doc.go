/*
Package types defines Burrow's core data model and error taxonomy.

Timestamps, tablet and document identities, index keys and metadata, and
the structured error kinds shared by every other package live here. The
package has no dependencies on the rest of Burrow so any layer can use it.

The index key encoding is the load-bearing piece: JSON field values encode
into byte strings whose bytewise order matches the value order (null <
bool < number < string < array < object), so the storage layer's key order
realizes index order directly. Keys longer than MaxIndexKeyPrefixLen split
into a prefix and suffix with a sha256 tiebreak; readers reassemble and
re-sort split keys.
*/
package types
