/*
Package registry holds the in-memory metadata state: the table mapping, the
index registry, and the immutable Snapshot handle published after every
commit.

Mappings and registries are copy-on-write: writers build a new value and
the committer publishes it through the Manager; readers clone the handle in
O(1) and never observe a half-applied change. The registries persist as
documents in the _tables and _index system tablets and bootstrap by
scanning those tablets' by_id indexes from four persistence globals.
*/
package registry
