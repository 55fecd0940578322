/*
Package types holds the identifiers and the value variant shared by every
layer: space, partition, tag, edge type, vertex id, log and term ids, host
addresses, and the Value sum type rows and expressions carry.

Value is explicit about unsetness: a field is KindNull or exactly one of
the typed arms, never a zero value standing in for "absent". The cast
accessors implement the widening and narrowing lattice of the row codec
(int to bool, double truncating to int, string parsing to numerics, bool
to 0/1) and fail with IncompatibleType otherwise.
*/
package types
