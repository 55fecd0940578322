// Package keys defines the deterministic byte layout of vertex, edge,
// index, system and listener keys. The first four bytes of every key are
// (partition_id << 8) | kind, big-endian, so one partition's keys of one
// kind form a contiguous range.
package keys

import (
	"encoding/binary"
	"math"

	"github.com/vergedb/verge/pkg/status"
	"github.com/vergedb/verge/pkg/types"
)

// Kind tags the key families within a partition.
type Kind uint8

const (
	KindVertex   Kind = 1
	KindEdge     Kind = 2
	KindIndex    Kind = 3
	KindSystem   Kind = 4
	KindListener Kind = 5
)

const prefixLen = 4

// VersionDesc inverts a version so the newest sorts first within a
// logical-key prefix.
func VersionDesc(version uint64) uint64 {
	return math.MaxUint64 - version
}

// PartitionOf maps a vertex id onto one of n partitions, numbered from 1.
// The hash space is fixed for the life of the space.
func PartitionOf(vid types.VertexID, numParts uint32) types.PartitionID {
	return types.PartitionID(uint64(vid)%uint64(numParts)) + 1
}

func appendPrefix(b []byte, part types.PartitionID, kind Kind) []byte {
	return binary.BigEndian.AppendUint32(b, part<<8|uint32(kind))
}

// PartPrefix covers every key of one kind in one partition.
func PartPrefix(part types.PartitionID, kind Kind) []byte {
	return appendPrefix(make([]byte, 0, prefixLen), part, kind)
}

// PartAllPrefix covers every key of every kind in one partition. Valid for
// partition ids below 2^24, which the 4-byte prefix implies anyway.
func PartAllPrefix(part types.PartitionID) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], part<<8)
	return b[:3]
}

// appendSignedFlipped writes v big-endian with the sign bit flipped so
// that signed values order lexicographically.
func appendSignedFlipped(b []byte, v int64) []byte {
	return binary.BigEndian.AppendUint64(b, uint64(v)^(1<<63))
}

func decodeSignedFlipped(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b) ^ (1 << 63))
}

// VertexKey is prefix || vid(8) || tag(4) || versionDesc(8).
func VertexKey(part types.PartitionID, vid types.VertexID, tag types.TagID, version uint64) []byte {
	b := make([]byte, 0, prefixLen+8+4+8)
	b = appendPrefix(b, part, KindVertex)
	b = binary.BigEndian.AppendUint64(b, uint64(vid))
	b = binary.BigEndian.AppendUint32(b, uint32(tag))
	return binary.BigEndian.AppendUint64(b, VersionDesc(version))
}

// VertexPrefix covers every tag row of one vertex.
func VertexPrefix(part types.PartitionID, vid types.VertexID) []byte {
	b := make([]byte, 0, prefixLen+8)
	b = appendPrefix(b, part, KindVertex)
	return binary.BigEndian.AppendUint64(b, uint64(vid))
}

// VertexTagPrefix covers every version of one (vertex, tag) row.
func VertexTagPrefix(part types.PartitionID, vid types.VertexID, tag types.TagID) []byte {
	b := make([]byte, 0, prefixLen+8+4)
	b = appendPrefix(b, part, KindVertex)
	b = binary.BigEndian.AppendUint64(b, uint64(vid))
	return binary.BigEndian.AppendUint32(b, uint32(tag))
}

// EdgeKey is prefix || src(8) || edgeType(4) || rank(8, order-preserving)
// || dst(8) || versionDesc(8).
func EdgeKey(part types.PartitionID, src types.VertexID, et types.EdgeType,
	rank types.EdgeRanking, dst types.VertexID, version uint64) []byte {
	b := make([]byte, 0, prefixLen+8+4+8+8+8)
	b = appendPrefix(b, part, KindEdge)
	b = binary.BigEndian.AppendUint64(b, uint64(src))
	b = binary.BigEndian.AppendUint32(b, uint32(et))
	b = appendSignedFlipped(b, rank)
	b = binary.BigEndian.AppendUint64(b, uint64(dst))
	return binary.BigEndian.AppendUint64(b, VersionDesc(version))
}

// EdgeSrcPrefix covers every edge out of (or into, for negative types) one
// vertex.
func EdgeSrcPrefix(part types.PartitionID, src types.VertexID) []byte {
	b := make([]byte, 0, prefixLen+8)
	b = appendPrefix(b, part, KindEdge)
	return binary.BigEndian.AppendUint64(b, uint64(src))
}

// EdgeTypePrefix covers every edge of one type from one vertex.
func EdgeTypePrefix(part types.PartitionID, src types.VertexID, et types.EdgeType) []byte {
	b := make([]byte, 0, prefixLen+8+4)
	b = appendPrefix(b, part, KindEdge)
	b = binary.BigEndian.AppendUint64(b, uint64(src))
	return binary.BigEndian.AppendUint32(b, uint32(et))
}

// EdgeVersionPrefix covers every version of one logical edge.
func EdgeVersionPrefix(part types.PartitionID, src types.VertexID, et types.EdgeType,
	rank types.EdgeRanking, dst types.VertexID) []byte {
	b := make([]byte, 0, prefixLen+8+4+8+8)
	b = appendPrefix(b, part, KindEdge)
	b = binary.BigEndian.AppendUint64(b, uint64(src))
	b = binary.BigEndian.AppendUint32(b, uint32(et))
	b = appendSignedFlipped(b, rank)
	return binary.BigEndian.AppendUint64(b, uint64(dst))
}

// IndexKey is prefix || indexID(4) || columnBytes || owningTail.
func IndexKey(part types.PartitionID, index types.IndexID, columnBytes, owningTail []byte) []byte {
	b := make([]byte, 0, prefixLen+4+len(columnBytes)+len(owningTail))
	b = appendPrefix(b, part, KindIndex)
	b = binary.BigEndian.AppendUint32(b, uint32(index))
	b = append(b, columnBytes...)
	return append(b, owningTail...)
}

// IndexPrefix covers every entry of one index in one partition.
func IndexPrefix(part types.PartitionID, index types.IndexID) []byte {
	b := make([]byte, 0, prefixLen+4)
	b = appendPrefix(b, part, KindIndex)
	return binary.BigEndian.AppendUint32(b, uint32(index))
}

// VertexIndexTail is the owning tail of a tag index entry.
func VertexIndexTail(vid types.VertexID) []byte {
	return binary.BigEndian.AppendUint64(make([]byte, 0, 8), uint64(vid))
}

// EdgeIndexTail is the owning tail of an edge index entry.
func EdgeIndexTail(src types.VertexID, rank types.EdgeRanking, dst types.VertexID) []byte {
	b := make([]byte, 0, 24)
	b = binary.BigEndian.AppendUint64(b, uint64(src))
	b = appendSignedFlipped(b, rank)
	return binary.BigEndian.AppendUint64(b, uint64(dst))
}

// SystemKey stores partition-local bookkeeping (commit frontier, raft
// membership) under the system kind.
func SystemKey(part types.PartitionID, suffix string) []byte {
	b := make([]byte, 0, prefixLen+len(suffix))
	b = appendPrefix(b, part, KindSystem)
	return append(b, suffix...)
}

// ListenerKey stores a listener binding for a partition.
func ListenerKey(part types.PartitionID, suffix string) []byte {
	b := make([]byte, 0, prefixLen+len(suffix))
	b = appendPrefix(b, part, KindListener)
	return append(b, suffix...)
}

// KindOf extracts the key kind, or 0 for malformed keys.
func KindOf(key []byte) Kind {
	if len(key) < prefixLen {
		return 0
	}
	return Kind(binary.BigEndian.Uint32(key) & 0xFF)
}

// PartOf extracts the partition id.
func PartOf(key []byte) types.PartitionID {
	if len(key) < prefixLen {
		return 0
	}
	return binary.BigEndian.Uint32(key) >> 8
}

// ParsedVertex is the decoded form of a vertex key.
type ParsedVertex struct {
	Part    types.PartitionID
	Vid     types.VertexID
	Tag     types.TagID
	Version uint64
}

// ParseVertexKey decodes a vertex key.
func ParseVertexKey(key []byte) (ParsedVertex, error) {
	if len(key) != prefixLen+8+4+8 || KindOf(key) != KindVertex {
		return ParsedVertex{}, status.New(status.ErrKeyNotFound, "not a vertex key")
	}
	return ParsedVertex{
		Part:    PartOf(key),
		Vid:     types.VertexID(binary.BigEndian.Uint64(key[4:])),
		Tag:     types.TagID(binary.BigEndian.Uint32(key[12:])),
		Version: math.MaxUint64 - binary.BigEndian.Uint64(key[16:]),
	}, nil
}

// ParsedEdge is the decoded form of an edge key.
type ParsedEdge struct {
	Part    types.PartitionID
	Src     types.VertexID
	Type    types.EdgeType
	Rank    types.EdgeRanking
	Dst     types.VertexID
	Version uint64
}

// ParseEdgeKey decodes an edge key.
func ParseEdgeKey(key []byte) (ParsedEdge, error) {
	if len(key) != prefixLen+8+4+8+8+8 || KindOf(key) != KindEdge {
		return ParsedEdge{}, status.New(status.ErrKeyNotFound, "not an edge key")
	}
	return ParsedEdge{
		Part:    PartOf(key),
		Src:     types.VertexID(binary.BigEndian.Uint64(key[4:])),
		Type:    types.EdgeType(binary.BigEndian.Uint32(key[12:])),
		Rank:    decodeSignedFlipped(key[16:24]),
		Dst:     types.VertexID(binary.BigEndian.Uint64(key[24:])),
		Version: math.MaxUint64 - binary.BigEndian.Uint64(key[32:]),
	}, nil
}

// ParseIndexTailVertex decodes the owning vid from a tag index entry.
func ParseIndexTailVertex(key []byte) (types.VertexID, error) {
	if len(key) < 8 {
		return 0, status.New(status.ErrKeyNotFound, "index key too short")
	}
	return types.VertexID(binary.BigEndian.Uint64(key[len(key)-8:])), nil
}

// ParseIndexTailEdge decodes the owning (src, rank, dst) from an edge
// index entry.
func ParseIndexTailEdge(key []byte) (types.VertexID, types.EdgeRanking, types.VertexID, error) {
	if len(key) < 24 {
		return 0, 0, 0, status.New(status.ErrKeyNotFound, "index key too short")
	}
	tail := key[len(key)-24:]
	return types.VertexID(binary.BigEndian.Uint64(tail)),
		decodeSignedFlipped(tail[8:16]),
		types.VertexID(binary.BigEndian.Uint64(tail[16:])),
		nil
}

// LogicalVertexPrefix strips the version suffix from a vertex key, giving
// the prefix shared by all of its versions.
func LogicalVertexPrefix(key []byte) []byte {
	if len(key) < 8 {
		return key
	}
	return key[:len(key)-8]
}

// LogicalEdgePrefix strips the version suffix from an edge key.
func LogicalEdgePrefix(key []byte) []byte {
	if len(key) < 8 {
		return key
	}
	return key[:len(key)-8]
}
