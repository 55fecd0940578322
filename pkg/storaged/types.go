// Package storaged implements the storage service handlers: vertex and
// edge mutation, traversal and property reads, index lookup and scan, and
// the partition admin surface. Handlers fan out per partition, report
// per-partition failures explicitly, and keep index entries in the same
// atomic batch as the data they cover.
package storaged

import (
	"github.com/vergedb/verge/pkg/expr"
	"github.com/vergedb/verge/pkg/status"
	"github.com/vergedb/verge/pkg/types"
)

// NewTag is one tag row of a new vertex, props in schema order of the
// latest tag schema version.
type NewTag struct {
	TagID types.TagID   `json:"tag_id"`
	Props []types.Value `json:"props"`
}

// NewVertex is one vertex with its tag rows.
type NewVertex struct {
	Vid  types.VertexID `json:"vid"`
	Tags []NewTag       `json:"tags"`
}

// NewEdge is one directed edge row, props in schema order. The storage
// client emits the mirrored in-edge as its own NewEdge routed to the
// destination's partition.
type NewEdge struct {
	Src   types.VertexID    `json:"src"`
	Type  types.EdgeType    `json:"type"`
	Rank  types.EdgeRanking `json:"rank"`
	Dst   types.VertexID    `json:"dst"`
	Props []types.Value     `json:"props"`
}

// AddVerticesRequest inserts vertices, pre-routed by partition.
type AddVerticesRequest struct {
	Space          types.GraphSpaceID                `json:"space"`
	Parts          map[types.PartitionID][]NewVertex `json:"parts"`
	Overwrite      bool                              `json:"overwrite"`
	SkipIndexCheck bool                              `json:"skip_index_check"`
}

// AddEdgesRequest inserts edges, pre-routed by partition.
type AddEdgesRequest struct {
	Space          types.GraphSpaceID              `json:"space"`
	Parts          map[types.PartitionID][]NewEdge `json:"parts"`
	Overwrite      bool                            `json:"overwrite"`
	SkipIndexCheck bool                            `json:"skip_index_check"`
}

// DeleteVerticesRequest removes vertices and their index entries.
type DeleteVerticesRequest struct {
	Space types.GraphSpaceID                     `json:"space"`
	Parts map[types.PartitionID][]types.VertexID `json:"parts"`
}

// EdgeKeyRef addresses one logical edge.
type EdgeKeyRef struct {
	Src  types.VertexID    `json:"src"`
	Type types.EdgeType    `json:"type"`
	Rank types.EdgeRanking `json:"rank"`
	Dst  types.VertexID    `json:"dst"`
}

// DeleteEdgesRequest removes edges and their index entries.
type DeleteEdgesRequest struct {
	Space types.GraphSpaceID                 `json:"space"`
	Parts map[types.PartitionID][]EdgeKeyRef `json:"parts"`
}

// ExecResponse is the mutation result: per-partition failures, never
// silently dropped.
type ExecResponse struct {
	FailedParts map[types.PartitionID]status.Code `json:"failed_parts,omitempty"`
}

// Failed reports whether any partition failed.
func (r *ExecResponse) Failed() bool { return len(r.FailedParts) > 0 }

// GetPropsRequest point-reads vertex tag rows.
type GetPropsRequest struct {
	Space         types.GraphSpaceID                     `json:"space"`
	Parts         map[types.PartitionID][]types.VertexID `json:"parts"`
	TagID         types.TagID                            `json:"tag_id"`
	ReturnColumns []string                               `json:"return_columns"`
}

// VertexProps is one vertex's returned property row.
type VertexProps struct {
	Vid   types.VertexID `json:"vid"`
	Found bool           `json:"found"`
	Props []types.Value  `json:"props"`
}

// GetPropsResponse returns rows plus the failure map.
type GetPropsResponse struct {
	Columns     []string                          `json:"columns"`
	Vertices    []VertexProps                     `json:"vertices"`
	FailedParts map[types.PartitionID]status.Code `json:"failed_parts,omitempty"`
}

// PropDef names a returned property: a source-tag property (Tag set) or
// an edge property (Tag zero).
type PropDef struct {
	Tag  types.TagID `json:"tag,omitempty"`
	Name string      `json:"name"`
}

// GetNeighborsRequest is the central traversal primitive.
type GetNeighborsRequest struct {
	Space types.GraphSpaceID                     `json:"space"`
	Parts map[types.PartitionID][]types.VertexID `json:"parts"`
	// EdgeTypes to expand; empty means every type, signs select the
	// direction.
	EdgeTypes []types.EdgeType `json:"edge_types,omitempty"`
	// Filter is evaluated against edge props (and source tag props when
	// not pushed down); nil accepts everything.
	Filter *expr.Node `json:"filter,omitempty"`
	// ReturnColumns picks edge and source-tag props for the result rows.
	ReturnColumns []PropDef `json:"return_columns,omitempty"`
	// LimitPerVid caps edges per input vid; 0 is unlimited. Past the cap,
	// kept edges are chosen by reservoir sampling.
	LimitPerVid int `json:"limit_per_vid,omitempty"`
	// RandomSeed makes sampling reproducible when non-zero.
	RandomSeed int64 `json:"random_seed,omitempty"`
}

// NeighborEdge is one expanded edge with its requested props.
type NeighborEdge struct {
	Type  types.EdgeType    `json:"type"`
	Rank  types.EdgeRanking `json:"rank"`
	Dst   types.VertexID    `json:"dst"`
	Props []types.Value     `json:"props"`
}

// VertexNeighbors groups one input vid's expansion.
type VertexNeighbors struct {
	Vid types.VertexID `json:"vid"`
	// TotalEdges counts every matching edge before the per-vid cap.
	TotalEdges int            `json:"total_edges"`
	Edges      []NeighborEdge `json:"edges"`
}

// GetNeighborsResponse returns per-vid result sets and the failure map.
type GetNeighborsResponse struct {
	Columns     []string                          `json:"columns"`
	Vertices    []VertexNeighbors                 `json:"vertices"`
	FailedParts map[types.PartitionID]status.Code `json:"failed_parts,omitempty"`
}

// UpdateItem sets one property from an expression evaluated against the
// pre-update row.
type UpdateItem struct {
	Prop string     `json:"prop"`
	Expr *expr.Node `json:"expr"`
}

// UpdateVertexRequest is a filtered, optionally upserting vertex update.
type UpdateVertexRequest struct {
	Space         types.GraphSpaceID `json:"space"`
	Part          types.PartitionID  `json:"part"`
	Vid           types.VertexID     `json:"vid"`
	TagID         types.TagID        `json:"tag_id"`
	Items         []UpdateItem       `json:"items"`
	Filter        *expr.Node         `json:"filter,omitempty"`
	Insertable    bool               `json:"insertable"`
	ReturnColumns []string           `json:"return_columns,omitempty"`
}

// UpdateEdgeRequest is a filtered, optionally upserting edge update.
type UpdateEdgeRequest struct {
	Space         types.GraphSpaceID `json:"space"`
	Part          types.PartitionID  `json:"part"`
	Edge          EdgeKeyRef         `json:"edge"`
	Items         []UpdateItem       `json:"items"`
	Filter        *expr.Node         `json:"filter,omitempty"`
	Insertable    bool               `json:"insertable"`
	ReturnColumns []string           `json:"return_columns,omitempty"`
}

// UpdateResponse returns the post-update values of the requested columns.
// FilterPassed is false when the row existed but the filter rejected it.
type UpdateResponse struct {
	FilterPassed bool          `json:"filter_passed"`
	Values       []types.Value `json:"values,omitempty"`
}

// LookupIndexRequest scans one index by equality on a prefix of its
// columns.
type LookupIndexRequest struct {
	Space   types.GraphSpaceID  `json:"space"`
	Parts   []types.PartitionID `json:"parts"`
	IndexID types.IndexID       `json:"index_id"`
	// Values match the leading index columns exactly.
	Values []types.Value `json:"values"`
}

// LookupIndexResponse returns owning tails: vids for tag indexes, edge
// refs for edge indexes.
type LookupIndexResponse struct {
	Vids        []types.VertexID                  `json:"vids,omitempty"`
	Edges       []EdgeKeyRef                      `json:"edges,omitempty"`
	FailedParts map[types.PartitionID]status.Code `json:"failed_parts,omitempty"`
}

// ScanVertexRequest pages through a partition's vertex rows.
type ScanVertexRequest struct {
	Space  types.GraphSpaceID `json:"space"`
	Part   types.PartitionID  `json:"part"`
	Cursor []byte             `json:"cursor,omitempty"`
	Limit  int                `json:"limit"`
}

// ScannedVertex is one newest-version vertex row.
type ScannedVertex struct {
	Vid   types.VertexID `json:"vid"`
	TagID types.TagID    `json:"tag_id"`
	Props []types.Value  `json:"props"`
}

// ScanVertexResponse returns rows and the next page cursor (nil at end).
type ScanVertexResponse struct {
	Vertices []ScannedVertex `json:"vertices"`
	Cursor   []byte          `json:"cursor,omitempty"`
}

// ScanEdgeRequest pages through a partition's edge rows.
type ScanEdgeRequest struct {
	Space  types.GraphSpaceID `json:"space"`
	Part   types.PartitionID  `json:"part"`
	Cursor []byte             `json:"cursor,omitempty"`
	Limit  int                `json:"limit"`
}

// ScannedEdge is one newest-version edge row.
type ScannedEdge struct {
	Edge  EdgeKeyRef    `json:"edge"`
	Props []types.Value `json:"props"`
}

// ScanEdgeResponse returns rows and the next page cursor.
type ScanEdgeResponse struct {
	Edges  []ScannedEdge `json:"edges"`
	Cursor []byte        `json:"cursor,omitempty"`
}

// AdminRequest carries partition admin commands.
type AdminRequest struct {
	Space   types.GraphSpaceID `json:"space"`
	Part    types.PartitionID  `json:"part,omitempty"`
	IndexID types.IndexID      `json:"index_id,omitempty"`
}
