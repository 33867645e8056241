// Package qdrant implements retrieval.VectorIndex on a Qdrant collection.
package qdrant

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/kalambet/campusconnect/internal/observability"
	"github.com/kalambet/campusconnect/internal/retrieval"
	"github.com/kalambet/campusconnect/internal/storage"
)

var _ retrieval.VectorIndex = (*Index)(nil)

const (
	backend = "qdrant"

	// scrollPage is the page size used by ScanAll.
	scrollPage = 256
)

// Payload keys stored on every point.
const (
	keyProgramID       = "programId"
	keySchoolID        = "schoolId"
	keyName            = "name"
	keyCurrency        = "currency"
	keyProgramLevel    = "programLevel"
	keyProgramCategory = "programCategory"
	keyTuition         = "tuition"
	keySchoolName      = "schoolName"
	keySchoolCity      = "schoolCity"
	keySchoolProvince  = "schoolProvince"
	keyCountryCode     = "schoolCountryCode"
)

// programNamespace seeds the deterministic point IDs.
var programNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("campusconnect/programs"))

// pointsAPI is the subset of pb.PointsClient the index calls.
type pointsAPI interface {
	Search(ctx context.Context, in *pb.SearchPoints, opts ...grpc.CallOption) (*pb.SearchResponse, error)
	Scroll(ctx context.Context, in *pb.ScrollPoints, opts ...grpc.CallOption) (*pb.ScrollResponse, error)
	Upsert(ctx context.Context, in *pb.UpsertPoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
}

// collectionsAPI is the subset of pb.CollectionsClient the index calls.
type collectionsAPI interface {
	CollectionExists(ctx context.Context, in *pb.CollectionExistsRequest, opts ...grpc.CallOption) (*pb.CollectionExistsResponse, error)
	Create(ctx context.Context, in *pb.CreateCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
}

// Config locates the collection and tunes approximate search.
type Config struct {
	Host       string
	Port       int
	Collection string
	// SearchFraction scales EfCeiling to get the HNSW ef of approximate search.
	SearchFraction float64
	EfCeiling      int
}

// Index is a Qdrant-backed vector index.
type Index struct {
	conn        *grpc.ClientConn
	points      pointsAPI
	collections collectionsAPI
	cfg         Config
}

// New connects to Qdrant's gRPC API. The connection is established lazily.
func New(cfg Config) (*Index, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("qdrant connect: %w", err)
	}
	x := newIndex(pb.NewPointsClient(conn), pb.NewCollectionsClient(conn), cfg)
	x.conn = conn
	return x, nil
}

func newIndex(points pointsAPI, collections collectionsAPI, cfg Config) *Index {
	return &Index{points: points, collections: collections, cfg: cfg}
}

// Close releases the gRPC connection.
func (x *Index) Close() error {
	if x.conn == nil {
		return nil
	}
	return x.conn.Close()
}

// EnsureCollection creates the collection with cosine distance and the
// given vector size when it does not exist.
func (x *Index) EnsureCollection(ctx context.Context, dim int) error {
	resp, err := x.collections.CollectionExists(ctx, &pb.CollectionExistsRequest{CollectionName: x.cfg.Collection})
	if err != nil {
		return fmt.Errorf("qdrant collection exists: %w", err)
	}
	if resp.GetResult().GetExists() {
		return nil
	}
	_, err = x.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: x.cfg.Collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(dim),
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("qdrant create collection %s: %w", x.cfg.Collection, err)
	}
	slog.Info("created qdrant collection", "collection", x.cfg.Collection, "dim", dim)
	return nil
}

// hnswEf is max(k, ceil(fraction * ceiling)).
func (x *Index) hnswEf(k int) uint64 {
	ef := int(math.Ceil(x.cfg.SearchFraction * float64(x.cfg.EfCeiling)))
	return uint64(max(k, ef))
}

// TopK searches the collection. Exhaustive search asks Qdrant for an exact
// scan; approximate search widens HNSW ef with the search fraction.
func (x *Index) TopK(ctx context.Context, vec []float32, k int, exhaustive bool) ([]retrieval.Candidate, error) {
	ctx, span := observability.StartIndexSpan(ctx, backend, "topk")
	defer span.End()

	if k <= 0 {
		return nil, nil
	}
	params := &pb.SearchParams{}
	if exhaustive {
		exact := true
		params.Exact = &exact
	} else {
		ef := x.hnswEf(k)
		params.HnswEf = &ef
	}

	resp, err := x.points.Search(ctx, &pb.SearchPoints{
		CollectionName: x.cfg.Collection,
		Vector:         vec,
		Limit:          uint64(k),
		Params:         params,
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	})
	if err != nil {
		observability.RecordError(span, err)
		return nil, fmt.Errorf("qdrant search: %w", err)
	}

	out := make([]retrieval.Candidate, 0, len(resp.GetResult()))
	for _, pt := range resp.GetResult() {
		p := programFromPayload(pt.GetPayload())
		out = append(out, retrieval.CandidateFromProgram(p, 1-float64(pt.GetScore())))
	}
	return out, nil
}

// ScanAll pages through every point and computes cosine distances locally.
func (x *Index) ScanAll(ctx context.Context, vec []float32) ([]retrieval.ScanRow, error) {
	ctx, span := observability.StartIndexSpan(ctx, backend, "scan")
	defer span.End()

	limit := uint32(scrollPage)
	var offset *pb.PointId
	var out []retrieval.ScanRow
	skipped := 0
	for {
		resp, err := x.points.Scroll(ctx, &pb.ScrollPoints{
			CollectionName: x.cfg.Collection,
			Offset:         offset,
			Limit:          &limit,
			WithPayload: &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Include{
				Include: &pb.PayloadIncludeSelector{Fields: []string{keyProgramID, keySchoolID, keyCountryCode}},
			}},
			WithVectors: &pb.WithVectorsSelector{SelectorOptions: &pb.WithVectorsSelector_Enable{Enable: true}},
		})
		if err != nil {
			observability.RecordError(span, err)
			return nil, fmt.Errorf("qdrant scroll: %w", err)
		}
		for _, pt := range resp.GetResult() {
			data := denseVector(pt.GetVectors())
			if len(data) != len(vec) {
				skipped++
				continue
			}
			payload := pt.GetPayload()
			out = append(out, retrieval.ScanRow{
				ProgramID:   payload[keyProgramID].GetStringValue(),
				SchoolID:    payload[keySchoolID].GetStringValue(),
				CountryCode: payload[keyCountryCode].GetStringValue(),
				Distance:    retrieval.CosineDistance(vec, data),
			})
		}
		offset = resp.GetNextPageOffset()
		if offset == nil {
			break
		}
	}
	if skipped > 0 {
		slog.Warn("skipped qdrant points with mismatched dimension", "points", skipped, "query_dim", len(vec))
	}
	return out, nil
}

func denseVector(v *pb.VectorsOutput) []float32 {
	out := v.GetVector()
	if d := out.GetDense().GetData(); len(d) > 0 {
		return d
	}
	return out.GetData()
}

// Upsert writes the program as a point keyed by a UUID derived from its ID.
func (x *Index) Upsert(ctx context.Context, p storage.Program, vec []float32) error {
	ctx, span := observability.StartIndexSpan(ctx, backend, "upsert")
	defer span.End()

	_, err := x.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: x.cfg.Collection,
		Points: []*pb.PointStruct{{
			Id:      &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: PointID(p.ProgramID)}},
			Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: vec}}},
			Payload: programPayload(p),
		}},
	})
	if err != nil {
		observability.RecordError(span, err)
		return fmt.Errorf("qdrant upsert %s: %w", p.ProgramID, err)
	}
	return nil
}

// PointID maps a program ID to its point UUID.
func PointID(programID string) string {
	return uuid.NewSHA1(programNamespace, []byte(programID)).String()
}

func str(s string) *pb.Value {
	return &pb.Value{Kind: &pb.Value_StringValue{StringValue: s}}
}

func programPayload(p storage.Program) map[string]*pb.Value {
	payload := map[string]*pb.Value{
		keyProgramID:       str(p.ProgramID),
		keySchoolID:        str(p.SchoolID),
		keyName:            str(p.Name),
		keyCurrency:        str(p.Currency),
		keyProgramLevel:    str(p.ProgramLevel),
		keyProgramCategory: str(p.ProgramCategory),
		keySchoolName:      str(p.SchoolName),
		keySchoolCity:      str(p.SchoolCity),
		keySchoolProvince:  str(p.SchoolProvince),
		keyCountryCode:     str(p.SchoolCountryCode),
	}
	if p.Tuition != nil {
		payload[keyTuition] = &pb.Value{Kind: &pb.Value_DoubleValue{DoubleValue: *p.Tuition}}
	}
	return payload
}

func programFromPayload(payload map[string]*pb.Value) storage.Program {
	p := storage.Program{
		ProgramID:         payload[keyProgramID].GetStringValue(),
		SchoolID:          payload[keySchoolID].GetStringValue(),
		Name:              payload[keyName].GetStringValue(),
		Currency:          payload[keyCurrency].GetStringValue(),
		ProgramLevel:      payload[keyProgramLevel].GetStringValue(),
		ProgramCategory:   payload[keyProgramCategory].GetStringValue(),
		SchoolName:        payload[keySchoolName].GetStringValue(),
		SchoolCity:        payload[keySchoolCity].GetStringValue(),
		SchoolProvince:    payload[keySchoolProvince].GetStringValue(),
		SchoolCountryCode: payload[keyCountryCode].GetStringValue(),
	}
	if v, ok := payload[keyTuition]; ok {
		switch k := v.GetKind().(type) {
		case *pb.Value_DoubleValue:
			t := k.DoubleValue
			p.Tuition = &t
		case *pb.Value_IntegerValue:
			t := float64(k.IntegerValue)
			p.Tuition = &t
		}
	}
	return p
}
