package faces

import (
	"context"
	"database/sql"
	"log"

	"github.com/google/uuid"

	"github.com/opentestimony/ot-backend/internal/data"
)

const (
	// DefaultEps is the cosine-distance radius for the full re-cluster.
	DefaultEps = 0.3
	// DefaultMinClusterSize is the density floor: fewer faces than this in
	// a neighbourhood stay noise.
	DefaultMinClusterSize = 5
	// AssignSimThreshold is the minimum similarity for the incremental
	// path to attach a new face to an existing cluster.
	AssignSimThreshold = 0.65

	reclusterPageSize = 5000
)

// Service owns face cluster maintenance: the cheap incremental assignment
// after each indexed video, and the periodic full re-cluster.
type Service struct {
	DB             *sql.DB
	Faces          data.FaceModel
	Eps            float64
	MinClusterSize int
}

func NewService(db *sql.DB, model data.FaceModel) *Service {
	return &Service{
		DB:             db,
		Faces:          model,
		Eps:            DefaultEps,
		MinClusterSize: DefaultMinClusterSize,
	}
}

// AssignNewFaces attaches a video's unassigned faces to the nearest
// existing cluster when similarity clears the threshold. Faces matching no
// cluster stay unassigned until the next full re-cluster discovers them.
func (s *Service) AssignNewFaces(ctx context.Context, videoID uuid.UUID) (assigned, skipped int, err error) {
	unassigned, err := s.Faces.ListUnassigned(ctx, videoID)
	if err != nil {
		return 0, 0, err
	}
	if len(unassigned) == 0 {
		return 0, 0, nil
	}

	clusters, err := s.Faces.ListClusters(ctx)
	if err != nil {
		return 0, 0, err
	}
	if len(clusters) == 0 {
		return 0, len(unassigned), nil
	}

	centroids := make([][]float32, len(clusters))
	for i, c := range clusters {
		centroids[i] = c.Centroid
	}

	for _, face := range unassigned {
		idx, sim := NearestCentroid(face.Embedding, centroids)
		if idx == -1 || sim < AssignSimThreshold {
			skipped++
			continue
		}
		if err := s.Faces.AssignCluster(ctx, face.ID, clusters[idx].ID); err != nil {
			return assigned, skipped, err
		}
		assigned++
	}
	return assigned, skipped, nil
}

// ReclusterResult summarises a full re-cluster run.
type ReclusterResult struct {
	FacesTotal int `json:"faces_total"`
	Clusters   int `json:"clusters"`
	Noise      int `json:"noise"`
}

// ReclusterAll rebuilds every cluster from scratch inside one transaction:
// old assignments are cleared, density clustering runs over all embeddings,
// and each cluster gets a centroid plus a representative face (the member
// closest to the centroid).
func (s *Service) ReclusterAll(ctx context.Context) (*ReclusterResult, error) {
	var all []*data.FaceDetection
	for offset := 0; ; offset += reclusterPageSize {
		page, err := s.Faces.ListAll(ctx, reclusterPageSize, offset)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < reclusterPageSize {
			break
		}
	}

	embeddings := make([][]float32, len(all))
	for i, f := range all {
		embeddings[i] = f.Embedding
	}
	labels, nClusters := Cluster(embeddings, s.Eps, s.MinClusterSize)

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	txFaces := data.FaceModel{DB: tx}

	if err := txFaces.ClearAssignments(ctx); err != nil {
		return nil, err
	}

	result := &ReclusterResult{FacesTotal: len(all)}
	for clusterID := 0; clusterID < nClusters; clusterID++ {
		var members [][]float32
		var memberFaces []*data.FaceDetection
		videos := make(map[uuid.UUID]bool)
		for i, label := range labels {
			if label != clusterID {
				continue
			}
			members = append(members, embeddings[i])
			memberFaces = append(memberFaces, all[i])
			videos[all[i].VideoID] = true
		}

		centroid := Centroid(members)
		rep := memberFaces[0]
		bestSim := -1.0
		for _, f := range memberFaces {
			if sim := CosineSim(f.Embedding, centroid); sim > bestSim {
				rep, bestSim = f, sim
			}
		}

		err := txFaces.InsertCluster(ctx, &data.FaceCluster{
			ID:         clusterID + 1,
			FaceCount:  len(memberFaces),
			VideoCount: len(videos),
			Centroid:   centroid,
			RepFaceID:  rep.ID,
		})
		if err != nil {
			return nil, err
		}
		for _, f := range memberFaces {
			if err := txFaces.AssignCluster(ctx, f.ID, clusterID+1); err != nil {
				return nil, err
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	result.Clusters = nClusters
	for _, label := range labels {
		if label == Noise {
			result.Noise++
		}
	}
	log.Printf("[Faces] Reclustered %d faces into %d clusters (%d noise)",
		result.FacesTotal, result.Clusters, result.Noise)
	return result, nil
}
