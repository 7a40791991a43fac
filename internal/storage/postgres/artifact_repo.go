package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/wasmbridge/internal/digest"
	"github.com/jkaninda/wasmbridge/internal/domain"
	"github.com/jkaninda/wasmbridge/internal/storage"
)

var artifactNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._/-]{0,254}$`)

// ArtifactRepository implements storage.ArtifactStore with GORM. It works
// unchanged on SQLite.
type ArtifactRepository struct {
	db *gorm.DB
}

func NewArtifactRepository(db *gorm.DB) *ArtifactRepository {
	return &ArtifactRepository{db: db}
}

func (r *ArtifactRepository) Put(ctx context.Context, name string, content []byte, labels map[string]string) (*storage.ArtifactInfo, error) {
	if !artifactNamePattern.MatchString(name) || strings.Contains(name, "..") {
		return nil, &domain.ValidationError{Field: "name", Reason: fmt.Sprintf("invalid artifact name %q", name)}
	}
	if len(content) == 0 {
		return nil, &domain.ValidationError{Field: "content", Reason: "artifact is empty"}
	}
	labelJSON, err := json.Marshal(labels)
	if err != nil {
		return nil, &domain.SerializationError{Format: "json", Err: err}
	}
	if labels == nil {
		labelJSON = []byte("{}")
	}

	now := time.Now().UTC()
	model := ArtifactModel{
		ID:        uuid.New(),
		Name:      name,
		Digest:    digest.Sum(content).String(),
		Size:      int64(len(content)),
		Content:   content,
		Labels:    string(labelJSON),
		CreatedAt: now,
		UpdatedAt: now,
	}

	err = r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"digest", "size", "content", "labels", "updated_at"}),
	}).Create(&model).Error
	if err != nil {
		return nil, fmt.Errorf("storing artifact %s: %w", name, err)
	}

	// On conflict the row keeps its original id and created_at.
	return r.Stat(ctx, name)
}

func (r *ArtifactRepository) Get(ctx context.Context, ref string) (*storage.Artifact, error) {
	var m ArtifactModel
	if err := r.lookup(ctx, ref).First(&m).Error; err != nil {
		return nil, notFound(ref, err)
	}
	want, err := digest.Parse(m.Digest)
	if err != nil || !digest.Verify(m.Content, want) {
		return nil, &domain.SecurityViolationError{
			Reason: fmt.Sprintf("artifact %s does not match its recorded digest", m.Name),
			Err:    storage.ErrChecksumMismatch,
		}
	}
	info, err := toArtifactInfo(&m)
	if err != nil {
		return nil, err
	}
	return &storage.Artifact{ArtifactInfo: *info, Content: m.Content}, nil
}

func (r *ArtifactRepository) Stat(ctx context.Context, ref string) (*storage.ArtifactInfo, error) {
	var m ArtifactModel
	err := r.lookup(ctx, ref).
		Omit("content").
		First(&m).Error
	if err != nil {
		return nil, notFound(ref, err)
	}
	return toArtifactInfo(&m)
}

// List returns artifact metadata ordered by name.
func (r *ArtifactRepository) List(ctx context.Context) ([]storage.ArtifactInfo, error) {
	var models []ArtifactModel
	if err := r.db.WithContext(ctx).Omit("content").Order("name ASC").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing artifacts: %w", err)
	}
	out := make([]storage.ArtifactInfo, 0, len(models))
	for i := range models {
		info, err := toArtifactInfo(&models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *info)
	}
	return out, nil
}

func (r *ArtifactRepository) Delete(ctx context.Context, ref string) error {
	res := r.lookup(ctx, ref).Delete(&ArtifactModel{})
	if res.Error != nil {
		return fmt.Errorf("deleting artifact %s: %w", ref, res.Error)
	}
	if res.RowsAffected == 0 {
		return &domain.NotFoundError{Kind: "artifact", ID: ref}
	}
	return nil
}

// lookup scopes a query to one artifact by name or by digest.
func (r *ArtifactRepository) lookup(ctx context.Context, ref string) *gorm.DB {
	q := r.db.WithContext(ctx).Model(&ArtifactModel{})
	if d, err := digest.Parse(ref); err == nil {
		return q.Where("digest = ?", d.String()).Order("updated_at DESC")
	}
	return q.Where("name = ?", ref)
}

func toArtifactInfo(m *ArtifactModel) (*storage.ArtifactInfo, error) {
	var labels map[string]string
	if m.Labels != "" && m.Labels != "{}" {
		if err := json.Unmarshal([]byte(m.Labels), &labels); err != nil {
			return nil, &domain.SerializationError{Format: "json", Err: err}
		}
	}
	return &storage.ArtifactInfo{
		ID:        m.ID,
		Name:      m.Name,
		Digest:    digest.Digest(m.Digest),
		Size:      m.Size,
		Labels:    labels,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}, nil
}

func notFound(ref string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &domain.NotFoundError{Kind: "artifact", ID: ref}
	}
	return fmt.Errorf("loading artifact %s: %w", ref, err)
}

var _ storage.ArtifactStore = (*ArtifactRepository)(nil)
