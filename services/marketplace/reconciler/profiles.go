package reconciler

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"cryptobazaar/services/marketplace/models"
)

// ErrProfileNotFound is returned by a ProfileDirectory for unknown subjects.
var ErrProfileNotFound = errors.New("profile not found")

// ProfileDirectory resolves the onboarding profile of an authenticated
// subject.
type ProfileDirectory interface {
	Profile(ctx context.Context, subject string) (*models.UserProfile, error)
}

// GormProfiles stores profiles in the order database.
type GormProfiles struct {
	db  *gorm.DB
	now func() time.Time
}

// NewGormProfiles wraps db.
func NewGormProfiles(db *gorm.DB) *GormProfiles {
	return &GormProfiles{db: db, now: time.Now}
}

// Profile implements ProfileDirectory.
func (p *GormProfiles) Profile(ctx context.Context, subject string) (*models.UserProfile, error) {
	var profile models.UserProfile
	res := p.db.WithContext(ctx).Where("subject = ?", subject).Limit(1).Find(&profile)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrProfileNotFound
	}
	return &profile, nil
}

// Upsert creates or replaces the onboarding fields for profile.Subject.
func (p *GormProfiles) Upsert(ctx context.Context, profile *models.UserProfile) (*models.UserProfile, error) {
	if profile == nil || strings.TrimSpace(profile.Subject) == "" {
		return nil, ErrUnauthenticated
	}
	normalised := *profile
	normalised.FirstName = normalizeName(profile.FirstName)
	normalised.LastName = normalizeName(profile.LastName)
	normalised.Address = norm.NFKC.String(strings.TrimSpace(profile.Address))
	normalised.PAN = strings.ToUpper(strings.TrimSpace(profile.PAN))
	now := p.now().UTC()
	normalised.UpdatedAt = now

	existing, err := p.Profile(ctx, profile.Subject)
	switch {
	case errors.Is(err, ErrProfileNotFound):
		normalised.ID = uuid.New()
		normalised.CreatedAt = now
	case err != nil:
		return nil, err
	default:
		normalised.ID = existing.ID
		normalised.CreatedAt = existing.CreatedAt
	}

	err = p.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "subject"}},
		DoUpdates: clause.AssignmentColumns([]string{"first_name", "last_name", "address", "age", "pan", "updated_at"}),
	}).Create(&normalised).Error
	if err != nil {
		return nil, err
	}
	return &normalised, nil
}

// normalizeName folds compatibility forms and collapses inner whitespace so
// the same seller name renders identically everywhere.
func normalizeName(value string) string {
	folded := norm.NFKC.String(strings.TrimSpace(value))
	return strings.Join(strings.Fields(folded), " ")
}
