package sessions

import (
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/GrainArc/GeoRef/errs"
	"github.com/GrainArc/GeoRef/models"
)

const (
	LockAuthenticated   = "authenticated"
	LockUnauthenticated = "unauthenticated"
)

// ResourceLock tells a requester whether it may edit a resource.
type ResourceLock struct {
	Enabled bool   `json:"enabled"`
	Stage   string `json:"stage"`
	Type    string `json:"type"`
	Owner   string `json:"owner"`
	Session uint   `json:"session_id,omitempty"`
}

// ComputeLock derives the lock from the active session, if any. An empty
// requester is anonymous and always sees a lock.
func ComputeLock(active *models.Session, requester string) ResourceLock {
	lock := ResourceLock{}
	if active != nil {
		lock.Stage = string(active.Stage)
		lock.Owner = active.User
		lock.Session = active.ID
		if active.User != requester {
			lock.Enabled = true
			lock.Type = LockAuthenticated
		}
	}
	if requester == "" {
		lock.Enabled = true
		lock.Type = LockUnauthenticated
		if lock.Stage == "" {
			lock.Stage = "in-progress"
		}
	}
	return lock
}

// ActiveSession returns the session holding the resource, nil if free.
func ActiveSession(db *gorm.DB, kind models.Kind, id uint) (*models.Session, error) {
	var s models.Session
	err := db.Where("active_key = ?", models.ActiveKeyFor(kind, id)).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Storage(err, "load active session of %s %d", kind, id)
	}
	return &s, nil
}

// LockFor is ComputeLock over the stored active session.
func LockFor(db *gorm.DB, kind models.Kind, id uint, requester string) (ResourceLock, error) {
	active, err := ActiveSession(db, kind, id)
	if err != nil {
		return ResourceLock{}, err
	}
	return ComputeLock(active, requester), nil
}
