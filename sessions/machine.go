// Package sessions drives preparation, georeference and trim sessions
// through input, processing and finished, keeping at most one active
// session per resource.
package sessions

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/GrainArc/GeoRef/errs"
	"github.com/GrainArc/GeoRef/models"
	"github.com/GrainArc/GeoRef/services"
)

// Files is the file storage the machine reads scans from and writes
// derived rasters to.
type Files interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	LocalPath(key string) (string, bool)
}

// Previewer serves in-progress rasters for visual inspection.
type Previewer interface {
	Add(path string) (string, error)
	Remove(path string) error
	Endpoint() string
}

// Refresher keeps the lookup cache in step with structural changes.
type Refresher interface {
	Refresh(ctx context.Context, r models.Resource) error
	Forget(ctx context.Context, kind models.Kind, id uint) error
}

type Options struct {
	DB         *gorm.DB
	Files      Files
	Images     *services.ImageCache
	Preview    Previewer
	Refresher  Refresher
	Dispatcher Dispatcher
	Broker     *Broker
	// GeoServer workspace used in trim styles
	Workspace string
}

type Machine struct {
	db         *gorm.DB
	files      Files
	images     *services.ImageCache
	preview    Previewer
	refresher  Refresher
	dispatcher Dispatcher
	broker     *Broker
	workspace  string

	mu      sync.Mutex
	cancels map[uint]context.CancelFunc
}

func New(opts Options) *Machine {
	m := &Machine{
		db:         opts.DB,
		files:      opts.Files,
		images:     opts.Images,
		preview:    opts.Preview,
		refresher:  opts.Refresher,
		dispatcher: opts.Dispatcher,
		broker:     opts.Broker,
		workspace:  opts.Workspace,
		cancels:    make(map[uint]context.CancelFunc),
	}
	if m.images == nil {
		m.images = services.NewImageCache(8, 10*time.Minute)
	}
	if m.dispatcher == nil {
		m.dispatcher = Immediate{}
	}
	if m.broker == nil {
		m.broker = NewBroker()
	}
	if m.workspace == "" {
		m.workspace = "geonode"
	}
	return m
}

func (m *Machine) Broker() *Broker { return m.broker }

// resourceKinds maps a session kind to the resource kind it works on.
var resourceKinds = map[models.SessionKind]models.Kind{
	models.SessionPreparation:  models.KindDocument,
	models.SessionGeoreference: models.KindDocument,
	models.SessionTrim:         models.KindLayer,
}

var inProgress = map[models.SessionKind]string{
	models.SessionPreparation:  models.StatusSplitting,
	models.SessionGeoreference: models.StatusGeoreferencing,
	models.SessionTrim:         models.StatusTrimming,
}

// startable lists the resource statuses a session of each kind may begin from.
var startable = map[models.SessionKind][]string{
	models.SessionPreparation:  {models.StatusUnprepared, models.StatusNeedsReview},
	models.SessionGeoreference: {models.StatusPrepared, models.StatusGeoreferenced},
	models.SessionTrim:         {models.StatusGeoreferenced, models.StatusTrimmed},
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Get loads a session by id.
func (m *Machine) Get(ctx context.Context, id uint) (*models.Session, error) {
	return getSession(m.db.WithContext(ctx), id)
}

func getSession(db *gorm.DB, id uint) (*models.Session, error) {
	var s models.Session
	err := db.First(&s, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Wrapf(errs.ErrSessionNotFound, "session %d", id)
	}
	if err != nil {
		return nil, errs.Storage(err, "load session %d", id)
	}
	return &s, nil
}

// Lock computes what requester may do with a resource.
func (m *Machine) Lock(ctx context.Context, r models.Resource, requester string) (ResourceLock, error) {
	item := r.Base()
	return LockFor(m.db.WithContext(ctx), item.Kind, item.ID, requester)
}

// Start returns the caller's input session on the resource, creating it
// when the resource is free.
func (m *Machine) Start(ctx context.Context, kind models.SessionKind, r models.Resource, user string) (*models.Session, error) {
	item := r.Base()
	if want, ok := resourceKinds[kind]; !ok || want != item.Kind {
		return nil, errors.Wrapf(errs.ErrInvalidInput, "%s session cannot run on a %s", kind, item.Kind)
	}
	if user == "" {
		return nil, errors.Wrap(errs.ErrLockConflict, LockUnauthenticated)
	}
	db := m.db.WithContext(ctx)

	if s, err := m.reuse(db, kind, item, user); s != nil || err != nil {
		return s, err
	}

	var current models.Item
	if err := db.First(&current, item.ID).Error; err != nil {
		return nil, errs.Storage(err, "load %s %d", item.Kind, item.ID)
	}
	if !contains(startable[kind], current.Status) {
		return nil, errors.Wrapf(errs.ErrInvalidTransition, "cannot start %s on %s %d with status %q", kind, item.Kind, item.ID, current.Status)
	}

	key := models.ActiveKeyFor(item.Kind, item.ID)
	s := &models.Session{
		Kind:         kind,
		ResourceKind: item.Kind,
		ResourceID:   item.ID,
		ActiveKey:    &key,
		Stage:        models.StageInput,
		Status:       models.SessionStatusGettingInput,
		User:         user,
		PrevStatus:   current.Status,
	}
	err := db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(s).Error; err != nil {
			return err
		}
		res := tx.Model(&models.Item{}).Where("id = ? AND status = ?", item.ID, current.Status).Update("status", inProgress[kind])
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errors.Wrapf(errs.ErrInvalidTransition, "%s %d changed status", item.Kind, item.ID)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, errs.ErrInvalidTransition) {
			return nil, err
		}
		// lost the race on active_key
		if s, rerr := m.reuse(db, kind, item, user); s != nil || rerr != nil {
			return s, rerr
		}
		return nil, errs.Storage(err, "create %s session on %s %d", kind, item.Kind, item.ID)
	}
	item.Status = inProgress[kind]

	log.WithFields(log.Fields{"session": s.ID, "type": kind, "resource": key, "user": user}).Info("session started")
	m.broker.Publish(eventOf(s))
	m.refresh(ctx, r)
	return s, nil
}

// reuse resolves an existing active session: the caller's own input session
// is returned, anything else is a conflict.
func (m *Machine) reuse(db *gorm.DB, kind models.SessionKind, item *models.Item, user string) (*models.Session, error) {
	active, err := ActiveSession(db, item.Kind, item.ID)
	if err != nil || active == nil {
		return nil, err
	}
	if active.User != user {
		return nil, errors.Wrapf(errs.ErrLockConflict, "%s %d is locked by %s", item.Kind, item.ID, active.User)
	}
	if active.Kind != kind || active.Stage != models.StageInput {
		return nil, errors.Wrapf(errs.ErrInvalidTransition, "session %d is %s in %s stage", active.ID, active.Kind, active.Stage)
	}
	return active, nil
}

// Submit stores the user input and hands the session to a dispatcher.
// Submitting again after a failed run retries it.
func (m *Machine) Submit(ctx context.Context, id uint, user string, p Payload) (*models.Session, error) {
	db := m.db.WithContext(ctx)
	s, err := getSession(db, id)
	if err != nil {
		return nil, err
	}
	if user == "" || user != s.User {
		return nil, errors.Wrapf(errs.ErrLockConflict, "session %d belongs to %s", id, s.User)
	}
	if p == nil || p.Kind() != s.Kind {
		return nil, errors.Wrapf(errs.ErrInvalidInput, "payload does not match %s session", s.Kind)
	}
	retry := s.Stage == models.StageProcessing && s.Status == models.SessionStatusFailed && !s.Running
	if s.Stage != models.StageInput && !retry {
		return nil, errors.Wrapf(errs.ErrInvalidTransition, "session %d is %s (%s)", id, s.Stage, s.Status)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	if g, ok := p.(GeoreferenceInput); ok {
		if err := m.mergeGCPs(ctx, s, g, user); err != nil {
			return nil, err
		}
		m.dropPreview(ctx, s.ResourceID)
	}

	data, err := json.Marshal(p)
	if err != nil {
		return nil, errors.Wrap(err, "encode session payload")
	}
	updates := map[string]interface{}{
		"payload": data,
		"stage":   models.StageProcessing,
		"status":  models.SessionStatusQueued,
		"message": "",
	}
	if !retry {
		updates["user_input_secs"] = int(time.Since(s.CreatedAt).Seconds())
	}
	res := db.Model(&models.Session{}).
		Where("id = ? AND stage = ? AND running = ?", id, s.Stage, false).
		Updates(updates)
	if res.Error != nil {
		return nil, errs.Storage(res.Error, "submit session %d", id)
	}
	if res.RowsAffected == 0 {
		return nil, errors.Wrapf(errs.ErrInvalidTransition, "session %d changed while submitting", id)
	}
	s.Stage, s.Status, s.Message = models.StageProcessing, models.SessionStatusQueued, ""
	m.broker.Publish(eventOf(s))

	if err := m.dispatcherFor(s, p).Dispatch(ctx, id, m); err != nil {
		cur, gerr := getSession(db, id)
		if gerr != nil {
			return nil, err
		}
		if cur.Status == models.SessionStatusFailed {
			// the run itself failed and recorded why
			return cur, nil
		}
		// never handed over; record it so the session can be resubmitted
		m.fail(ctx, cur, err)
		return nil, err
	}
	return getSession(db, id)
}

// dispatcherFor runs quick computations inline whatever is configured.
func (m *Machine) dispatcherFor(s *models.Session, p Payload) Dispatcher {
	switch v := p.(type) {
	case PreparationInput:
		if !v.SplitNeeded {
			return Immediate{}
		}
	case TrimInput:
		return Immediate{}
	}
	return m.dispatcher
}

// Run executes a processing session. Only one run of a session can be in
// flight; a concurrent call returns without doing anything.
func (m *Machine) Run(ctx context.Context, id uint) error {
	start := time.Now()
	db := m.db.WithContext(ctx)
	res := db.Model(&models.Session{}).
		Where("id = ? AND stage = ? AND running = ?", id, models.StageProcessing, false).
		Updates(map[string]interface{}{"running": true, "status": models.SessionStatusRunning})
	if res.Error != nil {
		return errs.Storage(res.Error, "claim session %d", id)
	}
	if res.RowsAffected == 0 {
		_, err := getSession(db, id)
		return err
	}
	s, err := getSession(db, id)
	if err != nil {
		return err
	}
	m.broker.Publish(eventOf(s))

	runCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancels[id] = cancel
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.cancels, id)
		m.mu.Unlock()
		cancel()
	}()

	out, err := m.compute(runCtx, s)
	if err != nil {
		m.fail(ctx, s, err)
		observeRun(s.Kind, "failed", start)
		return err
	}

	var touched []models.Resource
	stale := false
	err = db.Transaction(func(tx *gorm.DB) error {
		var cur models.Session
		err := tx.First(&cur, id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && cur.Stage != models.StageProcessing) {
			stale = true
			return nil
		}
		if err != nil {
			return errs.Storage(err, "reload session %d", id)
		}
		touched, err = out.apply(tx)
		if err != nil {
			return err
		}
		now := time.Now()
		finish := map[string]interface{}{
			"stage":      models.StageFinished,
			"status":     models.SessionStatusSuccess,
			"message":    "",
			"running":    false,
			"active_key": nil,
			"date_run":   &now,
		}
		if out.replaced != nil {
			data, err := json.Marshal(out.replaced)
			if err != nil {
				return errors.Wrap(err, "encode replaced state")
			}
			finish["replaced"] = datatypes.JSON(data)
		}
		return tx.Model(&models.Session{}).Where("id = ?", id).Updates(finish).Error
	})
	if stale {
		log.WithFields(log.Fields{"session": id}).Info("session cancelled while running, discarding result")
		m.discard(ctx, out.keys)
		observeRun(s.Kind, "cancelled", start)
		return nil
	}
	if err != nil {
		m.discard(ctx, out.keys)
		m.fail(ctx, s, err)
		observeRun(s.Kind, "failed", start)
		return err
	}
	for _, key := range out.stale {
		if derr := m.files.Delete(ctx, key); derr != nil {
			log.Warnf("delete replaced file %s: %v", key, derr)
		}
	}

	s.Stage, s.Status, s.Message = models.StageFinished, models.SessionStatusSuccess, ""
	log.WithFields(log.Fields{"session": id, "type": s.Kind, "secs": time.Since(start).Seconds()}).Info("session finished")
	m.broker.Publish(eventOf(s))
	for _, r := range touched {
		m.refresh(ctx, r)
	}
	observeRun(s.Kind, "success", start)
	return nil
}

// fail records a run error on the session, leaving it in processing so
// the user can resubmit.
func (m *Machine) fail(ctx context.Context, s *models.Session, cause error) {
	err := m.db.WithContext(ctx).Model(&models.Session{}).
		Where("id = ? AND stage = ?", s.ID, models.StageProcessing).
		Updates(map[string]interface{}{
			"status":  models.SessionStatusFailed,
			"message": cause.Error(),
			"running": false,
		}).Error
	if err != nil {
		log.Errorf("record failure of session %d: %v", s.ID, err)
	}
	s.Status, s.Message = models.SessionStatusFailed, cause.Error()
	log.WithFields(log.Fields{"session": s.ID, "type": s.Kind}).Warnf("session failed: %v", cause)
	m.broker.Publish(eventOf(s))
}

func (m *Machine) discard(ctx context.Context, keys []string) {
	for _, key := range keys {
		if err := m.files.Delete(ctx, key); err != nil {
			log.Warnf("delete discarded file %s: %v", key, err)
		}
	}
}

// Cancel abandons an input or processing session and puts the resource
// back into the status it had before the session started.
func (m *Machine) Cancel(ctx context.Context, id uint, user string) error {
	db := m.db.WithContext(ctx)
	s, err := getSession(db, id)
	if err != nil {
		return err
	}
	if user == "" || user != s.User {
		return errors.Wrapf(errs.ErrLockConflict, "session %d belongs to %s", id, s.User)
	}
	if !s.Active() {
		return errors.Wrapf(errs.ErrInvalidTransition, "session %d is %s", id, s.Stage)
	}

	m.mu.Lock()
	if cancel, ok := m.cancels[id]; ok {
		cancel()
	}
	m.mu.Unlock()

	if s.Kind == models.SessionGeoreference {
		m.dropPreview(ctx, s.ResourceID)
	}

	err = db.Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ? AND stage <> ?", id, models.StageFinished).Delete(&models.Session{})
		if res.Error != nil {
			return errs.Storage(res.Error, "delete session %d", id)
		}
		if res.RowsAffected == 0 {
			// gone, or the run committed in the meantime
			if _, err := getSession(tx, id); err != nil {
				return err
			}
			return errors.Wrapf(errs.ErrInvalidTransition, "session %d finished before it could be cancelled", id)
		}
		if err := tx.Model(&models.Item{}).Where("id = ?", s.ResourceID).Update("status", s.PrevStatus).Error; err != nil {
			return errs.Storage(err, "restore status of %s %d", s.ResourceKind, s.ResourceID)
		}
		return nil
	})
	if err != nil {
		return err
	}

	log.WithFields(log.Fields{"session": id, "type": s.Kind, "user": user}).Info("session cancelled")
	s.Status = StatusCancelled
	m.broker.Publish(eventOf(s))
	if r, err := m.resource(db, s.ResourceKind, s.ResourceID); err == nil {
		m.refresh(ctx, r)
	}
	return nil
}

// Undo reverts what a finished session produced and puts back what it
// replaced. Only the latest finished session of a kind on a resource can be
// undone. The session record is kept with status undone.
func (m *Machine) Undo(ctx context.Context, id uint, user string) error {
	db := m.db.WithContext(ctx)
	s, err := getSession(db, id)
	if err != nil {
		return err
	}
	if user == "" {
		return errors.Wrap(errs.ErrLockConflict, LockUnauthenticated)
	}
	if s.Stage != models.StageFinished || s.Status != models.SessionStatusSuccess {
		return errors.Wrapf(errs.ErrInvalidTransition, "session %d is %s (%s)", id, s.Stage, s.Status)
	}
	if active, err := ActiveSession(db, s.ResourceKind, s.ResourceID); err != nil {
		return err
	} else if active != nil {
		return errors.Wrapf(errs.ErrLockConflict, "%s %d has active session %d", s.ResourceKind, s.ResourceID, active.ID)
	}

	var rev reversal
	err = db.Transaction(func(tx *gorm.DB) error {
		later, err := laterFinished(tx, s)
		if err != nil {
			return err
		}
		if later != nil {
			return errors.Wrapf(errs.ErrInvalidTransition, "session %d was superseded by session %d", id, later.ID)
		}
		res := tx.Model(&models.Session{}).
			Where("id = ? AND status = ?", id, models.SessionStatusSuccess).
			Update("status", models.SessionStatusUndone)
		if res.Error != nil {
			return errs.Storage(res.Error, "mark session %d undone", id)
		}
		if res.RowsAffected == 0 {
			return errors.Wrapf(errs.ErrInvalidTransition, "session %d changed while undoing", id)
		}
		rev, err = m.revert(tx, s)
		return err
	})
	if err != nil {
		return err
	}

	log.WithFields(log.Fields{"session": id, "type": s.Kind, "user": user}).Info("session undone")
	s.Status = models.SessionStatusUndone
	m.broker.Publish(eventOf(s))
	m.discard(ctx, rev.keys)
	for _, f := range rev.forget {
		if err := m.refresherOrNop().Forget(ctx, f.Kind, f.ID); err != nil {
			log.Warnf("forget lookup of %s %d: %v", f.Kind, f.ID, err)
		}
	}
	for _, r := range rev.touched {
		m.refresh(ctx, r)
	}
	return nil
}

func (m *Machine) resource(db *gorm.DB, kind models.Kind, id uint) (models.Resource, error) {
	if kind == models.KindLayer {
		return models.GetLayer(db, id)
	}
	return models.GetDocument(db, id)
}

func (m *Machine) refresherOrNop() Refresher {
	if m.refresher == nil {
		return nopRefresher{}
	}
	return m.refresher
}

// refresh failures are logged; a rebuild heals the cache.
func (m *Machine) refresh(ctx context.Context, r models.Resource) {
	if err := m.refresherOrNop().Refresh(ctx, r); err != nil {
		log.Warnf("refresh lookup of %s %d: %v", r.Base().Kind, r.Base().ID, err)
	}
}

type nopRefresher struct{}

func (nopRefresher) Refresh(context.Context, models.Resource) error { return nil }
func (nopRefresher) Forget(context.Context, models.Kind, uint) error { return nil }
