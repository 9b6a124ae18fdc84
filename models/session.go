package models

import (
	"encoding/json"
	"strconv"
	"time"

	"gorm.io/datatypes"
)

type SessionKind string

const (
	SessionPreparation  SessionKind = "preparation"
	SessionGeoreference SessionKind = "georeference"
	SessionTrim         SessionKind = "trim"
)

type Stage string

const (
	StageInput      Stage = "input"
	StageProcessing Stage = "processing"
	StageFinished   Stage = "finished"
)

// Session status strings shown to users next to the stage.
const (
	SessionStatusGettingInput = "getting user input"
	SessionStatusQueued       = "queued"
	SessionStatusRunning      = "running"
	SessionStatusFailed       = "failed"
	SessionStatusSuccess      = "success"
	SessionStatusUndone       = "undone"
)

// Session is one user driven preparation, georeference or trim operation.
// ActiveKey is set while the session is in input or processing and is
// unique, so a resource can never have two active sessions.
type Session struct {
	ID            uint           `gorm:"primaryKey" json:"id"`
	Kind          SessionKind    `gorm:"size:16;index;not null" json:"type"`
	ResourceKind  Kind           `gorm:"size:16;not null" json:"resource_type"`
	ResourceID    uint           `gorm:"index;not null" json:"resource_id"`
	ActiveKey     *string        `gorm:"size:64;uniqueIndex" json:"-"`
	Stage         Stage          `gorm:"size:16;index;not null" json:"stage"`
	Status        string         `gorm:"size:64" json:"status"`
	Message       string         `gorm:"type:text" json:"message"`
	Payload       datatypes.JSON `json:"data"`
	User          string         `gorm:"size:150;index" json:"user"`
	PrevStatus    string         `gorm:"size:32" json:"-"`
	// what a finished run overwrote, see Replaced
	Replaced      datatypes.JSON `json:"-"`
	Running       bool           `gorm:"not null;default:false" json:"-"`
	UserInputSecs int            `json:"user_input_duration"`
	Note          string         `gorm:"type:text" json:"note"`
	CreatedAt     time.Time      `json:"date_created"`
	UpdatedAt     time.Time      `json:"date_modified"`
	DateRun       *time.Time     `json:"date_run"`
}

func (Session) TableName() string {
	return "georef_session"
}

// ActiveKeyFor is the value stored in Session.ActiveKey.
func ActiveKeyFor(kind Kind, id uint) string {
	return string(kind) + ":" + strconv.FormatUint(uint64(id), 10)
}

func (s *Session) Active() bool {
	return s.Stage == StageInput || s.Stage == StageProcessing
}

// Replaced is the state a successful run overwrote on an existing resource.
// Undo puts it back.
type Replaced struct {
	// georeference: the layer as it was before the new raster
	LayerID uint      `json:"layer_id,omitempty"`
	FileKey string    `json:"file_key,omitempty"`
	Width   int       `json:"width,omitempty"`
	Height  int       `json:"height,omitempty"`
	EPSG    int       `json:"epsg,omitempty"`
	Extent  []float64 `json:"extent,omitempty"`
	// trim: the previous mask, nil when the layer had none
	MaskWKT *string `json:"mask_wkt,omitempty"`
}

// ReplacedState decodes Replaced; nil when the run created everything it wrote.
func (s *Session) ReplacedState() (*Replaced, error) {
	if len(s.Replaced) == 0 || string(s.Replaced) == "null" {
		return nil, nil
	}
	var r Replaced
	if err := json.Unmarshal(s.Replaced, &r); err != nil {
		return nil, err
	}
	return &r, nil
}
